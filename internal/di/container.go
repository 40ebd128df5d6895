package di

import (
	"os"
	"path/filepath"

	"google.golang.org/grpc"

	"github.com/alpacahq/walship/logbuf"
	"github.com/alpacahq/walship/logstore"
	"github.com/alpacahq/walship/replication"
	"github.com/alpacahq/walship/utils"
	"github.com/alpacahq/walship/utils/log"
)

type Container struct {
	config                *utils.WalshipConfig
	absRootDir            string
	fileLog               *logstore.FileLog
	logBuffer             *logbuf.Buffer
	masterLog             *replication.MasterLog
	gRPCServerOptions     []grpc.ServerOption
	replicationServer     *replication.GRPCReplicationServer
	grpcReplicationServer *grpc.Server
	replicationSender     *replication.Sender
	slaveController       *replication.SlaveController
}

func NewContainer(cfg *utils.WalshipConfig) *Container {
	return &Container{config: cfg}
}

func (c *Container) GetConfig() *utils.WalshipConfig {
	return c.config
}

func (c *Container) IsMaster() bool {
	return c.config.Replication.Role == utils.RoleMaster
}

func (c *Container) GetAbsRootDir() string {
	if c.absRootDir != "" {
		return c.absRootDir
	}
	relRootDir := c.config.RootDirectory

	// rootDir is the absolute path to the log directory.
	// e.g. rootDir = "/var/lib/walship"
	rootDir, err := filepath.Abs(filepath.Clean(relRootDir))
	if err != nil {
		log.Error("Cannot take absolute path of root directory %s", err.Error())
	} else {
		log.Info("Root Directory: %s", rootDir)
		const ownerGroupAll = 0o770
		err = os.Mkdir(rootDir, ownerGroupAll)
		if err != nil && !os.IsExist(err) {
			log.Error("Could not create root directory: %s", err.Error())
			panic(err)
		}
	}
	c.absRootDir = rootDir
	return c.absRootDir
}

// Close releases the local log.
func (c *Container) Close() error {
	if c.fileLog == nil {
		return nil
	}
	return c.fileLog.Close()
}
