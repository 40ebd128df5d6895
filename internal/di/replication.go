package di

import (
	"crypto/tls"
	"fmt"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/alpacahq/walship/replication"
	"github.com/alpacahq/walship/utils/log"
)

func (c *Container) GetGRPCServerOptions() []grpc.ServerOption {
	if c.gRPCServerOptions != nil {
		return c.gRPCServerOptions
	}

	opts := []grpc.ServerOption{
		replication.ServerCodecOption(c.config.Replication.Compress),
	}
	// Enable TLS for all incoming connections if configured
	if c.config.Replication.TLSEnabled {
		cert, err2 := tls.LoadX509KeyPair(
			c.config.Replication.CertFile,
			c.config.Replication.KeyFile,
		)
		if err2 != nil {
			panic(fmt.Sprintf("failed to load server certificates for replication:"+
				" certFile:%v, keyFile:%v, err:%v",
				c.config.Replication.CertFile,
				c.config.Replication.KeyFile,
				err2.Error(),
			))
		}
		opts = append(opts, grpc.Creds(credentials.NewServerTLSFromCert(&cert)))
		log.Debug("transport security is enabled on gRPC server for replication")
	}
	c.gRPCServerOptions = opts
	return opts
}

func (c *Container) GetReplicationServer() *replication.GRPCReplicationServer {
	if !c.IsMaster() {
		return nil
	}
	if c.replicationServer != nil {
		return c.replicationServer
	}
	c.replicationServer = replication.NewGRPCReplicationServer(c.config.DatabaseName, c.GetMasterLog().EndInstant)
	return c.replicationServer
}

// GetGRPCReplicationServer returns the gRPC server of a master with the
// replication service registered.
func (c *Container) GetGRPCReplicationServer() *grpc.Server {
	if !c.IsMaster() {
		return nil
	}
	if c.grpcReplicationServer != nil {
		return c.grpcReplicationServer
	}
	c.grpcReplicationServer = grpc.NewServer(c.GetGRPCServerOptions()...)
	c.GetReplicationServer().Register(c.grpcReplicationServer)
	return c.grpcReplicationServer
}

func (c *Container) GetReplicationSender() *replication.Sender {
	if !c.IsMaster() {
		return nil
	}
	if c.replicationSender != nil {
		return c.replicationSender
	}
	c.replicationSender = replication.NewSender(c.GetLogBuffer(), c.GetReplicationServer(), 0)
	log.Info("initialized replication master")
	return c.replicationSender
}

func (c *Container) GetDialOptions() ([]grpc.DialOption, error) {
	if !c.config.Replication.TLSEnabled {
		// transport security is disabled
		return []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, nil
	}
	creds, err := credentials.NewClientTLSFromFile(c.config.Replication.CertFile, "")
	if err != nil {
		return nil, errors.Wrap(err, "failed to load certFile for replication")
	}
	log.Debug("transport security is enabled on gRPC client for replication")
	return []grpc.DialOption{grpc.WithTransportCredentials(creds)}, nil
}

// GetSlaveController builds the replication controller of a slave. It
// resumes after the newest record of the local log.
func (c *Container) GetSlaveController(onStateChange func(replication.State)) *replication.SlaveController {
	if c.IsMaster() {
		return nil
	}
	if c.slaveController != nil {
		return c.slaveController
	}

	opts, err := c.GetDialOptions()
	if err != nil {
		panic(err)
	}
	transport := replication.NewGRPCTransport(c.config.Replication.MasterHost, opts...)
	fileLog := c.GetFileLog()
	c.slaveController = replication.NewSlaveController(replication.SlaveConfig{
		DatabaseName:   c.config.DatabaseName,
		ConnectTimeout: c.config.Replication.ConnectTimeout,
		RetryInterval:  c.config.Replication.RetryInterval,
		ResumeInstant:  fileLog.LastInstant(),
		OnStateChange:  onStateChange,
	}, transport, fileLog)
	return c.slaveController
}
