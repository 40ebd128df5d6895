package master

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alpacahq/walship/cmd/internal"
	"github.com/alpacahq/walship/internal/di"
	"github.com/alpacahq/walship/logbuf"
	"github.com/alpacahq/walship/metrics"
	"github.com/alpacahq/walship/replication"
	"github.com/alpacahq/walship/utils"
	"github.com/alpacahq/walship/utils/log"
)

const (
	usage   = "master"
	short   = "Run a replication master"
	long    = "This command serves the replication stream of a database and commits every line read from stdin as a log record"
	example = "walship master --config <path>"

	commitRetryInterval = 10 * time.Millisecond
	failoverTimeout     = 10 * time.Second
)

var (
	// Cmd is the master command.
	Cmd = &cobra.Command{
		Use:     usage,
		Short:   short,
		Long:    long,
		Aliases: []string{"m"},
		Example: example,
		RunE:    executeMaster,
	}
	// configFilePath set flag for a path to the config file.
	configFilePath string
)

// nolint:gochecknoinits // cobra's standard way to initialize flags
func init() {
	Cmd.Flags().StringVarP(&configFilePath, "config", "c", internal.DefaultConfigFilePath, internal.ConfigDesc)
}

// executeMaster implements the master command.
func executeMaster(cmd *cobra.Command, _ []string) error {
	start := time.Now()
	config, err := internal.LoadConfig(configFilePath, utils.RoleMaster)
	if err != nil {
		return err
	}
	// Don't output command usage if args(=only the filepath to walship.yml at the moment) are correct
	cmd.SilenceUsage = true

	c := di.NewContainer(config)
	defer func() {
		if err := c.Close(); err != nil {
			log.Error("failed to close the local log: %v", err)
		}
	}()

	lis, err := net.Listen("tcp", config.ListenAddr())
	if err != nil {
		return fmt.Errorf("failed to listen a port for replication. addr=%s: %w", config.ListenAddr(), err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	eg, ctx := errgroup.WithContext(ctx)

	server := c.GetGRPCReplicationServer()
	eg.Go(func() error {
		log.Info("starting GRPC server for replication on %s...", config.ListenAddr())
		return server.Serve(lis)
	})
	eg.Go(func() error {
		<-ctx.Done()
		// gRPC stream connection doesn't close by GracefulStop()
		server.Stop()
		log.Info("shutdown grpc Replication server...")
		return nil
	})
	eg.Go(func() error { return c.GetReplicationSender().Run(ctx) })
	internal.StartMonitoring(ctx, eg, config, c.GetAbsRootDir())

	go handleSlaveSignals(ctx, c.GetReplicationServer())
	go func() {
		if err := commitLines(ctx, os.Stdin, c.GetMasterLog()); err != nil {
			log.Error("stopped committing stdin: %v", err)
		}
	}()

	startupTime := time.Since(start)
	metrics.StartupTime.Set(startupTime.Seconds())
	log.Info("startup time: %s", startupTime)

	return eg.Wait()
}

// handleSlaveSignals lets an operator stop (SIGUSR1) or fail over (SIGUSR2)
// the attached slave.
func handleSlaveSignals(ctx context.Context, rs *replication.GRPCReplicationServer) {
	const defaultSignalChanLen = 10
	signalChan := make(chan os.Signal, defaultSignalChanLen)
	signal.Notify(signalChan, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(signalChan)

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-signalChan:
			switch s {
			case syscall.SIGUSR1:
				log.Info("stopping the slave due to SIGUSR1 request")
				if err := rs.StopSlave(); err != nil {
					log.Error("failed to stop the slave: %v", err)
				}
			case syscall.SIGUSR2:
				log.Info("failing over the slave due to SIGUSR2 request")
				failoverCtx, cancel := context.WithTimeout(ctx, failoverTimeout)
				if err := rs.FailoverSlave(failoverCtx); err != nil {
					log.Error("failover of the slave failed: %v", err)
				} else {
					log.Info("slave failed over")
				}
				cancel()
			}
		}
	}
}

// commitLines commits every line of r as one record. A full buffer is
// retried until the sender has drained it.
func commitLines(ctx context.Context, r io.Reader, ml *replication.MasterLog) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		line := append([]byte(nil), sc.Bytes()...)
		for {
			instant, err := ml.Commit(line, nil)
			if err == nil {
				log.Debug("committed %d bytes at instant %d", len(line), instant)
				break
			}
			if !errors.Is(err, logbuf.ErrBufferFull) {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(commitRetryInterval):
			}
		}
	}
	if err := sc.Err(); err != nil {
		return errors.Wrap(err, "failed to read stdin")
	}
	log.Info("stdin closed, serving the slave until shutdown")
	return nil
}
