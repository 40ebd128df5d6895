package slave

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/alpacahq/walship/cmd/internal"
	"github.com/alpacahq/walship/internal/di"
	"github.com/alpacahq/walship/metrics"
	"github.com/alpacahq/walship/replication"
	"github.com/alpacahq/walship/utils"
	"github.com/alpacahq/walship/utils/log"
)

const (
	usage   = "slave"
	short   = "Run a replication slave"
	long    = "This command connects to the master and applies the shipped log to the local log until it is stopped or failed over"
	example = "walship slave --config <path>"
)

var (
	// Cmd is the slave command.
	Cmd = &cobra.Command{
		Use:     usage,
		Short:   short,
		Long:    long,
		Example: example,
		RunE:    executeSlave,
	}
	// configFilePath set flag for a path to the config file.
	configFilePath string
)

// nolint:gochecknoinits // cobra's standard way to initialize flags
func init() {
	Cmd.Flags().StringVarP(&configFilePath, "config", "c", internal.DefaultConfigFilePath, internal.ConfigDesc)
}

// executeSlave implements the slave command.
func executeSlave(cmd *cobra.Command, _ []string) error {
	start := time.Now()
	config, err := internal.LoadConfig(configFilePath, utils.RoleSlave)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	c := di.NewContainer(config)
	defer func() {
		if err := c.Close(); err != nil {
			log.Error("failed to close the local log: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)
	internal.StartMonitoring(ctx, eg, config, c.GetAbsRootDir())

	r := &runner{
		sc: c.GetSlaveController(func(s replication.State) {
			log.Info("replication of %s is %v", config.DatabaseName, s)
		}),
		handled: make(chan struct{}),
	}
	const defaultSignalChanLen = 10
	signalChan := make(chan os.Signal, defaultSignalChanLen)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR2)
	defer signal.Stop(signalChan)
	go r.handleSignal(ctx, signalChan)

	startupTime := time.Since(start)
	metrics.StartupTime.Set(startupTime.Seconds())
	log.Info("startup time: %s", startupTime)

	runErr := r.run()
	cancel()
	if err := eg.Wait(); err != nil {
		log.Error("monitoring error: %v", err)
	}
	return runErr
}

type runner struct {
	sc *replication.SlaveController
	// stopRequested is set before a signal stops replication; handled is
	// closed once the signal was dealt with.
	stopRequested atomic.Bool
	handled       chan struct{}
}

// run replicates until the receive loop exits.
func (r *runner) run() error {
	// a signal may have arrived before replication started
	if !r.stopRequested.Load() {
		if err := r.sc.Start(); err == nil {
			<-r.sc.Done()
		} else if !errors.Is(err, replication.ErrStopped) {
			return err
		}
	}
	if r.stopRequested.Load() {
		<-r.handled
	}
	if err := r.sc.Err(); err != nil {
		return fmt.Errorf("replication failed, fail over the slave to use the database: %w", err)
	}
	if r.sc.State() == replication.StateFailedOver {
		log.Info("database was failed over at instant %d", r.sc.HighestAppliedInstant())
	}
	return nil
}

// handleSignal stops replication on SIGINT or SIGTERM. SIGUSR2 stops it and
// fails the slave over.
func (r *runner) handleSignal(ctx context.Context, signalChan <-chan os.Signal) {
	var s os.Signal
	select {
	case <-ctx.Done():
		return
	case s = <-signalChan:
	}
	defer close(r.handled)

	log.Info("stopping replication due to '%v' request", s)
	r.stopRequested.Store(true)
	if err := r.sc.Stop(true); err != nil {
		if !errors.Is(err, replication.ErrFailedOver) {
			log.Error("failed to stop replication: %v", err)
		}
		return
	}
	if s != syscall.SIGUSR2 {
		return
	}
	<-r.sc.Done()
	if err := r.sc.Failover(); err != nil {
		log.Error("failover failed: %v", err)
	}
}
