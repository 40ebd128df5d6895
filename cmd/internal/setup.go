// Package internal holds what the master and slave commands share.
package internal

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/alpacahq/walship/metrics"
	"github.com/alpacahq/walship/utils"
	"github.com/alpacahq/walship/utils/log"
)

const (
	DefaultConfigFilePath = "./walship.yml"
	ConfigDesc            = "set the path for the walship YAML configuration file"

	diskUsageMonitorInterval = time.Minute
	shutdownTimeout          = 5 * time.Second
)

// LoadConfig reads the configuration file and checks that it is meant for role.
func LoadConfig(path, role string) (*utils.WalshipConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file error: %w", err)
	}
	log.Info("using %v for configuration", path)

	config, err := utils.ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration file error: %w", err)
	}
	if config.Replication.Role != role {
		return nil, fmt.Errorf("configuration file %s is for a %s, not a %s", path, config.Replication.Role, role)
	}
	config.StartTime = time.Now()
	return config, nil
}

// StartMonitoring runs the disk usage monitor and, when configured, the
// prometheus endpoint until ctx is done.
func StartMonitoring(ctx context.Context, eg *errgroup.Group, config *utils.WalshipConfig, rootDir string) {
	eg.Go(func() error {
		metrics.StartDiskUsageMonitor(ctx, metrics.LogDirectoryBytes, rootDir, diskUsageMonitorInterval)
		return nil
	})
	if config.MetricsListen == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: config.MetricsListen, Handler: mux, ReadHeaderTimeout: shutdownTimeout}
	eg.Go(func() error {
		log.Info("launching prometheus metrics server on %s...", config.MetricsListen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server error: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
