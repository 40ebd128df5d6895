package metrics

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alpacahq/walship/utils/log"
)

// Setter is an interface for prometheus metrics to improve unit-testability.
type Setter interface {
	Set(m float64)
}

// StartDiskUsageMonitor retrieves the total disk usage of the provided directory at each provided time interval,
// and set it as a prometheus metric. It returns when ctx is done.
func StartDiskUsageMonitor(ctx context.Context, s Setter, rootDir string, interval time.Duration) {
	s.Set(float64(diskUsage(rootDir)))

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Set(float64(diskUsage(rootDir)))
		}
	}
}

// st_blocks is always counted in 512 byte units.
const statBlockSize = 512

func diskUsage(path string) int64 {
	var totalSize int64
	err := filepath.Walk(path, func(filepath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		stat, ok := info.Sys().(*syscall.Stat_t)
		if !ok {
			// no block information on this platform
			totalSize += info.Size()
			return nil
		}
		totalSize += stat.Blocks * statBlockSize
		return nil
	})
	if err != nil {
		log.Error("get the disk usage of the directory %s for monitoring: %v", path, err)
	}
	return totalSize
}
