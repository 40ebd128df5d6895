package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var namespace = "walship"
var subsystem = "replication"

var (
	// StartupTime stores how long the startup took (in seconds)
	StartupTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "startup_seconds",
			Help:      "Seconds taken by the startup",
		},
	)

	// LogDirectoryBytes stores the disk usage of the local log directory
	LogDirectoryBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "log_directory_bytes",
		Help:      "Disk usage of the local log directory in bytes",
	})

	// BufferAppendsTotal stores the number of records staged for shipping
	BufferAppendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "buffer_appends_total",
		Help:      "Number of log records staged in the master log record buffer",
	})

	// BufferFullTotal stores the number of commits rejected for lack of a free segment
	BufferFullTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "buffer_full_total",
		Help:      "Number of commits that found the log record buffer full",
	})

	// ShippedChunksTotal stores the number of chunks sent to the slave
	ShippedChunksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "shipped_chunks_total",
		Help:      "Number of log chunks sent to the slave",
	})

	// ShippedBytesTotal stores the number of chunk bytes sent to the slave
	ShippedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "shipped_bytes_total",
		Help:      "Number of log chunk bytes sent to the slave",
	})

	// AppliedRecordsTotal stores the number of records written to the slave log
	AppliedRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "applied_records_total",
		Help:      "Number of replicated log records appended to the local log",
	})

	// HighestAppliedInstant stores the resume cursor of the slave
	HighestAppliedInstant = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "highest_applied_instant",
		Help:      "Instant of the last log record applied on the slave",
	})

	// ReconnectsTotal stores the number of times the slave lost the master
	ReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "reconnects_total",
		Help:      "Number of times the slave lost its connection and reconnected",
	})

	// SlaveState stores the state of the slave replication controller
	SlaveState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "slave_state",
		Help:      "0=stopped 1=connecting 2=receiving 3=disconnected 4=failed over",
	})
)
