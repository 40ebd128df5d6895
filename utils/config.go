package utils

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/alpacahq/walship/logbuf"
	"github.com/alpacahq/walship/utils/log"
)

const (
	RoleMaster = "master"
	RoleSlave  = "slave"

	defaultListenPort     = 5995
	defaultConnectTimeout = time.Second
	defaultRetryInterval  = time.Second
	defaultLogFileSize    = 1024 * 1024
)

type ReplicationSetting struct {
	Role string
	// MasterHost is the host:port a slave connects to.
	MasterHost string
	// ListenPort is the port a master accepts its slave on.
	ListenPort     int
	TLSEnabled     bool
	CertFile       string
	KeyFile        string
	ConnectTimeout time.Duration
	RetryInterval  time.Duration
	Compress       bool
}

type LogBufferSetting struct {
	SegmentSize int
	Segments    int
}

type WalshipConfig struct {
	RootDirectory string
	DatabaseName  string
	LogLevel      log.Level
	LogFileSize   int64
	// MetricsListen is the address of the prometheus endpoint. Empty disables it.
	MetricsListen string
	Replication   ReplicationSetting
	LogBuffer     LogBufferSetting
	StartTime     time.Time
}

func ParseConfig(data []byte) (*WalshipConfig, error) {
	var cfg WalshipConfig
	if err := cfg.Parse(data); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (m *WalshipConfig) Parse(data []byte) error {
	var aux struct {
		RootDirectory string `yaml:"root_directory"`
		DatabaseName  string `yaml:"database_name"`
		LogLevel      string `yaml:"log_level"`
		LogFileSize   int64  `yaml:"log_file_size"`
		MetricsListen string `yaml:"metrics_listen"`
		Replication   struct {
			Role           string `yaml:"role"`
			MasterHost     string `yaml:"master_host"`
			ListenPort     int    `yaml:"listen_port"`
			TLSEnabled     bool   `yaml:"tls_enabled"`
			CertFile       string `yaml:"cert_file"`
			KeyFile        string `yaml:"key_file"`
			ConnectTimeout string `yaml:"connect_timeout"`
			RetryInterval  string `yaml:"retry_interval"`
			Compress       bool   `yaml:"compress"`
		} `yaml:"replication"`
		LogBuffer struct {
			SegmentSize int `yaml:"segment_size"`
			Segments    int `yaml:"segments"`
		} `yaml:"log_buffer"`
	}

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return errors.Wrap(err, "failed to parse yaml configuration")
	}

	if aux.RootDirectory == "" {
		return errors.New("invalid root directory")
	}
	if aux.DatabaseName == "" {
		return errors.New("database_name is required")
	}

	m.LogLevel = log.INFO
	if aux.LogLevel != "" {
		m.LogLevel = log.ParseLevel(aux.LogLevel)
	}
	log.SetLevel(m.LogLevel)

	repl := aux.Replication
	switch role := strings.ToLower(repl.Role); role {
	case RoleMaster:
		m.Replication.Role = role
		m.Replication.ListenPort = defaultListenPort
		if repl.ListenPort != 0 {
			m.Replication.ListenPort = repl.ListenPort
		}
	case RoleSlave:
		if repl.MasterHost == "" {
			return errors.New("replication.master_host is required for a slave")
		}
		m.Replication.Role = role
		m.Replication.MasterHost = repl.MasterHost
	default:
		return errors.Errorf("invalid replication.role %q, expected %s or %s", repl.Role, RoleMaster, RoleSlave)
	}

	if repl.TLSEnabled && repl.CertFile == "" {
		return errors.New("replication.cert_file is required when TLS is enabled")
	}
	if repl.TLSEnabled && m.Replication.Role == RoleMaster && repl.KeyFile == "" {
		return errors.New("replication.key_file is required for a TLS master")
	}
	m.Replication.TLSEnabled = repl.TLSEnabled
	m.Replication.CertFile = repl.CertFile
	m.Replication.KeyFile = repl.KeyFile
	m.Replication.Compress = repl.Compress

	var err error
	if m.Replication.ConnectTimeout, err = parseDuration("replication.connect_timeout",
		repl.ConnectTimeout, defaultConnectTimeout); err != nil {
		return err
	}
	if m.Replication.RetryInterval, err = parseDuration("replication.retry_interval",
		repl.RetryInterval, defaultRetryInterval); err != nil {
		return err
	}

	m.LogBuffer.SegmentSize = logbuf.DefaultSegmentSize
	if aux.LogBuffer.SegmentSize != 0 {
		if aux.LogBuffer.SegmentSize <= logbuf.HeaderSize {
			return errors.Errorf("log_buffer.segment_size must be larger than %d", logbuf.HeaderSize)
		}
		m.LogBuffer.SegmentSize = aux.LogBuffer.SegmentSize
	}
	m.LogBuffer.Segments = logbuf.DefaultSegments
	if aux.LogBuffer.Segments != 0 {
		if aux.LogBuffer.Segments < 0 {
			return errors.New("log_buffer.segments must be positive")
		}
		m.LogBuffer.Segments = aux.LogBuffer.Segments
	}

	m.LogFileSize = defaultLogFileSize
	if aux.LogFileSize > 0 {
		m.LogFileSize = aux.LogFileSize
	}

	m.RootDirectory = aux.RootDirectory
	m.DatabaseName = aux.DatabaseName
	m.MetricsListen = aux.MetricsListen
	return nil
}

// ListenAddr is the address a master serves replication on.
func (m *WalshipConfig) ListenAddr() string {
	return fmt.Sprintf("0.0.0.0:%d", m.Replication.ListenPort)
}

func parseDuration(key, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return 0, errors.Errorf("invalid %s %q", key, value)
	}
	return d, nil
}
