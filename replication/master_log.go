package replication

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/alpacahq/walship/logbuf"
	"github.com/alpacahq/walship/metrics"
	"github.com/alpacahq/walship/utils/log"
)

// LocalLog is the durable log of the master.
type LocalLog interface {
	AppendRecord(data, optionalData []byte) (int64, error)
	SwitchLogFile() error
	// EndInstant is the instant the next appended record gets.
	EndInstant() int64
	// FileSize is the number of bytes in the current log file.
	FileSize() int64
}

// MasterLog is the commit path of a master: every record is written to the
// local log and staged for shipping under the instant the local log gave it,
// in the same order.
type MasterLog struct {
	mu          sync.Mutex
	local       LocalLog
	buffer      *logbuf.Buffer
	maxFileSize int64
	// broken is set once the local log and the buffer may disagree.
	broken error
}

// NewMasterLog creates the commit path. With maxFileSize > 0 the log file is
// switched once it reaches that size.
func NewMasterLog(local LocalLog, buffer *logbuf.Buffer, maxFileSize int64) *MasterLog {
	return &MasterLog{
		local:       local,
		buffer:      buffer,
		maxFileSize: maxFileSize,
	}
}

// Commit appends one record and returns its instant. It fails with
// logbuf.ErrBufferFull, leaving the local log untouched, when the shipping
// goroutine lags behind; the caller may retry later.
func (m *MasterLog) Commit(data, optionalData []byte) (int64, error) {
	if len(data) == 0 && len(optionalData) == 0 {
		return 0, ErrEmptyRecord
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.broken != nil {
		return 0, m.broken
	}

	if m.maxFileSize > 0 && m.local.FileSize() >= m.maxFileSize {
		if err := m.switchLogFile(); err != nil {
			return 0, err
		}
	}

	instant := m.local.EndInstant()
	if err := m.stage(logbuf.NewRecord(instant, data, optionalData)); err != nil {
		return 0, err
	}

	got, err := m.local.AppendRecord(data, optionalData)
	if err != nil {
		return 0, m.breakLog(errors.Wrap(err, "failed to append a staged record to the local log"))
	}
	if got != instant {
		return 0, m.breakLog(errors.Errorf("local log wrote instant %d, %d was staged", got, instant))
	}
	return got, nil
}

// EndInstant is the instant the next commit will get. It waits for a commit
// in flight.
func (m *MasterLog) EndInstant() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local.EndInstant()
}

// SwitchLogFile rolls the local log file and tells the slave to do the same.
func (m *MasterLog) SwitchLogFile() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.broken != nil {
		return m.broken
	}
	return m.switchLogFile()
}

// switchLogFile must be called with m.mu held.
func (m *MasterLog) switchLogFile() error {
	if err := m.stage(logbuf.NewLogFileSwitch(m.local.EndInstant())); err != nil {
		return err
	}
	if err := m.local.SwitchLogFile(); err != nil {
		return m.breakLog(errors.Wrap(err, "failed to switch the local log file"))
	}
	return nil
}

func (m *MasterLog) stage(rec logbuf.Record) error {
	if err := m.buffer.Append(rec); err != nil {
		if errors.Is(err, logbuf.ErrBufferFull) {
			metrics.BufferFullTotal.Inc()
		}
		return err
	}
	metrics.BufferAppendsTotal.Inc()
	return nil
}

func (m *MasterLog) breakLog(err error) error {
	log.Error("master log is unusable, the slave may be ahead of it: %v", err)
	m.broken = err
	return err
}
