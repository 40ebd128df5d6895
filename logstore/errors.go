package logstore

import "github.com/pkg/errors"

var (
	// ErrCorruptLog is returned when a log file does not have the expected layout.
	ErrCorruptLog = errors.New("corrupt log file")
	// ErrClosed is returned by operations on a closed FileLog.
	ErrClosed = errors.New("log is closed")
)
