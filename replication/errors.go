package replication

import (
	"io"

	"github.com/pkg/errors"
)

var (
	// ErrOutOfSync means the local log assigned a record another instant than
	// the master did. The logs have diverged and replication can not continue.
	ErrOutOfSync = errors.New("slave log is out of sync with the master log")
	// ErrConnection is a transient network failure while connecting or reading.
	ErrConnection = errors.New("replication connection error")
	// ErrUnexpected wraps any other failure of the receive loop.
	ErrUnexpected = errors.New("unexpected replication error")

	// ErrReplicationActive is returned when an operation needs the slave to be
	// disconnected from the master first.
	ErrReplicationActive = errors.New("replication is still active, stop it first")
	// ErrStillConnected is returned by a non forced Stop while the master is connected.
	ErrStillConnected = errors.New("slave is connected to the master, stop it from the master or force the stop")
	// ErrStopped is returned by Start when replication was stopped before a
	// connection to the master was made.
	ErrStopped = errors.New("replication was stopped")
	// ErrFailedOver is returned by operations on a slave that was already failed over.
	ErrFailedOver = errors.New("slave database was failed over")
	// ErrNoSlave is returned by the master when no slave is attached.
	ErrNoSlave = errors.New("no slave is attached")
	// ErrEmptyRecord is returned by a commit without data. Its encoding would
	// read as a log file switch.
	ErrEmptyRecord = errors.New("log record has no data")
)

// isDisconnect reports whether err only means the connection to the master
// went away.
func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, ErrConnection)
}
