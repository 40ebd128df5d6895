package logbuf

import "github.com/pkg/errors"

var (
	// ErrBufferFull is returned by Buffer.Append when a rotation needs a free
	// segment and none is left. The committer decides whether to wait, retry or
	// reject the commit.
	ErrBufferFull = errors.New("log record buffer is full")
	// ErrNoSuchSnapshot is returned by the output accessors of Buffer when the
	// last call to Next did not drain a chunk.
	ErrNoSuchSnapshot = errors.New("no drained log chunk available")
	// ErrLogCorrupted means a chunk ended in the middle of a record or carried
	// an impossible header. It is fatal for the replication session.
	ErrLogCorrupted = errors.New("replicated log chunk is corrupted")
	// ErrNoRecord is returned by the Scanner accessors when no record is current.
	ErrNoRecord = errors.New("no log record is available from the scanner")
)
