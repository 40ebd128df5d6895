package replication

import "time"

// Transport is the slave's connection to the master.
//
// ReadMessage blocks until a message arrives. It returns io.EOF when the
// master closed the stream and an error wrapping ErrConnection on network
// failures. TearDown releases the connection and makes a pending ReadMessage
// return; it may be called from any goroutine and more than once.
type Transport interface {
	Connect(timeout time.Duration, resumeInstant int64, databaseName string) error
	ReadMessage() (*Message, error)
	SendMessage(msg *Message) error
	TearDown() error
}

// LogStore is the local durable log a slave applies records to.
//
// AppendRecord returns the instant the record was written at.
// Promote turns the log into the log of a standalone database.
type LogStore interface {
	AppendRecord(data, optionalData []byte) (int64, error)
	SwitchLogFile() error
	Promote() error
}
