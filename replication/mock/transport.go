package mock

import (
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/alpacahq/walship/replication"
)

type item struct {
	msg *replication.Message
	err error
}

// Transport is an in-memory replication.Transport. Messages pushed with Push
// are returned by ReadMessage in order.
type Transport struct {
	// ConnectFunc, if set, decides the outcome of every Connect call.
	ConnectFunc func(attempt int, resumeInstant int64) error
	// SendFunc, if set, decides the outcome of every SendMessage call.
	SendFunc func(msg *replication.Message) error

	incoming chan item

	mu        sync.Mutex
	connected bool
	closed    chan struct{}
	attempts  int
	resumes   []int64
	sent      []*replication.Message
	tearDowns int
}

func NewTransport() *Transport {
	closed := make(chan struct{})
	close(closed)
	return &Transport{
		incoming: make(chan item, 64),
		closed:   closed,
	}
}

// Push queues a message from the master.
func (t *Transport) Push(msg *replication.Message) { t.incoming <- item{msg: msg} }

// Disconnect makes the pending or next ReadMessage return io.EOF.
func (t *Transport) Disconnect() { t.incoming <- item{err: io.EOF} }

// Fail makes the pending or next ReadMessage return err.
func (t *Transport) Fail(err error) { t.incoming <- item{err: err} }

func (t *Transport) Connect(_ time.Duration, resumeInstant int64, _ string) error {
	t.mu.Lock()
	t.attempts++
	attempt := t.attempts
	t.mu.Unlock()

	if t.ConnectFunc != nil {
		if err := t.ConnectFunc(attempt, resumeInstant); err != nil {
			return errors.Wrap(replication.ErrConnection, err.Error())
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	t.closed = make(chan struct{})
	t.resumes = append(t.resumes, resumeInstant)
	return nil
}

func (t *Transport) ReadMessage() (*replication.Message, error) {
	t.mu.Lock()
	connected, closed := t.connected, t.closed
	t.mu.Unlock()
	if !connected {
		return nil, errors.Wrap(replication.ErrConnection, "not connected")
	}

	select {
	case it := <-t.incoming:
		return it.msg, it.err
	case <-closed:
		return nil, errors.Wrap(replication.ErrConnection, "connection torn down")
	}
}

func (t *Transport) SendMessage(msg *replication.Message) error {
	if t.SendFunc != nil {
		if err := t.SendFunc(msg); err != nil {
			return err
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return errors.Wrap(replication.ErrConnection, "not connected")
	}
	t.sent = append(t.sent, msg)
	return nil
}

func (t *Transport) TearDown() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tearDowns++
	if t.connected {
		t.connected = false
		close(t.closed)
	}
	return nil
}

// Attempts is the number of Connect calls so far.
func (t *Transport) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// Resumes lists the resume instants of the successful Connect calls.
func (t *Transport) Resumes() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]int64(nil), t.resumes...)
}

// Sent lists the messages sent to the master.
func (t *Transport) Sent() []*replication.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*replication.Message(nil), t.sent...)
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}
