package mock

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"

	"github.com/alpacahq/walship/replication"
)

type Addr struct{}

func (Addr) Network() string {
	return "tcp"
}

func (Addr) String() string {
	return "192.0.2.1:25"
}

// ServerStream is the master's end of a replication stream. Messages pushed
// with Push are returned by RecvMsg in order; Close ends the stream.
type ServerStream struct {
	// SendFunc, if set, decides the outcome of every SendMsg call.
	SendFunc func(msg *replication.Message) error
	// NoPeer removes the client address from the stream context.
	NoPeer bool

	incoming chan item

	mu   sync.Mutex
	sent []*replication.Message
}

func NewServerStream() *ServerStream {
	return &ServerStream{incoming: make(chan item, 64)}
}

// Push queues a message from the slave.
func (s *ServerStream) Push(msg *replication.Message) { s.incoming <- item{msg: msg} }

// Close makes the pending or next RecvMsg return io.EOF.
func (s *ServerStream) Close() { s.incoming <- item{err: io.EOF} }

// Sent lists the messages sent to the slave.
func (s *ServerStream) Sent() []*replication.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*replication.Message(nil), s.sent...)
}

func (s *ServerStream) Context() context.Context {
	if s.NoPeer {
		return context.Background()
	}
	return peer.NewContext(context.Background(), &peer.Peer{Addr: Addr{}})
}

func (s *ServerStream) SendMsg(m interface{}) error {
	msg, ok := m.(*replication.Message)
	if !ok {
		return errors.Errorf("unexpected message type %T", m)
	}
	if s.SendFunc != nil {
		if err := s.SendFunc(msg); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *ServerStream) RecvMsg(m interface{}) error {
	it := <-s.incoming
	if it.err != nil {
		return it.err
	}
	msg, ok := m.(*replication.Message)
	if !ok {
		return errors.Errorf("unexpected message type %T", m)
	}
	*msg = *it.msg
	return nil
}

// ------------.
func (s *ServerStream) SetHeader(metadata.MD) error {
	return errors.New("not implemented")
}

func (s *ServerStream) SendHeader(metadata.MD) error {
	return errors.New("not implemented")
}
func (s *ServerStream) SetTrailer(metadata.MD) {}
