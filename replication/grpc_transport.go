package replication

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GRPCTransport is the slave side of the replication stream.
type GRPCTransport struct {
	target   string
	dialOpts []grpc.DialOption

	mu     sync.Mutex
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc
}

// NewGRPCTransport creates a transport to the master at target. dialOpts
// carry the transport credentials and any custom dialer.
func NewGRPCTransport(target string, dialOpts ...grpc.DialOption) *GRPCTransport {
	return &GRPCTransport{
		target:   target,
		dialOpts: dialOpts,
	}
}

// Connect dials the master, opens the replication stream and sends the
// START message naming the database and the resume instant.
func (t *GRPCTransport) Connect(timeout time.Duration, resumeInstant int64, databaseName string) error {
	dialCtx, dialCancel := context.WithTimeout(context.Background(), timeout)
	defer dialCancel()

	opts := append([]grpc.DialOption{
		grpc.WithBlock(),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(msgpackCodec{})),
	}, t.dialOpts...)
	conn, err := grpc.DialContext(dialCtx, t.target, opts...)
	if err != nil {
		return errors.Wrapf(ErrConnection, "failed to dial master %s: %v", t.target, err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := conn.NewStream(streamCtx, &replicationServiceDesc.Streams[defaultStreamIdx], replicateMethod)
	if err != nil {
		cancel()
		_ = conn.Close()
		return errors.Wrapf(ErrConnection, "failed to open replication stream: %v", err)
	}
	if err := stream.SendMsg(StartMessage(resumeInstant, databaseName)); err != nil {
		cancel()
		_ = conn.Close()
		return errors.Wrapf(ErrConnection, "failed to send the start message: %v", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.releaseLocked()
	t.conn = conn
	t.stream = stream
	t.cancel = cancel
	return nil
}

func (t *GRPCTransport) current() (grpc.ClientStream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stream == nil {
		return nil, errors.Wrap(ErrConnection, "no stream connection to master")
	}
	return t.stream, nil
}

// ReadMessage blocks until the master sends a message.
func (t *GRPCTransport) ReadMessage() (*Message, error) {
	stream, err := t.current()
	if err != nil {
		return nil, err
	}

	// the following line blocks until receive a new message
	m := new(Message)
	if err := stream.RecvMsg(m); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		switch status.Code(err) {
		case codes.Canceled, codes.Unavailable, codes.DeadlineExceeded, codes.Aborted:
			return nil, errors.Wrapf(ErrConnection, "replication stream broken: %v", err)
		}
		return nil, errors.Wrap(err, "failed to get a message from gRPC stream")
	}
	return m, nil
}

func (t *GRPCTransport) SendMessage(msg *Message) error {
	stream, err := t.current()
	if err != nil {
		return err
	}
	if err := stream.SendMsg(msg); err != nil {
		return errors.Wrapf(ErrConnection, "failed to send %v: %v", msg.Kind, err)
	}
	return nil
}

// TearDown closes the stream and the connection. A pending ReadMessage
// returns an ErrConnection.
func (t *GRPCTransport) TearDown() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.releaseLocked()
}

func (t *GRPCTransport) releaseLocked() error {
	if t.stream == nil {
		return nil
	}
	_ = t.stream.CloseSend()
	t.cancel()
	err := t.conn.Close()
	t.stream, t.conn, t.cancel = nil, nil, nil
	if err != nil {
		return errors.Wrap(err, "failed to close gRPC connection")
	}
	return nil
}
