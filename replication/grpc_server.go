package replication

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/alpacahq/walship/utils/log"
)

const defaultRepliesChannelSize = 16

// GRPCReplicationServer is the master's end of the replication stream.
// At most one slave is attached at a time.
type GRPCReplicationServer struct {
	databaseName string
	endInstant   func() int64

	mu       sync.Mutex
	slave    *slaveConn
	attached chan int64
	replies  chan *Message
}

type slaveConn struct {
	addr string

	sendMu sync.Mutex
	stream grpc.ServerStream
}

// NewGRPCReplicationServer creates the master's endpoint for databaseName.
// endInstant reports the instant the master's next commit will get; a slave
// resuming at or beyond it holds records the master never wrote and is
// refused. A nil endInstant skips that check.
func NewGRPCReplicationServer(databaseName string, endInstant func() int64) *GRPCReplicationServer {
	return &GRPCReplicationServer{
		databaseName: databaseName,
		endInstant:   endInstant,
		attached:     make(chan int64, 1),
		replies:      make(chan *Message, defaultRepliesChannelSize),
	}
}

// Register adds the replication service to s. s must be created with
// ServerCodecOption.
func (rs *GRPCReplicationServer) Register(s *grpc.Server) {
	s.RegisterService(&replicationServiceDesc, rs)
}

// Replicate serves the stream of one slave until it closes. It is the gRPC
// handler of the replication stream.
func (rs *GRPCReplicationServer) Replicate(stream grpc.ServerStream) error {
	addr, err := getClientAddr(stream.Context())
	if err != nil {
		return err
	}

	start := new(Message)
	if err := stream.RecvMsg(start); err != nil {
		return errors.Wrap(err, "failed to receive the start message")
	}
	if start.Kind != KindStart {
		return status.Errorf(codes.InvalidArgument, "expected START, got %v", start.Kind)
	}
	if start.DatabaseName != rs.databaseName {
		return status.Errorf(codes.NotFound, "database %q is not replicated here", start.DatabaseName)
	}

	if rs.endInstant != nil && start.Instant != 0 {
		if end := rs.endInstant(); start.Instant >= end {
			log.Error("slave %s resumes after instant %d, the master log ends at %d", addr, start.Instant, end)
			return status.Errorf(codes.FailedPrecondition,
				"slave log is ahead of the master: resume instant %d, master end instant %d", start.Instant, end)
		}
	}

	sc := &slaveConn{addr: addr, stream: stream}
	rs.mu.Lock()
	if rs.slave != nil {
		rs.mu.Unlock()
		return status.Errorf(codes.AlreadyExists, "slave %s is already attached", rs.slave.addr)
	}
	rs.slave = sc
	rs.mu.Unlock()

	select {
	case rs.attached <- start.Instant:
	default:
	}
	log.Info("slave %s attached, resuming after instant %d", addr, start.Instant)

	defer func() {
		rs.mu.Lock()
		rs.slave = nil
		rs.mu.Unlock()
		log.Info("slave %s detached", addr)
	}()

	for {
		m := new(Message)
		err := stream.RecvMsg(m)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		switch m.Kind {
		case KindAck, KindError:
			log.Info("slave %s: %v", addr, m)
			select {
			case rs.replies <- m:
			default:
				log.Warn("dropping reply from slave %s: %v", addr, m)
			}
		default:
			log.Warn("unexpected message from slave %s: %v", addr, m)
		}
	}
}

func getClientAddr(ctx context.Context) (string, error) {
	pr, ok := peer.FromContext(ctx)
	if !ok {
		return "", errors.New("failed to get client address of the replication stream")
	}
	return pr.Addr.String(), nil
}

// Send sends msg to the attached slave.
func (rs *GRPCReplicationServer) Send(msg *Message) error {
	rs.mu.Lock()
	sc := rs.slave
	rs.mu.Unlock()
	if sc == nil {
		return ErrNoSlave
	}

	sc.sendMu.Lock()
	defer sc.sendMu.Unlock()
	if err := sc.stream.SendMsg(msg); err != nil {
		return errors.Wrapf(err, "failed to send %v to slave %s", msg.Kind, sc.addr)
	}
	return nil
}

// Attached reports whether a slave is attached.
func (rs *GRPCReplicationServer) Attached() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.slave != nil
}

// WaitForSlave blocks until a slave attaches and returns its resume instant.
func (rs *GRPCReplicationServer) WaitForSlave(ctx context.Context) (int64, error) {
	select {
	case resume := <-rs.attached:
		return resume, nil
	case <-ctx.Done():
		return 0, errors.Wrap(ctx.Err(), "no slave attached")
	}
}

// Replies delivers the ACK and ERROR messages of the slave.
func (rs *GRPCReplicationServer) Replies() <-chan *Message {
	return rs.replies
}

// StopSlave asks the slave to stop replicating.
func (rs *GRPCReplicationServer) StopSlave() error {
	return rs.Send(StopMessage())
}

// FailoverSlave asks the slave to fail over and waits for its answer.
func (rs *GRPCReplicationServer) FailoverSlave(ctx context.Context) error {
	if err := rs.Send(FailoverMessage()); err != nil {
		return err
	}
	for {
		select {
		case m := <-rs.replies:
			switch m.Kind {
			case KindAck:
				return nil
			case KindError:
				return errors.Errorf("slave failed to fail over: %s", m.Text)
			}
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "no failover acknowledgement from the slave")
		}
	}
}
