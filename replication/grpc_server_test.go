package replication_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/alpacahq/walship/replication"
	"github.com/alpacahq/walship/replication/mock"
)

// attach runs Replicate for stream and waits until the slave is attached.
func attach(t *testing.T, rs *replication.GRPCReplicationServer, stream *mock.ServerStream) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- rs.Replicate(stream) }()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	_, err := rs.WaitForSlave(ctx)
	require.Nil(t, err)
	return done
}

func TestGRPCReplicationServer_Replicate(t *testing.T) {
	t.Parallel()
	// --- given ---
	rs := replication.NewGRPCReplicationServer(testDatabase, func() int64 { return 100 })
	stream := mock.NewServerStream()
	stream.Push(replication.StartMessage(42, testDatabase))

	// --- when ---
	done := make(chan error, 1)
	go func() { done <- rs.Replicate(stream) }()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	resume, err := rs.WaitForSlave(ctx)
	require.Nil(t, err)
	require.Nil(t, rs.Send(replication.LogMessage([]byte{1, 2, 3})))
	stream.Close()

	// --- then ---
	assert.Equal(t, int64(42), resume)
	assert.Nil(t, <-done)
	require.Len(t, stream.Sent(), 1)
	assert.Equal(t, []byte{1, 2, 3}, stream.Sent()[0].Payload)
	assert.False(t, rs.Attached())
	assert.True(t, errors.Is(rs.Send(replication.StopMessage()), replication.ErrNoSlave))
}

func TestGRPCReplicationServer_Handshake(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		first      *replication.Message
		endInstant func() int64
		wantCode   codes.Code
	}{
		"first message is not START": {
			first:    replication.AckMessage("hello"),
			wantCode: codes.InvalidArgument,
		},
		"unknown database": {
			first:    replication.StartMessage(0, "otherdb"),
			wantCode: codes.NotFound,
		},
		"slave resumes at the master's end": {
			first:      replication.StartMessage(100, testDatabase),
			endInstant: func() int64 { return 100 },
			wantCode:   codes.FailedPrecondition,
		},
		"slave is ahead of the master": {
			first:      replication.StartMessage(250, testDatabase),
			endInstant: func() int64 { return 100 },
			wantCode:   codes.FailedPrecondition,
		},
	}
	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			// --- given ---
			rs := replication.NewGRPCReplicationServer(testDatabase, tt.endInstant)
			stream := mock.NewServerStream()
			stream.Push(tt.first)

			// --- when ---
			err := rs.Replicate(stream)

			// --- then ---
			assert.Equal(t, tt.wantCode, status.Code(err))
			assert.False(t, rs.Attached())
		})
	}
}

func TestGRPCReplicationServer_NoClientAddr(t *testing.T) {
	t.Parallel()
	// --- given ---
	rs := replication.NewGRPCReplicationServer(testDatabase, nil)
	stream := mock.NewServerStream()
	stream.NoPeer = true

	// --- when ---
	err := rs.Replicate(stream)

	// --- then ---
	assert.NotNil(t, err)
}

func TestGRPCReplicationServer_SecondSlaveIsRefused(t *testing.T) {
	t.Parallel()
	// --- given ---
	rs := replication.NewGRPCReplicationServer(testDatabase, nil)
	first := mock.NewServerStream()
	first.Push(replication.StartMessage(0, testDatabase))
	done := attach(t, rs, first)

	second := mock.NewServerStream()
	second.Push(replication.StartMessage(0, testDatabase))

	// --- when ---
	err := rs.Replicate(second)

	// --- then ---
	assert.Equal(t, codes.AlreadyExists, status.Code(err))
	assert.True(t, rs.Attached())
	first.Close()
	assert.Nil(t, <-done)
}

func TestGRPCReplicationServer_FailoverSlave(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		reply   *replication.Message
		wantErr bool
	}{
		"acknowledged": {
			reply: replication.AckMessage("failover succeeded"),
		},
		"refused": {
			reply:   replication.ErrorMessage("disk full"),
			wantErr: true,
		},
	}
	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			// --- given ---
			rs := replication.NewGRPCReplicationServer(testDatabase, nil)
			stream := mock.NewServerStream()
			stream.SendFunc = func(msg *replication.Message) error {
				if msg.Kind == replication.KindFailover {
					stream.Push(tt.reply)
				}
				return nil
			}
			stream.Push(replication.StartMessage(0, testDatabase))
			done := attach(t, rs, stream)

			// --- when ---
			ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
			defer cancel()
			err := rs.FailoverSlave(ctx)

			// --- then ---
			assert.Equal(t, tt.wantErr, err != nil)
			stream.Close()
			assert.Nil(t, <-done)
		})
	}
}

func TestGRPCReplicationServer_FailoverSlaveTimeout(t *testing.T) {
	t.Parallel()
	// --- given ---
	rs := replication.NewGRPCReplicationServer(testDatabase, nil)
	stream := mock.NewServerStream()
	stream.Push(replication.StartMessage(0, testDatabase))
	done := attach(t, rs, stream)

	// --- when ---
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := rs.FailoverSlave(ctx)

	// --- then ---
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	stream.Close()
	assert.Nil(t, <-done)
}

func TestGRPCReplicationServer_WaitForSlaveCanceled(t *testing.T) {
	t.Parallel()
	rs := replication.NewGRPCReplicationServer(testDatabase, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := rs.WaitForSlave(ctx)

	assert.True(t, errors.Is(err, context.Canceled))
}
