package replication_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/alpacahq/walship/logbuf"
	"github.com/alpacahq/walship/logstore"
	"github.com/alpacahq/walship/replication"
)

const bufSize = 1024 * 1024

func startMaster(t *testing.T, rs *replication.GRPCReplicationServer) *bufconn.Listener {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	s := grpc.NewServer(replication.ServerCodecOption(true))
	rs.Register(s)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)
	return lis
}

func dialer(lis *bufconn.Listener) grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

func TestReplication_EndToEnd(t *testing.T) {
	t.Parallel()
	// --- given ---
	masterDir, slaveDir := t.TempDir(), t.TempDir()

	masterLog, err := logstore.Open(masterDir, logstore.Standalone)
	require.Nil(t, err)
	t.Cleanup(func() { _ = masterLog.Close() })
	buffer, err := logbuf.NewBuffer(1024, 8)
	require.Nil(t, err)
	commits := replication.NewMasterLog(masterLog, buffer, 512)
	rs := replication.NewGRPCReplicationServer(testDatabase, commits.EndInstant)
	lis := startMaster(t, rs)
	sender := replication.NewSender(buffer, rs, 5*time.Millisecond)

	slaveLog, err := logstore.Open(slaveDir, logstore.Slave)
	require.Nil(t, err)
	t.Cleanup(func() { _ = slaveLog.Close() })
	transport := replication.NewGRPCTransport("bufnet",
		dialer(lis),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	slave := replication.NewSlaveController(replication.SlaveConfig{
		DatabaseName:  testDatabase,
		RetryInterval: 10 * time.Millisecond,
	}, transport, slaveLog)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return sender.Run(ctx) })

	// --- when ---
	require.Nil(t, slave.Start())
	var last int64
	for i := 0; i < 100; i++ {
		last, err = commits.Commit([]byte{byte(i), byte(i >> 8), 'w', 'a', 'l'}, []byte("opt"))
		require.Nil(t, err)
	}

	// --- then ---
	require.Eventually(t, func() bool { return slave.HighestAppliedInstant() == last }, waitTimeout, pollInterval)
	assert.Greater(t, logstore.FileNumber(last), int64(1))

	failoverCtx, failoverCancel := context.WithTimeout(context.Background(), waitTimeout)
	defer failoverCancel()
	require.Nil(t, rs.FailoverSlave(failoverCtx))
	waitDone(t, slave)
	assert.Equal(t, replication.StateFailedOver, slave.State())
	assert.Equal(t, logstore.Standalone, slaveLog.Mode())

	want, err := logstore.ReadAll(masterDir)
	require.Nil(t, err)
	got, err := logstore.ReadAll(slaveDir)
	require.Nil(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("slave log differs from the master log (-want +got):\n%s", diff)
	}

	cancel()
	assert.Nil(t, eg.Wait())
}

func TestReplication_UnknownDatabaseIsRejected(t *testing.T) {
	t.Parallel()
	// --- given ---
	rs := replication.NewGRPCReplicationServer(testDatabase, nil)
	lis := startMaster(t, rs)
	transport := replication.NewGRPCTransport("bufnet",
		dialer(lis),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)

	// --- when ---
	err := transport.Connect(time.Second, 0, "otherdb")
	if err == nil {
		_, err = transport.ReadMessage()
	}

	// --- then ---
	assert.NotNil(t, err)
	assert.False(t, rs.Attached())
	assert.Nil(t, transport.TearDown())
}
