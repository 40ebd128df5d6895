package master

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alpacahq/walship/logbuf"
	"github.com/alpacahq/walship/logstore"
	"github.com/alpacahq/walship/replication"
)

func TestCommitLines(t *testing.T) {
	t.Parallel()
	// --- given ---
	dir := t.TempDir()
	l, err := logstore.Open(dir, logstore.Standalone)
	require.Nil(t, err)
	b, err := logbuf.NewBuffer(128, 2)
	require.Nil(t, err)
	ml := replication.NewMasterLog(l, b, 0)

	// the buffer holds about four lines, drain it while committing
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for ctx.Err() == nil {
			b.Next()
			time.Sleep(time.Millisecond)
		}
	}()

	// --- when ---
	err = commitLines(ctx, strings.NewReader(strings.Repeat("insert into t values (1)\n\n", 20)), ml)

	// --- then ---
	require.Nil(t, err)
	cancel()
	require.Nil(t, l.Close())
	entries, err := logstore.ReadAll(dir)
	require.Nil(t, err)
	assert.Len(t, entries, 20)
	assert.Equal(t, []byte("insert into t values (1)"), entries[19].Data)
}

func TestCommitLines_Canceled(t *testing.T) {
	t.Parallel()
	// --- given ---
	l, err := logstore.Open(t.TempDir(), logstore.Standalone)
	require.Nil(t, err)
	defer l.Close()
	b, err := logbuf.NewBuffer(64, 1)
	require.Nil(t, err)
	ml := replication.NewMasterLog(l, b, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// --- when ---
	// nothing drains the buffer
	err = commitLines(ctx, strings.NewReader(strings.Repeat("0123456789abcdef0123456789\n", 3)), ml)

	// --- then ---
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
