package logbuf_test

import (
	"fmt"
	"runtime"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alpacahq/walship/logbuf"
)

type tuple struct {
	Instant  int64
	Data     string
	Optional string
}

func tupleOf(r logbuf.Record) tuple {
	return tuple{Instant: r.Instant, Data: string(r.Payload()), Optional: string(r.OptionalPayload())}
}

// scanChunk decodes every record of a drained chunk.
func scanChunk(t *testing.T, chunk []byte) []tuple {
	t.Helper()
	var ret []tuple
	s := logbuf.NewScanner()
	s.Init(chunk)
	for {
		ok, err := s.Next()
		require.Nil(t, err)
		if !ok {
			return ret
		}
		rec, err := s.Record()
		require.Nil(t, err)
		ret = append(ret, tupleOf(rec))
	}
}

// drainAll drains the buffer until it is empty and scans every chunk.
func drainAll(t *testing.T, b *logbuf.Buffer) (chunks [][]tuple) {
	t.Helper()
	for b.Next() {
		chunk, err := b.Data()
		require.Nil(t, err)
		size, err := b.Size()
		require.Nil(t, err)
		require.Equal(t, len(chunk), size)

		recs := scanChunk(t, chunk)
		last, err := b.LastInstant()
		require.Nil(t, err)
		require.NotEmpty(t, recs)
		require.Equal(t, recs[len(recs)-1].Instant, last)
		chunks = append(chunks, recs)
	}
	return chunks
}

func TestNewBuffer_InvalidSizes(t *testing.T) {
	t.Parallel()
	_, err := logbuf.NewBuffer(logbuf.HeaderSize, 4)
	assert.NotNil(t, err)
	_, err = logbuf.NewBuffer(64, 0)
	assert.NotNil(t, err)
}

func TestBuffer_Rotation(t *testing.T) {
	t.Parallel()
	// --- given ---
	b, err := logbuf.NewBuffer(50, 2)
	require.Nil(t, err)
	a := logbuf.NewRecord(100, []byte("AAAAAA"), nil) // 30 bytes
	c := logbuf.NewRecord(130, []byte("BBBBBB"), nil) // 30 bytes

	// --- when ---
	require.Nil(t, b.Append(a))
	st := b.Stats()
	assert.Equal(t, 0, st.Dirty)
	assert.Equal(t, 30, st.ActiveUsed)

	require.Nil(t, b.Append(c))

	// --- then ---
	st = b.Stats()
	assert.Equal(t, 1, st.Dirty)
	assert.Equal(t, 0, st.Free)
	assert.Equal(t, 30, st.ActiveUsed)

	chunks := drainAll(t, b)
	want := [][]tuple{
		{{Instant: 100, Data: "AAAAAA"}},
		{{Instant: 130, Data: "BBBBBB"}},
	}
	if diff := cmp.Diff(want, chunks); diff != "" {
		t.Errorf("drained chunks mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 2, b.Stats().Free)
}

func TestBuffer_OversizedRecord(t *testing.T) {
	t.Parallel()
	// --- given ---
	b, err := logbuf.NewBuffer(50, 2)
	require.Nil(t, err)
	small := logbuf.NewRecord(1, []byte("ab"), nil)
	big := logbuf.NewRecord(2, make([]byte, 100), []byte("tail"))

	// --- when ---
	require.Nil(t, b.Append(small))
	require.Nil(t, b.Append(big))

	// --- then ---
	st := b.Stats()
	// the small record's segment and the dedicated one are dirty
	assert.Equal(t, 2, st.Dirty)
	assert.Equal(t, 0, st.ActiveUsed)

	require.True(t, b.Next())
	size, err := b.Size()
	require.Nil(t, err)
	assert.Equal(t, small.EncodedSize(), size)

	require.True(t, b.Next())
	size, err = b.Size()
	require.Nil(t, err)
	assert.Equal(t, big.EncodedSize(), size)
	chunk, err := b.Data()
	require.Nil(t, err)
	assert.Equal(t, big.Encode(), chunk)

	assert.False(t, b.Next())
	// the dedicated segment is discarded, the standard ones are back
	assert.Equal(t, 1, b.Stats().Free)
}

func TestBuffer_OversizedRecordsAreNotRecycled(t *testing.T) {
	t.Parallel()
	b, err := logbuf.NewBuffer(40, 1)
	require.Nil(t, err)

	for i := 0; i < 5; i++ {
		require.Nil(t, b.Append(logbuf.NewRecord(int64(i), make([]byte, 64), nil)))
		require.True(t, b.Next())
		chunk, err := b.Data()
		require.Nil(t, err)
		assert.Len(t, chunk, logbuf.HeaderSize+64)
	}
	assert.False(t, b.Next())
}

func TestBuffer_Full(t *testing.T) {
	t.Parallel()
	// --- given ---
	b, err := logbuf.NewBuffer(50, 1)
	require.Nil(t, err)
	require.Nil(t, b.Append(logbuf.NewRecord(1, []byte("AAAAAA"), nil)))

	// --- when ---
	err = b.Append(logbuf.NewRecord(2, []byte("BBBBBB"), nil))

	// --- then ---
	assert.True(t, errors.Is(err, logbuf.ErrBufferFull))

	// draining frees the segment and the commit can be retried
	chunks := drainAll(t, b)
	assert.Equal(t, [][]tuple{{{Instant: 1, Data: "AAAAAA"}}}, chunks)
	require.Nil(t, b.Append(logbuf.NewRecord(2, []byte("BBBBBB"), nil)))
	assert.Equal(t, [][]tuple{{{Instant: 2, Data: "BBBBBB"}}}, drainAll(t, b))
}

func TestBuffer_NextOnEmpty(t *testing.T) {
	t.Parallel()
	b, err := logbuf.NewBuffer(64, 2)
	require.Nil(t, err)

	for i := 0; i < 3; i++ {
		assert.False(t, b.Next())
		_, err = b.Data()
		assert.True(t, errors.Is(err, logbuf.ErrNoSuchSnapshot))
		_, err = b.Size()
		assert.True(t, errors.Is(err, logbuf.ErrNoSuchSnapshot))
		_, err = b.LastInstant()
		assert.True(t, errors.Is(err, logbuf.ErrNoSuchSnapshot))
	}

	require.Nil(t, b.Append(logbuf.NewRecord(5, []byte("x"), nil)))
	assert.True(t, b.Next())
	assert.False(t, b.Next())
	assert.False(t, b.Next())
}

func TestBuffer_DataIsACopy(t *testing.T) {
	t.Parallel()
	b, err := logbuf.NewBuffer(64, 2)
	require.Nil(t, err)
	require.Nil(t, b.Append(logbuf.NewRecord(1, []byte("first"), nil)))
	require.True(t, b.Next())
	first, err := b.Data()
	require.Nil(t, err)

	require.Nil(t, b.Append(logbuf.NewRecord(2, []byte("other"), nil)))
	require.True(t, b.Next())

	assert.Equal(t, logbuf.NewRecord(1, []byte("first"), nil).Encode(), first)
}

func TestBuffer_RoundTrip(t *testing.T) {
	t.Parallel()
	// --- given ---
	b, err := logbuf.NewBuffer(128, 3)
	require.Nil(t, err)

	var want []tuple
	var got []tuple
	instant := int64(1000)
	for i := 0; i < 200; i++ {
		data := []byte(fmt.Sprintf("record-%d-%s", i, make([]byte, i%150)))
		var opt []byte
		if i%3 == 0 {
			opt = []byte(fmt.Sprintf("opt-%d", i))
		}
		rec := logbuf.NewRecord(instant, data, opt)
		if i%17 == 0 {
			rec = logbuf.NewLogFileSwitch(instant)
		}
		instant += int64(rec.EncodedSize())

		// --- when ---
		err := b.Append(rec)
		for errors.Is(err, logbuf.ErrBufferFull) {
			for _, c := range drainAll(t, b) {
				got = append(got, c...)
			}
			err = b.Append(rec)
		}
		require.Nil(t, err)
		want = append(want, tupleOf(rec))
	}
	for _, c := range drainAll(t, b) {
		got = append(got, c...)
	}

	// --- then ---
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestBuffer_ConcurrentAppend(t *testing.T) {
	t.Parallel()
	// --- given ---
	const (
		producers = 8
		perProd   = 500
	)
	b, err := logbuf.NewBuffer(256, 4)
	require.Nil(t, err)

	var wg sync.WaitGroup
	done := make(chan struct{})
	var got []tuple
	shipped := make(chan struct{})

	// --- when ---
	go func() {
		defer close(shipped)
		for {
			select {
			case <-done:
				for _, c := range drainAll(t, b) {
					got = append(got, c...)
				}
				return
			default:
				if b.Next() {
					chunk, err := b.Data()
					if err != nil {
						t.Error(err)
						return
					}
					got = append(got, scanChunk(t, chunk)...)
				} else {
					runtime.Gosched()
				}
			}
		}
	}()

	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProd; i++ {
				rec := logbuf.NewRecord(int64(p*perProd+i), []byte(fmt.Sprintf("p%d-%d", p, i)), nil)
				for {
					err := b.Append(rec)
					if err == nil {
						break
					}
					if !errors.Is(err, logbuf.ErrBufferFull) {
						t.Error(err)
						return
					}
					runtime.Gosched()
				}
			}
		}(p)
	}
	wg.Wait()
	close(done)
	<-shipped

	// --- then ---
	require.Len(t, got, producers*perProd)
	next := make([]int, producers)
	for _, tp := range got {
		p := int(tp.Instant) / perProd
		i := int(tp.Instant) % perProd
		// records of one producer keep their order
		assert.Equal(t, next[p], i)
		next[p] = i + 1
		assert.Equal(t, fmt.Sprintf("p%d-%d", p, i), tp.Data)
	}
}
