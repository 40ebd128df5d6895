package logbuf_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alpacahq/walship/logbuf"
)

func makeChunk(recs ...logbuf.Record) []byte {
	var chunk []byte
	for _, r := range recs {
		chunk = append(chunk, r.Encode()...)
	}
	return chunk
}

func TestScanner_Next(t *testing.T) {
	t.Parallel()
	// --- given ---
	rec1, err := logbuf.NewRecordSlice(7, []byte("__hello"), 2, 5, []byte("opt"), 1, 2)
	require.Nil(t, err)
	rec2 := logbuf.NewLogFileSwitch(50)
	s := logbuf.NewScanner()
	s.Init(makeChunk(rec1, rec2))

	// --- when / then ---
	ok, err := s.Next()
	require.Nil(t, err)
	require.True(t, ok)

	instant, err := s.Instant()
	require.Nil(t, err)
	assert.Equal(t, int64(7), instant)
	data, err := s.Data()
	require.Nil(t, err)
	assert.Equal(t, []byte("hello"), data)
	opt, err := s.OptionalData()
	require.Nil(t, err)
	assert.Equal(t, []byte("pt"), opt)
	h, err := s.Header()
	require.Nil(t, err)
	assert.Equal(t, int32(2), h.DataOffset)
	assert.Equal(t, int32(1), h.OptionalDataOffset)
	isSwitch, err := s.IsLogFileSwitch()
	require.Nil(t, err)
	assert.False(t, isSwitch)

	ok, err = s.Next()
	require.Nil(t, err)
	require.True(t, ok)
	isSwitch, err = s.IsLogFileSwitch()
	require.Nil(t, err)
	assert.True(t, isSwitch)

	ok, err = s.Next()
	require.Nil(t, err)
	assert.False(t, ok)
	_, err = s.Instant()
	assert.True(t, errors.Is(err, logbuf.ErrNoRecord))

	// exhausted stays exhausted
	ok, err = s.Next()
	require.Nil(t, err)
	assert.False(t, ok)
}

func TestScanner_NoRecordBeforeNext(t *testing.T) {
	t.Parallel()
	s := logbuf.NewScanner()
	_, err := s.Record()
	assert.True(t, errors.Is(err, logbuf.ErrNoRecord))

	s.Init(makeChunk(logbuf.NewRecord(1, []byte("a"), nil)))
	_, err = s.Data()
	assert.True(t, errors.Is(err, logbuf.ErrNoRecord))
	_, err = s.OptionalData()
	assert.True(t, errors.Is(err, logbuf.ErrNoRecord))
	_, err = s.IsLogFileSwitch()
	assert.True(t, errors.Is(err, logbuf.ErrNoRecord))
	_, err = s.Header()
	assert.True(t, errors.Is(err, logbuf.ErrNoRecord))
}

func TestScanner_EmptyChunk(t *testing.T) {
	t.Parallel()
	s := logbuf.NewScanner()
	s.Init(nil)
	ok, err := s.Next()
	assert.Nil(t, err)
	assert.False(t, ok)
}

func TestScanner_Corrupted(t *testing.T) {
	t.Parallel()
	full := makeChunk(
		logbuf.NewRecord(1, []byte("first record"), nil),
		logbuf.NewRecord(2, []byte("second record"), []byte("opt")),
	)
	firstLen := logbuf.HeaderSize + len("first record")

	tests := []struct {
		name  string
		chunk []byte
	}{
		{name: "last 3 bytes of the payload missing", chunk: full[:len(full)-3]},
		{name: "header truncated", chunk: full[:firstLen+10]},
		{name: "only one header byte", chunk: full[:firstLen+1]},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			// --- given ---
			s := logbuf.NewScanner()
			s.Init(tt.chunk)
			ok, err := s.Next()
			require.Nil(t, err)
			require.True(t, ok)

			// --- when ---
			ok, err = s.Next()

			// --- then ---
			assert.False(t, ok)
			assert.True(t, errors.Is(err, logbuf.ErrLogCorrupted), "got %v", err)
			_, err = s.Record()
			assert.True(t, errors.Is(err, logbuf.ErrNoRecord))
		})
	}
}

func TestScanner_Reinit(t *testing.T) {
	t.Parallel()
	s := logbuf.NewScanner()
	s.Init([]byte{1, 2, 3})
	_, err := s.Next()
	require.NotNil(t, err)

	s.Init(makeChunk(logbuf.NewRecord(9, []byte("ok"), nil)))
	ok, err := s.Next()
	require.Nil(t, err)
	require.True(t, ok)
	rec, err := s.Record()
	require.Nil(t, err)
	assert.Equal(t, int64(9), rec.Instant)
	assert.Equal(t, []byte("ok"), rec.Payload())
}
