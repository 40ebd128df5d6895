package logbuf

import (
	"sync"

	"github.com/pkg/errors"
)

const (
	// DefaultSegmentSize is the capacity of a standard segment.
	DefaultSegmentSize = 32 * 1024
	// DefaultSegments is the number of standard segments a Buffer owns.
	DefaultSegments = 10

	noSegment = -1
)

// Buffer stages encoded log records on the master until the shipping goroutine
// drains them. Any number of goroutines may call Append concurrently; Next and
// the output accessors must be called by one goroutine at a time.
//
// Segments live in an arena and are referred to by index. Standard segments
// move free -> active -> dirty -> drained -> free. A record larger than a
// standard segment gets a dedicated segment that goes straight to the dirty
// queue and is discarded once drained.
//
// mu guards the arena, the free and dirty queues and the active segment.
// outMu guards the drained chunk. Next takes mu before outMu; Append never
// takes outMu.
type Buffer struct {
	segmentSize int

	mu     sync.Mutex
	arena  []*Segment
	free   []int
	dirty  []int
	vacant []int
	active int

	outMu         sync.Mutex
	output        []byte
	outputLen     int
	outputInstant int64
	validOutput   bool
}

// NewBuffer creates a buffer owning segments standard segments of
// segmentSize bytes each.
func NewBuffer(segmentSize, segments int) (*Buffer, error) {
	if segmentSize <= HeaderSize {
		return nil, errors.Errorf("segment size %d must be larger than the record header (%d bytes)", segmentSize, HeaderSize)
	}
	if segments < 1 {
		return nil, errors.Errorf("a log record buffer needs at least one segment, got %d", segments)
	}
	b := &Buffer{
		segmentSize: segmentSize,
		arena:       make([]*Segment, 0, segments),
		free:        make([]int, 0, segments),
		active:      noSegment,
		output:      make([]byte, segmentSize),
	}
	for i := 0; i < segments; i++ {
		b.arena = append(b.arena, NewSegment(segmentSize))
		b.free = append(b.free, i)
	}
	return b, b.activate()
}

// SegmentSize is the capacity of a standard segment.
func (b *Buffer) SegmentSize() int { return b.segmentSize }

// Append stages rec. It fails with ErrBufferFull when the active segment
// cannot hold rec and no free segment is left to replace it.
func (b *Buffer) Append(rec Record) error {
	total := rec.EncodedSize()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.active == noSegment {
		if err := b.activate(); err != nil {
			return err
		}
	}

	if total > b.arena[b.active].FreeSize() {
		if err := b.rotate(); err != nil {
			return err
		}
	}

	if total > b.arena[b.active].Capacity() {
		seg := &Segment{buf: make([]byte, total)}
		seg.setRecyclable(false)
		seg.Append(rec)
		b.dirty = append(b.dirty, b.store(seg))
		return nil
	}

	b.arena[b.active].Append(rec)
	return nil
}

// AppendLogFileSwitch stages the marker that makes the slave roll its log file.
func (b *Buffer) AppendLogFileSwitch(instant int64) error {
	return b.Append(NewLogFileSwitch(instant))
}

// Next drains the oldest dirty segment into the output snapshot. If nothing is
// dirty, the active segment is forced out first. It reports whether a chunk is
// now available through Data, Size and LastInstant.
func (b *Buffer) Next() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.dirty) == 0 && b.active != noSegment && b.arena[b.active].UsedSize() > 0 {
		b.dirty = append(b.dirty, b.active)
		b.active = noSegment
	}

	b.outMu.Lock()
	defer b.outMu.Unlock()

	if len(b.dirty) == 0 {
		b.validOutput = false
		return false
	}

	h := b.dirty[0]
	b.dirty = b.dirty[1:]
	seg := b.arena[h]

	used := seg.UsedSize()
	if used > len(b.output) {
		b.output = make([]byte, used)
	}
	copy(b.output, seg.Bytes())
	b.outputLen = used
	b.outputInstant = seg.HighestInstant()
	b.validOutput = true

	if seg.Recyclable() {
		seg.Reset()
		b.free = append(b.free, h)
	} else {
		b.arena[h] = nil
		b.vacant = append(b.vacant, h)
	}
	return true
}

// Data returns a copy of the last drained chunk.
func (b *Buffer) Data() ([]byte, error) {
	b.outMu.Lock()
	defer b.outMu.Unlock()
	if !b.validOutput {
		return nil, ErrNoSuchSnapshot
	}
	chunk := make([]byte, b.outputLen)
	copy(chunk, b.output[:b.outputLen])
	return chunk, nil
}

// Size returns the length in bytes of the last drained chunk.
func (b *Buffer) Size() (int, error) {
	b.outMu.Lock()
	defer b.outMu.Unlock()
	if !b.validOutput {
		return 0, ErrNoSuchSnapshot
	}
	return b.outputLen, nil
}

// LastInstant returns the instant of the last record of the last drained chunk.
func (b *Buffer) LastInstant() (int64, error) {
	b.outMu.Lock()
	defer b.outMu.Unlock()
	if !b.validOutput {
		return 0, ErrNoSuchSnapshot
	}
	return b.outputInstant, nil
}

// Stats is a point in time view of the segment queues.
type Stats struct {
	Free  int
	Dirty int
	// ActiveUsed is the number of bytes staged in the active segment.
	ActiveUsed int
}

func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Stats{Free: len(b.free), Dirty: len(b.dirty)}
	if b.active != noSegment {
		st.ActiveUsed = b.arena[b.active].UsedSize()
	}
	return st
}

// rotate queues a non-empty active segment and activates a free one.
// mu must be held.
func (b *Buffer) rotate() error {
	if b.arena[b.active].UsedSize() == 0 {
		return nil
	}
	b.dirty = append(b.dirty, b.active)
	b.active = noSegment
	return b.activate()
}

// activate takes a segment from the free pool. mu must be held.
func (b *Buffer) activate() error {
	if len(b.free) == 0 {
		return ErrBufferFull
	}
	last := len(b.free) - 1
	b.active = b.free[last]
	b.free = b.free[:last]
	return nil
}

// store puts a dedicated segment in the arena and returns its index.
// mu must be held.
func (b *Buffer) store(seg *Segment) int {
	if n := len(b.vacant); n > 0 {
		h := b.vacant[n-1]
		b.vacant = b.vacant[:n-1]
		b.arena[h] = seg
		return h
	}
	b.arena = append(b.arena, seg)
	return len(b.arena) - 1
}
