package logbuf

import "fmt"

// Segment is a fixed capacity region that accumulates encoded records packed
// back to back. It is the unit of recycling inside Buffer.
type Segment struct {
	buf            []byte
	position       int
	highestInstant int64
	recyclable     bool
}

// NewSegment allocates an empty, recyclable segment of size bytes.
func NewSegment(size int) *Segment {
	s := &Segment{buf: make([]byte, size)}
	s.Reset()
	return s
}

// Reset empties the segment and makes it recyclable again.
func (s *Segment) Reset() {
	s.position = 0
	s.highestInstant = 0
	s.recyclable = true
}

// Capacity is the size of the segment in bytes.
func (s *Segment) Capacity() int { return len(s.buf) }

// FreeSize is the number of bytes still available for records.
func (s *Segment) FreeSize() int { return len(s.buf) - s.position }

// UsedSize is the number of bytes taken by encoded records.
func (s *Segment) UsedSize() int { return s.position }

// HighestInstant is the instant of the last appended record, 0 when empty.
func (s *Segment) HighestInstant() int64 { return s.highestInstant }

// Recyclable reports whether the segment goes back to the free pool once drained.
func (s *Segment) Recyclable() bool { return s.recyclable }

func (s *Segment) setRecyclable(recyclable bool) { s.recyclable = recyclable }

// Bytes returns the used part of the segment. The slice aliases the segment.
func (s *Segment) Bytes() []byte { return s.buf[:s.position] }

// Append encodes rec at the end of the segment. The caller must have checked
// FreeSize first; appending a record that does not fit is a programming error.
func (s *Segment) Append(rec Record) {
	size := rec.EncodedSize()
	if size > s.FreeSize() {
		panic(fmt.Sprintf("logbuf: record of %d bytes appended to segment with %d free bytes", size, s.FreeSize()))
	}
	s.position += rec.encodeTo(s.buf[s.position:])
	s.highestInstant = rec.Instant
}
