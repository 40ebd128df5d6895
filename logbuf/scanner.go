package logbuf

import "github.com/pkg/errors"

// Scanner decodes the records of one chunk produced by Buffer.Next.
// A chunk is scanned from the start; once Next returned false or an error,
// Init must be called with a new chunk before scanning again.
type Scanner struct {
	chunk  []byte
	cursor int

	hasRecord bool
	header    Header
	data      []byte
	optional  []byte
}

// NewScanner returns a scanner with no chunk; call Init before Next.
func NewScanner() *Scanner {
	return &Scanner{}
}

// Init positions the scanner at the start of chunk.
func (s *Scanner) Init(chunk []byte) {
	s.chunk = chunk
	s.cursor = 0
	s.invalidate()
}

// Next decodes the next record. It returns false once the chunk is fully
// consumed, and an error wrapping ErrLogCorrupted if the chunk ends inside
// a record.
func (s *Scanner) Next() (bool, error) {
	if s.cursor == len(s.chunk) {
		s.invalidate()
		return false, nil
	}

	rest := s.chunk[s.cursor:]
	h, err := DecodeHeader(rest)
	if err != nil {
		s.invalidate()
		return false, errors.Wrapf(err, "chunk offset %d", s.cursor)
	}
	end := HeaderSize + h.PayloadSize()
	if end > len(rest) {
		s.invalidate()
		return false, errors.Wrapf(ErrLogCorrupted,
			"record at chunk offset %d (instant %d) needs %d bytes, %d left", s.cursor, h.Instant, end, len(rest))
	}

	dataEnd := HeaderSize + int(h.DataLength)
	s.header = h
	s.data = rest[HeaderSize:dataEnd:dataEnd]
	s.optional = rest[dataEnd:end:end]
	s.cursor += end
	s.hasRecord = true
	return true, nil
}

func (s *Scanner) invalidate() {
	s.hasRecord = false
	s.header = Header{}
	s.data = nil
	s.optional = nil
}

// Header returns the wire header of the current record, including the
// offsets the master sliced its buffers with.
func (s *Scanner) Header() (Header, error) {
	if !s.hasRecord {
		return Header{}, ErrNoRecord
	}
	return s.header, nil
}

// Instant returns the master instant of the current record.
func (s *Scanner) Instant() (int64, error) {
	if !s.hasRecord {
		return 0, ErrNoRecord
	}
	return s.header.Instant, nil
}

// Data returns the primary payload of the current record. The slice aliases
// the chunk passed to Init.
func (s *Scanner) Data() ([]byte, error) {
	if !s.hasRecord {
		return nil, ErrNoRecord
	}
	return s.data, nil
}

// OptionalData returns the secondary payload of the current record. The slice
// aliases the chunk passed to Init.
func (s *Scanner) OptionalData() ([]byte, error) {
	if !s.hasRecord {
		return nil, ErrNoRecord
	}
	return s.optional, nil
}

// IsLogFileSwitch reports whether the current record is a log file switch marker.
func (s *Scanner) IsLogFileSwitch() (bool, error) {
	if !s.hasRecord {
		return false, ErrNoRecord
	}
	return s.header.DataLength == 0 && s.header.OptionalDataLength == 0, nil
}

// Record returns the current record with its payloads starting at offset 0.
func (s *Scanner) Record() (Record, error) {
	if !s.hasRecord {
		return Record{}, ErrNoRecord
	}
	return NewRecord(s.header.Instant, s.data, s.optional), nil
}
