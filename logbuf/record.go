package logbuf

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// HeaderSize is the fixed size of an encoded record header:
//
//	instant(8) dataLength(4) dataOffset(4) optionalDataLength(4) optionalDataOffset(4)
//
// All fields are big-endian. The header is followed by dataLength bytes of data
// and optionalDataLength bytes of optional data.
const HeaderSize = 8 + 4 + 4 + 4 + 4

// Header is the decoded fixed-size part of an encoded record.
type Header struct {
	Instant            int64
	DataLength         int32
	DataOffset         int32
	OptionalDataLength int32
	OptionalDataOffset int32
}

// PayloadSize is the number of bytes following the header.
func (h Header) PayloadSize() int {
	return int(h.DataLength) + int(h.OptionalDataLength)
}

// EncodeHeader writes h into dst, which must hold at least HeaderSize bytes.
func EncodeHeader(dst []byte, h Header) {
	_ = dst[HeaderSize-1]
	binary.BigEndian.PutUint64(dst[0:], uint64(h.Instant))
	binary.BigEndian.PutUint32(dst[8:], uint32(h.DataLength))
	binary.BigEndian.PutUint32(dst[12:], uint32(h.DataOffset))
	binary.BigEndian.PutUint32(dst[16:], uint32(h.OptionalDataLength))
	binary.BigEndian.PutUint32(dst[20:], uint32(h.OptionalDataOffset))
}

// DecodeHeader reads a header from the start of src.
func DecodeHeader(src []byte) (Header, error) {
	if len(src) < HeaderSize {
		return Header{}, errors.Wrapf(ErrLogCorrupted, "truncated record header: %d of %d bytes", len(src), HeaderSize)
	}
	h := Header{
		Instant:            int64(binary.BigEndian.Uint64(src[0:])),
		DataLength:         int32(binary.BigEndian.Uint32(src[8:])),
		DataOffset:         int32(binary.BigEndian.Uint32(src[12:])),
		OptionalDataLength: int32(binary.BigEndian.Uint32(src[16:])),
		OptionalDataOffset: int32(binary.BigEndian.Uint32(src[20:])),
	}
	if h.DataLength < 0 || h.OptionalDataLength < 0 {
		return Header{}, errors.Wrapf(ErrLogCorrupted, "negative payload length in record header at instant %d", h.Instant)
	}
	return h, nil
}

// Record is one log record as produced by a committing transaction.
// Data[DataOffset:DataOffset+DataLength] is the primary payload and
// OptionalData[OptionalDataOffset:OptionalDataOffset+OptionalDataLength]
// the secondary one. A Record must not be modified after construction.
type Record struct {
	Instant            int64
	Data               []byte
	DataOffset         int
	DataLength         int
	OptionalData       []byte
	OptionalDataOffset int
	OptionalDataLength int
}

// NewRecord builds a record that uses the whole of data and optionalData.
func NewRecord(instant int64, data, optionalData []byte) Record {
	return Record{
		Instant:            instant,
		Data:               data,
		DataLength:         len(data),
		OptionalData:       optionalData,
		OptionalDataLength: len(optionalData),
	}
}

// NewRecordSlice builds a record over sub-slices of the caller's buffers.
func NewRecordSlice(instant int64, data []byte, dataOffset, dataLength int,
	optionalData []byte, optionalDataOffset, optionalDataLength int,
) (Record, error) {
	if err := checkSlice(len(data), dataOffset, dataLength); err != nil {
		return Record{}, errors.Wrap(err, "invalid data slice")
	}
	if err := checkSlice(len(optionalData), optionalDataOffset, optionalDataLength); err != nil {
		return Record{}, errors.Wrap(err, "invalid optional data slice")
	}
	return Record{
		Instant:            instant,
		Data:               data,
		DataOffset:         dataOffset,
		DataLength:         dataLength,
		OptionalData:       optionalData,
		OptionalDataOffset: optionalDataOffset,
		OptionalDataLength: optionalDataLength,
	}, nil
}

// NewLogFileSwitch builds the marker record telling the slave to roll its
// local log file. A marker carries no payload at all.
func NewLogFileSwitch(instant int64) Record {
	return Record{Instant: instant}
}

func checkSlice(size, offset, length int) error {
	if offset < 0 || length < 0 || offset+length > size || offset > math.MaxInt32 || length > math.MaxInt32 {
		return errors.Errorf("offset %d length %d out of range for %d bytes", offset, length, size)
	}
	return nil
}

// EncodedSize is the number of bytes the record occupies on the wire.
func (r Record) EncodedSize() int {
	return HeaderSize + r.DataLength + r.OptionalDataLength
}

// Payload returns the primary payload bytes.
func (r Record) Payload() []byte {
	if r.DataLength == 0 {
		return nil
	}
	return r.Data[r.DataOffset : r.DataOffset+r.DataLength]
}

// OptionalPayload returns the secondary payload bytes, or nil if there are none.
func (r Record) OptionalPayload() []byte {
	if r.OptionalDataLength == 0 {
		return nil
	}
	return r.OptionalData[r.OptionalDataOffset : r.OptionalDataOffset+r.OptionalDataLength]
}

// IsLogFileSwitch reports whether r is a log file switch marker.
func (r Record) IsLogFileSwitch() bool {
	return r.DataLength == 0 && r.OptionalDataLength == 0
}

// Header returns the wire header of r.
func (r Record) Header() Header {
	return Header{
		Instant:            r.Instant,
		DataLength:         int32(r.DataLength),
		DataOffset:         int32(r.DataOffset),
		OptionalDataLength: int32(r.OptionalDataLength),
		OptionalDataOffset: int32(r.OptionalDataOffset),
	}
}

// encodeTo writes the complete record into dst and returns the number of
// bytes written. dst must hold at least r.EncodedSize() bytes.
func (r Record) encodeTo(dst []byte) int {
	EncodeHeader(dst, r.Header())
	n := HeaderSize
	n += copy(dst[n:], r.Payload())
	n += copy(dst[n:], r.OptionalPayload())
	return n
}

// Encode returns r in its wire format.
func (r Record) Encode() []byte {
	buf := make([]byte, r.EncodedSize())
	r.encodeTo(buf)
	return buf
}
