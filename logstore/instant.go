package logstore

import "fmt"

// An instant is the physical address of a record in the log: the log file
// number in the high 32 bits and the byte offset of the record inside that
// file in the low 32 bits. Instants grow monotonically.

const positionBits = 32

// MakeInstant builds the instant of position inside log file fileNumber.
func MakeInstant(fileNumber, position int64) int64 {
	return fileNumber<<positionBits | position
}

// FileNumber extracts the log file number of an instant.
func FileNumber(instant int64) int64 {
	return instant >> positionBits
}

// FilePosition extracts the byte offset of an instant.
func FilePosition(instant int64) int64 {
	return instant & (1<<positionBits - 1)
}

// FormatInstant renders an instant as "(file,offset)".
func FormatInstant(instant int64) string {
	return fmt.Sprintf("(%d,%d)", FileNumber(instant), FilePosition(instant))
}
