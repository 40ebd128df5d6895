package logstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/alpacahq/walship/utils/log"
)

const (
	fileMagic   = 0x57534850 // "WSHP"
	fileVersion = 1

	// FileHeaderSize is the size of the header at the start of every log file:
	// magic(4) version(4) fileNumber(8) reserved(8).
	FileHeaderSize = 4 + 4 + 8 + 8

	// A record on disk is framed as
	//   length(4) instant(8) dataLength(4) data optionalData length(4)
	// where length is len(data)+len(optionalData).
	recordOverhead = 4 + 8 + 4 + 4

	fileNameFormat = "log%d.dat"
	fileNameGlob   = "log*.dat"
	standaloneFile = "standalone"
	dirPermission  = 0o750
	filePermission = 0o640
)

// Mode is the replication role of a FileLog.
type Mode int8

const (
	// Standalone logs are owned by a database serving normal connections,
	// including a replication master.
	Standalone Mode = iota
	// Slave logs only receive records shipped from a master.
	Slave
)

func (m Mode) String() string {
	if m == Slave {
		return "slave"
	}
	return "standalone"
}

// Entry is one record read back from a log file.
type Entry struct {
	Instant      int64
	Data         []byte
	OptionalData []byte
}

// FileLog is a durable log split over numbered files in one directory.
// It assigns every appended record its instant.
type FileLog struct {
	mu         sync.Mutex
	dir        string
	mode       Mode
	fileNumber int64
	position   int64
	last       int64
	fp         *os.File
	closed     bool
}

// Open opens the log in dir, creating the directory and the first log file
// when needed. A partially written record at the end of the newest file is
// truncated away.
func Open(dir string, mode Mode) (*FileLog, error) {
	if err := os.MkdirAll(dir, dirPermission); err != nil {
		return nil, errors.Wrapf(err, "failed to create log directory %s", dir)
	}
	if _, err := os.Stat(filepath.Join(dir, standaloneFile)); err == nil && mode == Slave {
		return nil, errors.Errorf("log in %s was promoted to standalone and can not be opened as a slave", dir)
	}

	numbers, err := listFiles(dir)
	if err != nil {
		return nil, err
	}

	l := &FileLog{dir: dir, mode: mode}
	if len(numbers) == 0 {
		if err := l.createFile(1); err != nil {
			return nil, err
		}
		log.Info("created log file %s", l.fileName(1))
		return l, nil
	}

	last := numbers[len(numbers)-1]
	fp, err := os.OpenFile(l.fileName(last), os.O_RDWR, filePermission)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open log file %s", l.fileName(last))
	}
	entries, end, err := scanFile(fp, last)
	if err != nil && !errors.Is(err, errTornTail) {
		_ = fp.Close()
		return nil, err
	}
	if errors.Is(err, errTornTail) {
		log.Warn("truncating partially written record at %s in %s", FormatInstant(MakeInstant(last, end)), l.fileName(last))
		if err := fp.Truncate(end); err != nil {
			_ = fp.Close()
			return nil, errors.Wrap(err, "failed to truncate torn log tail")
		}
	}
	if _, err := fp.Seek(end, io.SeekStart); err != nil {
		_ = fp.Close()
		return nil, errors.Wrap(err, "failed to seek to the end of the log")
	}
	l.fp = fp
	l.fileNumber = last
	l.position = end
	if len(entries) > 0 {
		l.last = entries[len(entries)-1].Instant
	} else if l.last, err = lastInstantBefore(dir, numbers[:len(numbers)-1]); err != nil {
		_ = fp.Close()
		return nil, err
	}
	log.Info("opened %v log in %s at %s", mode, dir, FormatInstant(MakeInstant(last, end)))
	return l, nil
}

// AppendRecord writes one record and returns its instant.
func (l *FileLog) AppendRecord(data, optionalData []byte) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}

	length := len(data) + len(optionalData)
	size := int64(recordOverhead + length)
	if l.position+size > math.MaxUint32 {
		return 0, errors.Errorf("log file %d can not grow past %d bytes, switch the log file first", l.fileNumber, int64(math.MaxUint32))
	}
	instant := MakeInstant(l.fileNumber, l.position)

	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf[0:], uint32(length))
	binary.BigEndian.PutUint64(buf[4:], uint64(instant))
	binary.BigEndian.PutUint32(buf[12:], uint32(len(data)))
	n := 16
	n += copy(buf[n:], data)
	n += copy(buf[n:], optionalData)
	binary.BigEndian.PutUint32(buf[n:], uint32(length))

	if _, err := l.fp.Write(buf); err != nil {
		return 0, errors.Wrapf(err, "failed to append record at %s", FormatInstant(instant))
	}
	l.position += size
	l.last = instant
	return instant, nil
}

// SwitchLogFile syncs the current file and continues in a new one.
func (l *FileLog) SwitchLogFile() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if err := l.fp.Sync(); err != nil {
		return errors.Wrap(err, "failed to sync log file before switching")
	}
	if err := l.fp.Close(); err != nil {
		return errors.Wrap(err, "failed to close log file before switching")
	}
	next := l.fileNumber + 1
	if err := l.createFile(next); err != nil {
		return err
	}
	log.Info("switched to log file %s", l.fileName(next))
	return nil
}

// Flush makes every appended record durable.
func (l *FileLog) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return errors.Wrap(l.fp.Sync(), "failed to sync log file")
}

// Promote turns a slave log into a standalone one. It is a one way
// transition and promoting a standalone log does nothing.
func (l *FileLog) Promote() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.mode == Standalone {
		return nil
	}
	if err := l.fp.Sync(); err != nil {
		return errors.Wrap(err, "failed to sync log file before promotion")
	}
	f, err := os.OpenFile(filepath.Join(l.dir, standaloneFile), os.O_CREATE|os.O_WRONLY, filePermission)
	if err != nil {
		return errors.Wrap(err, "failed to record the promotion")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "failed to record the promotion")
	}
	l.mode = Standalone
	log.Info("log in %s promoted to standalone at %s", l.dir, FormatInstant(MakeInstant(l.fileNumber, l.position)))
	return nil
}

// Mode returns the current replication role of the log.
func (l *FileLog) Mode() Mode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode
}

// EndInstant is the instant the next appended record will get.
func (l *FileLog) EndInstant() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return MakeInstant(l.fileNumber, l.position)
}

// LastInstant is the instant of the newest record, 0 for an empty log.
func (l *FileLog) LastInstant() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// FileSize is the number of bytes written to the current log file.
func (l *FileLog) FileSize() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.position
}

func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.fp.Sync(); err != nil {
		_ = l.fp.Close()
		return errors.Wrap(err, "failed to sync log file")
	}
	return errors.Wrap(l.fp.Close(), "failed to close log file")
}

func (l *FileLog) fileName(number int64) string {
	return filepath.Join(l.dir, fmt.Sprintf(fileNameFormat, number))
}

// createFile creates log file number and makes it current. l.mu must be held
// or l not yet shared.
func (l *FileLog) createFile(number int64) error {
	fp, err := os.OpenFile(l.fileName(number), os.O_CREATE|os.O_EXCL|os.O_RDWR, filePermission)
	if err != nil {
		return errors.Wrapf(err, "failed to create log file %s", l.fileName(number))
	}
	var header [FileHeaderSize]byte
	binary.BigEndian.PutUint32(header[0:], fileMagic)
	binary.BigEndian.PutUint32(header[4:], fileVersion)
	binary.BigEndian.PutUint64(header[8:], uint64(number))
	if _, err := fp.Write(header[:]); err != nil {
		_ = fp.Close()
		return errors.Wrapf(err, "failed to write header of log file %s", l.fileName(number))
	}
	l.fp = fp
	l.fileNumber = number
	l.position = FileHeaderSize
	return nil
}

// ReadAll reads every record of the log in dir in instant order.
func ReadAll(dir string) ([]Entry, error) {
	numbers, err := listFiles(dir)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for _, n := range numbers {
		fp, err := os.Open(filepath.Join(dir, fmt.Sprintf(fileNameFormat, n)))
		if err != nil {
			return nil, errors.Wrap(err, "failed to open log file")
		}
		got, _, err := scanFile(fp, n)
		_ = fp.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "log file %d", n)
		}
		entries = append(entries, got...)
	}
	return entries, nil
}

// lastInstantBefore finds the newest record in the files numbered numbers,
// which are sorted in ascending order.
func lastInstantBefore(dir string, numbers []int64) (int64, error) {
	for i := len(numbers) - 1; i >= 0; i-- {
		fp, err := os.Open(filepath.Join(dir, fmt.Sprintf(fileNameFormat, numbers[i])))
		if err != nil {
			return 0, errors.Wrap(err, "failed to open log file")
		}
		entries, _, err := scanFile(fp, numbers[i])
		_ = fp.Close()
		if err != nil {
			return 0, errors.Wrapf(err, "log file %d", numbers[i])
		}
		if len(entries) > 0 {
			return entries[len(entries)-1].Instant, nil
		}
	}
	return 0, nil
}

func listFiles(dir string) ([]int64, error) {
	names, err := filepath.Glob(filepath.Join(dir, fileNameGlob))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list log files")
	}
	numbers := make([]int64, 0, len(names))
	for _, name := range names {
		var n int64
		if _, err := fmt.Sscanf(filepath.Base(name), fileNameFormat, &n); err != nil {
			log.Warn("ignoring unexpected file %s in log directory", name)
			continue
		}
		numbers = append(numbers, n)
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	return numbers, nil
}

var errTornTail = errors.New("partially written record at the end of the log file")

// scanFile validates the header and reads the records of one log file. It
// returns the offset just past the last complete record. A record cut short
// by the end of the file yields errTornTail.
func scanFile(fp *os.File, number int64) ([]Entry, int64, error) {
	if _, err := fp.Seek(0, io.SeekStart); err != nil {
		return nil, 0, errors.Wrap(err, "failed to seek log file")
	}
	raw, err := io.ReadAll(fp)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to read log file")
	}
	if len(raw) < FileHeaderSize {
		return nil, 0, errors.Wrapf(ErrCorruptLog, "log file %d has a short header", number)
	}
	if binary.BigEndian.Uint32(raw[0:]) != fileMagic || int64(binary.BigEndian.Uint64(raw[8:])) != number {
		return nil, 0, errors.Wrapf(ErrCorruptLog, "log file %d has an invalid header", number)
	}

	var entries []Entry
	pos := int64(FileHeaderSize)
	for pos < int64(len(raw)) {
		rest := raw[pos:]
		if len(rest) < recordOverhead {
			return entries, pos, errTornTail
		}
		length := int64(binary.BigEndian.Uint32(rest[0:]))
		instant := int64(binary.BigEndian.Uint64(rest[4:]))
		dataLen := int64(binary.BigEndian.Uint32(rest[12:]))
		if instant != MakeInstant(number, pos) || dataLen > length {
			return nil, 0, errors.Wrapf(ErrCorruptLog, "bad record header at %s", FormatInstant(MakeInstant(number, pos)))
		}
		size := recordOverhead + length
		if int64(len(rest)) < size {
			return entries, pos, errTornTail
		}
		if int64(binary.BigEndian.Uint32(rest[size-4:])) != length {
			return nil, 0, errors.Wrapf(ErrCorruptLog, "record length mismatch at %s", FormatInstant(instant))
		}
		body := rest[16 : 16+length]
		e := Entry{Instant: instant, Data: append([]byte(nil), body[:dataLen]...)}
		if length > dataLen {
			e.OptionalData = append([]byte(nil), body[dataLen:]...)
		}
		entries = append(entries, e)
		pos += size
	}
	return entries, pos, nil
}
