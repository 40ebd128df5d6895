package mock

import (
	"sync"

	"github.com/alpacahq/walship/logstore"
)

// Record is a record appended to a LogStore.
type Record struct {
	Instant      int64
	Data         []byte
	OptionalData []byte
}

// LogStore is an in-memory replication.LogStore. It hands out instants the
// way logstore.FileLog does: file number and offset, advancing by the
// payload size plus Overhead.
type LogStore struct {
	// Overhead is added to the payload size of every record.
	Overhead int64
	// AppendErr and PromoteErr, if set, are returned by the matching calls.
	AppendErr  error
	PromoteErr error
	// BeforeAppend, if set, is called at the start of every AppendRecord
	// without holding the store lock.
	BeforeAppend func()

	mu         sync.Mutex
	fileNumber int64
	position   int64
	records    []Record
	switches   int
	promoted   bool
	// appended after Promote
	late int
}

// NewLogStore creates a store whose first record gets instant (1, start).
func NewLogStore(start int64) *LogStore {
	return &LogStore{fileNumber: 1, position: start}
}

// NextInstant is the instant the next record will get.
func (s *LogStore) NextInstant() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return logstore.MakeInstant(s.fileNumber, s.position)
}

func (s *LogStore) AppendRecord(data, optionalData []byte) (int64, error) {
	if s.BeforeAppend != nil {
		s.BeforeAppend()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AppendErr != nil {
		return 0, s.AppendErr
	}
	if s.promoted {
		s.late++
	}
	instant := logstore.MakeInstant(s.fileNumber, s.position)
	s.position += int64(len(data)+len(optionalData)) + s.Overhead
	s.records = append(s.records, Record{
		Instant:      instant,
		Data:         append([]byte(nil), data...),
		OptionalData: append([]byte(nil), optionalData...),
	})
	return instant, nil
}

func (s *LogStore) SwitchLogFile() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fileNumber++
	s.position = logstore.FileHeaderSize
	s.switches++
	return nil
}

func (s *LogStore) Promote() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PromoteErr != nil {
		return s.PromoteErr
	}
	s.promoted = true
	return nil
}

func (s *LogStore) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

func (s *LogStore) Switches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.switches
}

func (s *LogStore) Promoted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.promoted
}

// AppendedAfterPromote counts the records appended once the store was promoted.
func (s *LogStore) AppendedAfterPromote() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.late
}
