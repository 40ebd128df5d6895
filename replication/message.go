package replication

import (
	"fmt"

	"github.com/klauspost/compress/snappy"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// MessageKind identifies a replication protocol message.
type MessageKind uint8

const (
	// KindLog carries one chunk drained from the master's log record buffer.
	KindLog MessageKind = iota + 1
	// KindFailover asks the slave to fail over.
	KindFailover
	// KindStop asks the slave to stop replicating.
	KindStop
	// KindAck acknowledges a request. Text describes the outcome.
	KindAck
	// KindError reports a fatal slave error to the master. Text holds the cause.
	KindError
	// KindStart is the first message of a slave: it names the database and the
	// instant after which shipping resumes.
	KindStart
)

func (k MessageKind) String() string {
	switch k {
	case KindLog:
		return "LOG"
	case KindFailover:
		return "FAILOVER"
	case KindStop:
		return "STOP"
	case KindAck:
		return "ACK"
	case KindError:
		return "ERROR"
	case KindStart:
		return "START"
	default:
		return fmt.Sprintf("MessageKind(%d)", uint8(k))
	}
}

// Message is one unit of the replication protocol.
type Message struct {
	Kind         MessageKind `msgpack:"kind"`
	Payload      []byte      `msgpack:"payload,omitempty"`
	Text         string      `msgpack:"text,omitempty"`
	Instant      int64       `msgpack:"instant,omitempty"`
	DatabaseName string      `msgpack:"db,omitempty"`
	Compressed   bool        `msgpack:"compressed,omitempty"`
}

func LogMessage(chunk []byte) *Message { return &Message{Kind: KindLog, Payload: chunk} }

func FailoverMessage() *Message { return &Message{Kind: KindFailover} }

func StopMessage() *Message { return &Message{Kind: KindStop} }

func AckMessage(text string) *Message { return &Message{Kind: KindAck, Text: text} }

func ErrorMessage(text string) *Message { return &Message{Kind: KindError, Text: text} }

func StartMessage(resumeInstant int64, databaseName string) *Message {
	return &Message{Kind: KindStart, Instant: resumeInstant, DatabaseName: databaseName}
}

func (m *Message) String() string {
	switch m.Kind {
	case KindLog:
		return fmt.Sprintf("LOG(%d bytes)", len(m.Payload))
	case KindAck, KindError:
		return fmt.Sprintf("%v(%s)", m.Kind, m.Text)
	case KindStart:
		return fmt.Sprintf("START(db=%s, resume=%d)", m.DatabaseName, m.Instant)
	default:
		return m.Kind.String()
	}
}

// EncodeMessage serializes m with msgpack. With compress set, the payload of
// a LOG message is snappy compressed first.
func EncodeMessage(m *Message, compress bool) ([]byte, error) {
	out := *m
	if compress && m.Kind == KindLog && !m.Compressed {
		out.Payload = snappy.Encode(nil, m.Payload)
		out.Compressed = true
	}
	b, err := msgpack.Marshal(&out)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode %v message", m.Kind)
	}
	return b, nil
}

// DecodeMessage is the inverse of EncodeMessage.
func DecodeMessage(b []byte, m *Message) error {
	if err := msgpack.Unmarshal(b, m); err != nil {
		return errors.Wrap(err, "failed to decode replication message")
	}
	if m.Compressed {
		payload, err := snappy.Decode(nil, m.Payload)
		if err != nil {
			return errors.Wrapf(err, "failed to decompress %v message", m.Kind)
		}
		m.Payload = payload
		m.Compressed = false
	}
	return nil
}

// msgpackCodec is the gRPC codec of the replication stream.
type msgpackCodec struct {
	compress bool
}

const codecName = "walship-msgpack"

func (c msgpackCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(*Message)
	if !ok {
		return nil, errors.Errorf("replication codec can not marshal %T", v)
	}
	return EncodeMessage(m, c.compress)
}

func (c msgpackCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(*Message)
	if !ok {
		return errors.Errorf("replication codec can not unmarshal into %T", v)
	}
	*m = Message{}
	return DecodeMessage(data, m)
}

func (c msgpackCodec) Name() string { return codecName }
