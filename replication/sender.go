package replication

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/alpacahq/walship/logbuf"
	"github.com/alpacahq/walship/metrics"
	"github.com/alpacahq/walship/utils/log"
)

const defaultShipInterval = 50 * time.Millisecond

// MessageSender delivers messages to the slave.
type MessageSender interface {
	Send(msg *Message) error
}

// Sender is the shipping goroutine of the master. It is the only consumer of
// the log record buffer.
type Sender struct {
	buffer   *logbuf.Buffer
	target   MessageSender
	interval time.Duration
	// pending is a drained chunk that could not be delivered yet.
	pending []byte
}

func NewSender(buffer *logbuf.Buffer, target MessageSender, interval time.Duration) *Sender {
	if interval <= 0 {
		interval = defaultShipInterval
	}
	return &Sender{
		buffer:   buffer,
		target:   target,
		interval: interval,
	}
}

// Run ships staged chunks at every interval until ctx is done.
func (s *Sender) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown replication sender...")
			return nil
		case <-t.C:
			if err := s.Ship(); err != nil {
				if errors.Is(err, ErrNoSlave) {
					log.Debug("waiting for a slave to ship the log to")
					continue
				}
				log.Warn("failed to ship the log: %v", err)
			}
		}
	}
}

// Ship sends every staged chunk to the slave, oldest first. A chunk that
// could not be delivered is kept and sent first by the next call.
func (s *Sender) Ship() error {
	for {
		if s.pending == nil {
			if !s.buffer.Next() {
				return nil
			}
			chunk, err := s.buffer.Data()
			if err != nil {
				return err
			}
			s.pending = chunk
		}

		if err := s.target.Send(LogMessage(s.pending)); err != nil {
			return errors.Wrap(err, "failed to ship a log chunk")
		}
		log.Debug("shipped a log chunk of %d bytes", len(s.pending))
		metrics.ShippedChunksTotal.Inc()
		metrics.ShippedBytesTotal.Add(float64(len(s.pending)))
		s.pending = nil
	}
}
