package replication

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/alpacahq/walship/logbuf"
	"github.com/alpacahq/walship/metrics"
	"github.com/alpacahq/walship/utils/log"
)

const (
	defaultConnectTimeout = time.Second
	defaultRetryInterval  = time.Second
)

// State is the lifecycle state of a SlaveController.
type State int32

const (
	StateStopped State = iota
	StateConnecting
	StateReceiving
	StateDisconnected
	// StateFailedOver is terminal.
	StateFailedOver
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateConnecting:
		return "connecting"
	case StateReceiving:
		return "receiving"
	case StateDisconnected:
		return "disconnected"
	case StateFailedOver:
		return "failed over"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// SlaveConfig configures a SlaveController.
type SlaveConfig struct {
	DatabaseName string
	// ConnectTimeout bounds every connection attempt.
	ConnectTimeout time.Duration
	// RetryInterval is the pause between two failed connection attempts.
	RetryInterval time.Duration
	// ResumeInstant is the instant of the last record already in the local log.
	ResumeInstant int64
	// OnStateChange, if set, is called after every state transition from the
	// goroutine that made it.
	OnStateChange func(State)
}

// SlaveController drives replication on the slave: it connects to the
// master, applies the shipped log to the local LogStore and handles stop
// and failover requests.
//
// Start, Stop and Failover may be called from any goroutine. Everything else
// happens on the receive loop goroutine started by Start.
type SlaveController struct {
	cfg       SlaveConfig
	transport Transport
	store     LogStore
	scanner   *logbuf.Scanner

	replicating    atomic.Bool
	state          atomic.Int32
	highestApplied atomic.Int64

	mu   sync.Mutex
	done chan struct{}
	err  error
}

func NewSlaveController(cfg SlaveConfig, transport Transport, store LogStore) *SlaveController {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	c := &SlaveController{
		cfg:       cfg,
		transport: transport,
		store:     store,
		scanner:   logbuf.NewScanner(),
		done:      make(chan struct{}),
	}
	close(c.done)
	c.highestApplied.Store(cfg.ResumeInstant)
	return c
}

func (c *SlaveController) State() State { return State(c.state.Load()) }

// Connected reports whether the receive loop is attached to the master.
func (c *SlaveController) Connected() bool { return c.State() == StateReceiving }

// HighestAppliedInstant is the resume cursor: the instant of the last record
// written to the local log.
func (c *SlaveController) HighestAppliedInstant() int64 { return c.highestApplied.Load() }

// Done is closed when the receive loop of the last Start has exited.
func (c *SlaveController) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err returns the error that stopped replication, if any. The local
// database must not serve normal connections until Failover is called.
func (c *SlaveController) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Start connects to the master and starts the receive loop. It blocks,
// retrying at the configured interval, until a connection is made or Stop
// is called, in which case it returns ErrStopped.
func (c *SlaveController) Start() error {
	c.mu.Lock()
	switch c.State() {
	case StateFailedOver:
		c.mu.Unlock()
		return ErrFailedOver
	case StateStopped:
	default:
		c.mu.Unlock()
		return ErrReplicationActive
	}
	select {
	case <-c.done:
	default:
		// the previous receive loop is still shutting down
		c.mu.Unlock()
		return ErrReplicationActive
	}
	done := make(chan struct{})
	c.done = done
	c.err = nil
	c.replicating.Store(true)
	c.mu.Unlock()

	log.Info("starting replication of %s", c.cfg.DatabaseName)
	if err := c.connect(); err != nil {
		c.replicating.Store(false)
		c.setState(StateStopped)
		close(done)
		return err
	}

	go c.receiveLoop(done)
	return nil
}

// Stop stops replication. Unless forced, a slave that is connected to the
// master refuses to stop; the master is expected to stop it.
func (c *SlaveController) Stop(forced bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() == StateFailedOver {
		return ErrFailedOver
	}
	if !forced && c.Connected() {
		return ErrStillConnected
	}
	log.Info("stopping replication of %s (forced=%v)", c.cfg.DatabaseName, forced)
	c.replicating.Store(false)
	c.tearDown()
	return nil
}

// Failover promotes the local database to a standalone one. It is refused
// while the slave receives log from the master; calling it again after a
// successful failover does nothing.
//
// After a forced Stop the receive loop may still be applying a chunk.
// Failover waits for it to exit so that nothing is written to the local log
// once it has been promoted.
func (c *SlaveController) Failover() error {
	c.mu.Lock()
	switch c.State() {
	case StateFailedOver:
		c.mu.Unlock()
		return nil
	case StateReceiving:
		if c.replicating.Load() {
			c.mu.Unlock()
			return ErrReplicationActive
		}
	}
	if c.replicating.Load() {
		// still trying to reach the master
		c.replicating.Store(false)
		c.tearDown()
	}
	done := c.done
	c.mu.Unlock()

	<-done

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() == StateFailedOver {
		// the master failed us over in the meantime
		return nil
	}
	if c.replicating.Load() {
		// restarted while we were waiting
		return ErrReplicationActive
	}
	return c.failover()
}

// failover promotes the local log and enters the terminal state.
func (c *SlaveController) failover() error {
	c.replicating.Store(false)
	if err := c.store.Promote(); err != nil {
		return errors.Wrap(err, "failed to promote the local log")
	}
	c.state.Store(int32(StateFailedOver))
	c.stateChanged(StateFailedOver)
	log.Info("database %s failed over at instant %d", c.cfg.DatabaseName, c.highestApplied.Load())
	return nil
}

// Apply writes every record of chunk to the local log. A log file switch
// marker rolls the local log file instead. Every record must land at the
// instant the master assigned it, or Apply fails with ErrOutOfSync.
//
// Apply is called by the receive loop; callers driving a controller
// themselves must not call it while the receive loop runs.
func (c *SlaveController) Apply(chunk []byte) error {
	c.scanner.Init(chunk)
	for {
		ok, err := c.scanner.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		rec, err := c.scanner.Record()
		if err != nil {
			return err
		}

		if rec.IsLogFileSwitch() {
			if err := c.store.SwitchLogFile(); err != nil {
				return errors.Wrap(err, "failed to switch the local log file")
			}
			continue
		}

		local, err := c.store.AppendRecord(rec.Payload(), rec.OptionalPayload())
		if err != nil {
			return errors.Wrapf(err, "failed to append record %d to the local log", rec.Instant)
		}
		if local != rec.Instant {
			return errors.Wrapf(ErrOutOfSync, "master instant %d, local instant %d", rec.Instant, local)
		}
		c.highestApplied.Store(local)
		metrics.AppliedRecordsTotal.Inc()
		metrics.HighestAppliedInstant.Set(float64(local))
	}
}

// connect polls the master until a connection is made or replication is stopped.
func (c *SlaveController) connect() error {
	c.setState(StateConnecting)
	r := NewRetryer(func(_ context.Context) error {
		if !c.replicating.Load() {
			return ErrStopped
		}
		resume := c.highestApplied.Load()
		if err := c.transport.Connect(c.cfg.ConnectTimeout, resume, c.cfg.DatabaseName); err != nil {
			return errors.Wrapf(ErrRetryable, "failed to connect to the master: %v", err)
		}
		return nil
	}, c.cfg.RetryInterval, 1)

	if err := r.Run(context.Background()); err != nil {
		return err
	}
	if !c.replicating.Load() {
		// stopped while the last attempt was in flight
		c.tearDown()
		return ErrStopped
	}
	c.setState(StateReceiving)
	log.Info("connected to the master, resuming after instant %d", c.highestApplied.Load())
	return nil
}

func (c *SlaveController) receiveLoop(done chan struct{}) {
	defer close(done)

	for c.replicating.Load() {
		msg, err := c.transport.ReadMessage()
		if err != nil {
			if !c.replicating.Load() {
				break
			}
			if !isDisconnect(err) {
				c.fail(errors.Wrapf(ErrUnexpected, "failed to read from the master: %v", err))
				return
			}
			log.Warn("lost the connection to the master: %v", err)
			c.setState(StateDisconnected)
			metrics.ReconnectsTotal.Inc()
			c.tearDown()
			if err := c.connect(); err != nil {
				log.Info("replication of %s stopped while reconnecting", c.cfg.DatabaseName)
				c.setState(StateStopped)
				return
			}
			continue
		}

		switch msg.Kind {
		case KindLog:
			if err := c.Apply(msg.Payload); err != nil {
				c.fail(err)
				return
			}
		case KindFailover:
			if err := c.failover(); err != nil {
				c.fail(err)
				return
			}
			if err := c.transport.SendMessage(AckMessage("failover succeeded")); err != nil {
				log.Warn("failed to acknowledge the failover to the master: %v", err)
			}
			c.tearDown()
			return
		case KindStop:
			log.Info("master stopped the replication of %s", c.cfg.DatabaseName)
			c.replicating.Store(false)
		default:
			c.fail(errors.Wrapf(ErrUnexpected, "unexpected %v message from the master", msg.Kind))
			return
		}
	}

	c.tearDown()
	c.setState(StateStopped)
	log.Info("replication of %s stopped at instant %d", c.cfg.DatabaseName, c.highestApplied.Load())
}

// fail stops replication after a fatal error and reports it to the master
// while the connection still works.
func (c *SlaveController) fail(err error) {
	log.Error("replication of %s failed, the database needs a failover to be used: %v", c.cfg.DatabaseName, err)
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()

	c.replicating.Store(false)
	if sendErr := c.transport.SendMessage(ErrorMessage(err.Error())); sendErr != nil {
		log.Debug("could not report the failure to the master: %v", sendErr)
	}
	c.tearDown()
	c.setState(StateStopped)
}

func (c *SlaveController) tearDown() {
	if err := c.transport.TearDown(); err != nil {
		log.Warn("failed to tear down the connection to the master: %v", err)
	}
}

// setState moves to s unless the controller was failed over.
func (c *SlaveController) setState(s State) {
	for {
		old := c.state.Load()
		if State(old) == StateFailedOver || State(old) == s {
			return
		}
		if c.state.CAS(old, int32(s)) {
			c.stateChanged(s)
			return
		}
	}
}

func (c *SlaveController) stateChanged(s State) {
	log.Debug("replication of %s is %v", c.cfg.DatabaseName, s)
	metrics.SlaveState.Set(float64(s))
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}
