package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"cashflow/internal/event"
	"cashflow/internal/logger"
	"cashflow/internal/metrics"
	"cashflow/internal/service"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	errChannelClosed = errors.New("delivery channel closed")
	errAckFailed     = errors.New("acknowledgement failed")
)

// Applier folds one decoded event into the read model
type Applier interface {
	ApplyEvent(ctx context.Context, evt event.TransactionCreated) (service.ApplyResult, error)
}

// State is the consumer's position in its delivery loop
type State int32

const (
	StateStopped State = iota
	StateConnecting
	StateIdle
	StateDecoding
	StateApplying
	StateAcknowledging
	StateRejecting
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateConnecting:
		return "connecting"
	case StateIdle:
		return "idle"
	case StateDecoding:
		return "decoding"
	case StateApplying:
		return "applying"
	case StateAcknowledging:
		return "acknowledging"
	case StateRejecting:
		return "rejecting"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Outcome is how a single delivery was settled
type Outcome int

const (
	OutcomeProcessed Outcome = iota
	OutcomeDuplicate
	OutcomePoison
	OutcomeExhausted
	OutcomeRequeued
	OutcomeAckFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProcessed:
		return "processed"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomePoison:
		return "poison"
	case OutcomeExhausted:
		return "exhausted"
	case OutcomeRequeued:
		return "requeued"
	case OutcomeAckFailed:
		return "ack_failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

type ConsumerOptions struct {
	Tag             string
	MaxAttempts     int
	RetryBackoff    time.Duration
	ShutdownTimeout time.Duration
	ConnectAttempts int
}

func (o *ConsumerOptions) defaults() {
	if o.Tag == "" {
		o.Tag = "consolidations-api"
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 200 * time.Millisecond
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 10 * time.Second
	}
	if o.ConnectAttempts <= 0 {
		o.ConnectAttempts = 10
	}
}

// Consumer drains the consolidation queue one delivery at a time. Every
// delivery is settled exactly once: ack on success or duplicate, reject
// without requeue (to the dead-letter queue) on poison or exhausted retries,
// and requeue only when shutdown interrupts a transient retry.
type Consumer struct {
	url     string
	topo    Topology
	applier Applier
	opts    ConsumerOptions
	dial    func(ctx context.Context) (*Session, error)

	state   atomic.Int32
	session *Session

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func NewConsumer(url string, topo Topology, applier Applier, opts ConsumerOptions) *Consumer {
	opts.defaults()
	c := &Consumer{url: url, topo: topo, applier: applier, opts: opts}
	c.dial = c.connect
	return c
}

func (c *Consumer) State() State { return State(c.state.Load()) }

func (c *Consumer) setState(s State) { c.state.Store(int32(s)) }

// Setup dials the broker and declares the full topology. A topology error
// must stop the process before any delivery is consumed.
func (c *Consumer) Setup(ctx context.Context) error {
	c.setState(StateConnecting)
	s, err := c.dial(ctx)
	if err != nil {
		c.setState(StateStopped)
		return err
	}
	c.session = s
	return nil
}

func (c *Consumer) connect(ctx context.Context) (*Session, error) {
	s, err := Dial(ctx, c.url, c.opts.ConnectAttempts)
	if err != nil {
		return nil, err
	}
	if err := c.topo.DeclareConsumer(s.ch); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.ch.Qos(c.topo.Prefetch, 0, false); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	return s, nil
}

// Run consumes until ctx is cancelled, reconnecting when the broker drops the
// channel. It returns nil on shutdown and an error only for topology failures
// or when ctx ends while reconnecting is impossible.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.setState(StateStopped)

	for {
		if c.session == nil {
			if err := c.Setup(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if errors.Is(err, ErrTopology) {
					return err
				}
				logger.Error("consumer reconnect failed", "error", err)
				if !sleepCtx(ctx, maxBackoff) {
					return nil
				}
				continue
			}
		}

		err := c.consumeSession(ctx, c.session)
		_ = c.session.Close()
		c.session = nil

		if ctx.Err() != nil {
			return nil
		}
		c.setState(StateReconnecting)
		logger.Warn("consumer lost broker channel, reconnecting", "error", err)
	}
}

func (c *Consumer) consumeSession(ctx context.Context, s *Session) error {
	closed := s.NotifyClose()
	deliveries, err := s.ch.Consume(c.topo.Queue, c.opts.Tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.topo.Queue, err)
	}
	logger.Info("consumer started", "queue", c.topo.Queue, "prefetch", c.topo.Prefetch)

	err = c.consume(ctx, deliveries, closed)
	if ctx.Err() != nil {
		_ = s.ch.Cancel(c.opts.Tag, false)
	}
	return err
}

// consume settles deliveries serially until shutdown or channel loss
func (c *Consumer) consume(ctx context.Context, deliveries <-chan amqp.Delivery, closed <-chan *amqp.Error) error {
	for {
		c.setState(StateIdle)
		select {
		case <-ctx.Done():
			return nil
		case amqpErr, ok := <-closed:
			if !ok || amqpErr == nil {
				return errChannelClosed
			}
			return fmt.Errorf("%w: %s", errChannelClosed, amqpErr.Error())
		case d, ok := <-deliveries:
			if !ok {
				return errChannelClosed
			}
			if c.Handle(ctx, d) == OutcomeAckFailed {
				return errAckFailed
			}
		}
	}
}

// Handle decodes, applies and settles one delivery. The apply runs detached
// from ctx so shutdown lets the in-flight event finish, bounded by ShutdownTimeout.
func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery) Outcome {
	c.setState(StateDecoding)
	evt, err := event.Decode(d.Body)
	if err != nil {
		logger.Warn("poison delivery", "error", err, "delivery_tag", d.DeliveryTag, "message_id", d.MessageId)
		metrics.EventsFailed.WithLabelValues(metrics.ClassPoison).Inc()
		return c.reject(d, OutcomePoison)
	}

	ctx = logger.NewContext(ctx, logger.With("delivery_tag", d.DeliveryTag, "message_id", d.MessageId))
	c.setState(StateApplying)
	res, err := c.applyWithRetry(ctx, evt)
	switch {
	case err == nil:
	case errors.Is(err, event.ErrPoison):
		logger.Warn("poison event", "error", err, "transaction_id", evt.TransactionID)
		metrics.EventsFailed.WithLabelValues(metrics.ClassPoison).Inc()
		return c.reject(d, OutcomePoison)
	case ctx.Err() != nil:
		logger.Warn("shutdown interrupted retries, requeueing", "transaction_id", evt.TransactionID, "error", err)
		if nackErr := d.Nack(false, true); nackErr != nil {
			metrics.EventsFailed.WithLabelValues(metrics.ClassAck).Inc()
			return OutcomeAckFailed
		}
		return OutcomeRequeued
	default:
		logger.Error("event failed after retries", "transaction_id", evt.TransactionID, "attempts", c.opts.MaxAttempts, "error", err)
		metrics.EventsFailed.WithLabelValues(metrics.ClassTransient).Inc()
		return c.reject(d, OutcomeExhausted)
	}

	c.setState(StateAcknowledging)
	if err := d.Ack(false); err != nil {
		logger.Error("ack failed", "transaction_id", evt.TransactionID, "error", err)
		metrics.EventsFailed.WithLabelValues(metrics.ClassAck).Inc()
		return OutcomeAckFailed
	}
	if res.Duplicate {
		metrics.EventsDuplicate.Inc()
		return OutcomeDuplicate
	}
	metrics.EventsProcessed.WithLabelValues(evt.MerchantID).Inc()
	return OutcomeProcessed
}

func (c *Consumer) reject(d amqp.Delivery, outcome Outcome) Outcome {
	c.setState(StateRejecting)
	if err := d.Reject(false); err != nil {
		logger.Error("reject failed", "delivery_tag", d.DeliveryTag, "error", err)
		metrics.EventsFailed.WithLabelValues(metrics.ClassAck).Inc()
		return OutcomeAckFailed
	}
	metrics.EventsDeadLettered.Inc()
	return outcome
}

func (c *Consumer) applyWithRetry(ctx context.Context, evt event.TransactionCreated) (service.ApplyResult, error) {
	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		res, err := c.applyOnce(ctx, evt)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, event.ErrPoison) {
			return res, err
		}
		lastErr = err

		if attempt == c.opts.MaxAttempts {
			break
		}
		logger.Warn("apply failed, retrying", "transaction_id", evt.TransactionID, "attempt", attempt, "error", err)
		if !sleepCtx(ctx, Backoff(attempt, c.opts.RetryBackoff, maxBackoff)) {
			return service.ApplyResult{}, lastErr
		}
	}
	return service.ApplyResult{}, lastErr
}

func (c *Consumer) applyOnce(ctx context.Context, evt event.TransactionCreated) (res service.ApplyResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("apply panicked: %v", r)
		}
	}()
	applyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.ShutdownTimeout)
	defer cancel()
	return c.applier.ApplyEvent(applyCtx, evt)
}

// Start runs the consumer in the background
func (c *Consumer) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		err := c.Run(runCtx)
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		if err != nil {
			logger.Error("consumer stopped with error", "error", err)
		}
	}(c.done)
}

// Done is closed when a started consumer has exited
func (c *Consumer) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err is the error Run returned, if any
func (c *Consumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Stop stops fetching, waits for the in-flight delivery to settle and
// returns once the loop exits or the shutdown timeout passes
func (c *Consumer) Stop() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return c.Err()
	case <-time.After(c.opts.ShutdownTimeout):
		return fmt.Errorf("consumer did not stop within %s", c.opts.ShutdownTimeout)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Connected is true while the consumer holds a live channel
func (c *Consumer) Connected() bool {
	switch c.State() {
	case StateStopped, StateConnecting, StateReconnecting:
		return false
	default:
		return true
	}
}
