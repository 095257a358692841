package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cashflow/internal/event"
	"cashflow/internal/logger"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	ErrPublisherClosed   = errors.New("publisher closed")
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrPublishNacked     = errors.New("broker nacked publish")
)

const (
	// redialCooldown bounds how often a dead publisher tries to reconnect, so a
	// broker outage costs callers one failed dial per window rather than per request
	redialCooldown = 2 * time.Second
	// publishDialTimeout is shorter than the startup dial timeout because it runs on the request path
	publishDialTimeout = time.Second
)

// NewPublishing builds the persistent AMQP message for an event
func NewPublishing(evt event.TransactionCreated, routingKey string) (amqp.Publishing, error) {
	body, err := event.Encode(evt)
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    evt.TransactionID.String(),
		Type:         routingKey,
		Timestamp:    evt.CreatedAt,
		AppId:        "transactions-api",
		Body:         body,
	}, nil
}

// publishChannel is what Publisher needs from a confirm-mode channel
type publishChannel interface {
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// confirmChannel publishes on a session with publisher confirms enabled
type confirmChannel struct {
	s *Session
}

func (c *confirmChannel) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	conf, err := c.s.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return err
	}
	ok, err := conf.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrPublishNacked
	}
	return nil
}

func (c *confirmChannel) IsClosed() bool { return c.s.IsClosed() }
func (c *confirmChannel) Close() error   { return c.s.Close() }

// Publisher sends transaction events to the fact exchange. It connects
// lazily and redials after a failure, so it can be built while the broker is down.
type Publisher struct {
	topo Topology
	dial func(ctx context.Context) (publishChannel, error)
	now  func() time.Time

	mu       sync.Mutex
	ch       publishChannel
	nextDial time.Time
	closed   bool
}

func NewPublisher(url string, topo Topology) *Publisher {
	p := &Publisher{topo: topo, now: time.Now}
	p.dial = func(ctx context.Context) (publishChannel, error) {
		s, err := dialOnce(url, publishDialTimeout)
		if err != nil {
			return nil, err
		}
		if err := topo.DeclarePublisher(s.ch); err != nil {
			_ = s.Close()
			return nil, err
		}
		if err := s.ch.Confirm(false); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("enable publisher confirms: %w", err)
		}
		return &confirmChannel{s: s}, nil
	}
	return p
}

// Connect dials eagerly. Topology errors are returned unwrapped so callers can
// treat them as fatal; anything else leaves the publisher in lazy mode.
func (p *Publisher) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.channelLocked(ctx, true)
	return err
}

// Publish sends evt with the given routing key and waits for the broker confirm
func (p *Publisher) Publish(ctx context.Context, evt event.TransactionCreated, routingKey string) error {
	msg, err := NewPublishing(evt, routingKey)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channelLocked(ctx, false)
	if err != nil {
		return err
	}
	if err := ch.Publish(ctx, p.topo.Exchange, routingKey, msg); err != nil {
		p.dropLocked()
		return fmt.Errorf("publish %s: %w", evt.TransactionID, err)
	}
	return nil
}

func (p *Publisher) channelLocked(ctx context.Context, force bool) (publishChannel, error) {
	if p.closed {
		return nil, ErrPublisherClosed
	}
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.dropLocked()

	if !force && p.now().Before(p.nextDial) {
		return nil, ErrBrokerUnavailable
	}
	ch, err := p.dial(ctx)
	if err != nil {
		p.nextDial = p.now().Add(redialCooldown)
		if errors.Is(err, ErrTopology) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	p.ch = ch
	logger.Info("publisher connected", "exchange", p.topo.Exchange)
	return ch, nil
}

func (p *Publisher) dropLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
}

// Connected reports whether the publisher currently holds an open channel
func (p *Publisher) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch != nil && !p.ch.IsClosed()
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.dropLocked()
	return nil
}
