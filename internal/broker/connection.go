package broker

import (
	"context"
	"fmt"
	"time"

	"cashflow/internal/logger"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	dialTimeout    = 5 * time.Second
	heartbeat      = 10 * time.Second
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 15 * time.Second
)

// Session is one connection with one channel
type Session struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Dial opens a session, retrying up to attempts times with exponential backoff
func Dial(ctx context.Context, url string, attempts int) (*Session, error) {
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		s, err := dialOnce(url, dialTimeout)
		if err == nil {
			return s, nil
		}
		lastErr = err

		if attempt == attempts {
			break
		}
		wait := Backoff(attempt, initialBackoff, maxBackoff)
		logger.Warn("broker dial failed, retrying", "error", err, "attempt", attempt, "retry_in", wait.String())
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("dial broker after %d attempts: %w", attempts, lastErr)
}

func dialOnce(url string, timeout time.Duration) (*Session, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: heartbeat,
		Dial:      amqp.DefaultDial(timeout),
		Properties: amqp.Table{
			"connection_name": "cashflow",
		},
	})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &Session{conn: conn, ch: ch}, nil
}

// Channel returns the session channel
func (s *Session) Channel() *amqp.Channel { return s.ch }

// NotifyClose reports channel closure, including closure caused by the connection
func (s *Session) NotifyClose() <-chan *amqp.Error {
	return s.ch.NotifyClose(make(chan *amqp.Error, 1))
}

// IsClosed is true once either the channel or the connection is gone
func (s *Session) IsClosed() bool {
	return s.ch.IsClosed() || s.conn.IsClosed()
}

// Close closes the channel and the connection. Unacked deliveries are requeued by the broker.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	_ = s.ch.Close()
	return s.conn.Close()
}

// Backoff returns base * 2^(attempt-1), capped at max
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
