package broker

import (
	"context"
	"fmt"
	"time"

	"cashflow/internal/event"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeadLetter is a dead-lettered message as seen by the operator tooling
type DeadLetter struct {
	DeliveryTag uint64
	MessageID   string
	Timestamp   time.Time
	Reason      string
	Body        []byte
	// DecodeError is set when the body is not a valid envelope
	DecodeError error
}

// Getter is the subset of *amqp.Channel used to drain a queue
type Getter interface {
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
}

// RepublishChannel can drain the dead-letter queue and publish to the
// exchange. Publish returns only once the broker has confirmed the message.
type RepublishChannel interface {
	Getter
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error
}

// ReplayChannel is a confirm-mode channel used to move dead letters back
type ReplayChannel struct {
	confirmChannel
}

// NewReplayChannel puts the session channel into confirm mode
func NewReplayChannel(s *Session) (*ReplayChannel, error) {
	if err := s.ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return &ReplayChannel{confirmChannel{s: s}}, nil
}

func (r *ReplayChannel) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	return r.s.ch.Get(queue, autoAck)
}

func deadLetterOf(d amqp.Delivery) DeadLetter {
	dl := DeadLetter{
		DeliveryTag: d.DeliveryTag,
		MessageID:   d.MessageId,
		Timestamp:   d.Timestamp,
		Reason:      deathReason(d.Headers),
		Body:        d.Body,
	}
	if _, err := event.Decode(d.Body); err != nil {
		dl.DecodeError = err
	}
	return dl
}

// deathReason reads the reason of the most recent x-death entry
func deathReason(h amqp.Table) string {
	deaths, ok := h["x-death"].([]interface{})
	if !ok || len(deaths) == 0 {
		return ""
	}
	entry, ok := deaths[0].(amqp.Table)
	if !ok {
		return ""
	}
	reason, _ := entry["reason"].(string)
	return reason
}

// PeekDeadLetters reads up to limit messages without acknowledging them.
// They return to the queue when the caller closes the channel.
func PeekDeadLetters(ch Getter, queue string, limit int) ([]DeadLetter, error) {
	var out []DeadLetter
	for i := 0; i < limit; i++ {
		d, ok, err := ch.Get(queue, false)
		if err != nil {
			return out, fmt.Errorf("get %s: %w", queue, err)
		}
		if !ok {
			break
		}
		out = append(out, deadLetterOf(d))
	}
	return out, nil
}

// ReplayResult counts what a replay did
type ReplayResult struct {
	Replayed int
	Skipped  int
}

// ReplayDeadLetters moves up to limit decodable messages back onto the fact
// exchange. A dead letter is acked only after its copy is confirmed; otherwise
// it is requeued and the replay stops. Undecodable messages are left in place.
func ReplayDeadLetters(ctx context.Context, ch RepublishChannel, topo Topology, limit int) (ReplayResult, error) {
	var res ReplayResult
	for i := 0; i < limit; i++ {
		d, ok, err := ch.Get(topo.DeadLetterQueue, false)
		if err != nil {
			return res, fmt.Errorf("get %s: %w", topo.DeadLetterQueue, err)
		}
		if !ok {
			break
		}

		evt, err := event.Decode(d.Body)
		if err != nil {
			res.Skipped++
			if err := d.Nack(false, true); err != nil {
				return res, fmt.Errorf("return undecodable message: %w", err)
			}
			// requeued at the head, so stop instead of reading it again
			break
		}

		msg, err := NewPublishing(evt, topo.RoutingKey)
		if err != nil {
			_ = d.Nack(false, true)
			return res, err
		}
		if err := ch.Publish(ctx, topo.Exchange, topo.RoutingKey, msg); err != nil {
			_ = d.Nack(false, true)
			return res, fmt.Errorf("republish %s: %w", evt.TransactionID, err)
		}
		if err := d.Ack(false); err != nil {
			return res, fmt.Errorf("ack replayed %s: %w", evt.TransactionID, err)
		}
		res.Replayed++
	}
	return res, nil
}
