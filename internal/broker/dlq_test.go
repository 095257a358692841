package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

type fakeQueue struct {
	items     []amqp.Delivery
	published []amqp.Publishing
	// nackAfter makes the broker refuse every publish after this many confirms
	nackAfter int
}

func (q *fakeQueue) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	if len(q.items) == 0 {
		return amqp.Delivery{}, false, nil
	}
	d := q.items[0]
	q.items = q.items[1:]
	return d, true, nil
}

func (q *fakeQueue) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	if q.nackAfter > 0 && len(q.published) >= q.nackAfter {
		return ErrPublishNacked
	}
	q.published = append(q.published, msg)
	return nil
}

func TestPeekDeadLettersReportsReason(t *testing.T) {
	ack := newFakeAck()
	bad := delivery(ack, 1, []byte(`nope`))
	bad.Headers = amqp.Table{"x-death": []interface{}{amqp.Table{"reason": "rejected"}}}
	q := &fakeQueue{items: []amqp.Delivery{bad, delivery(ack, 2, validBody(t, uuid.New()))}}

	got, err := PeekDeadLetters(q, "consolidations-queue.dlq", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2, got %d", len(got))
	}
	if got[0].Reason != "rejected" || got[0].DecodeError == nil {
		t.Fatalf("unexpected first entry: %+v", got[0])
	}
	if got[1].DecodeError != nil {
		t.Fatalf("second entry should decode: %v", got[1].DecodeError)
	}
	if _, settled := ack.get(1); settled {
		t.Fatal("peek must not settle messages")
	}
}

func TestReplayDeadLettersRepublishesValidEvents(t *testing.T) {
	ack := newFakeAck()
	q := &fakeQueue{items: []amqp.Delivery{
		delivery(ack, 1, validBody(t, uuid.New())),
		delivery(ack, 2, validBody(t, uuid.New())),
		delivery(ack, 3, []byte(`nope`)),
		delivery(ack, 4, validBody(t, uuid.New())),
	}}

	res, err := ReplayDeadLetters(context.Background(), q, DefaultTopology(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.Replayed != 2 || res.Skipped != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(q.published) != 2 || q.published[0].Type != "transaction.created" {
		t.Fatalf("unexpected publishes: %d", len(q.published))
	}
	if s, _ := ack.get(3); s.kind != "nack" || !s.requeue {
		t.Fatalf("undecodable message should stay queued, got %+v", s)
	}
}

func TestReplayDeadLettersKeepsMessageWhenConfirmIsNacked(t *testing.T) {
	ack := newFakeAck()
	q := &fakeQueue{nackAfter: 1, items: []amqp.Delivery{
		delivery(ack, 1, validBody(t, uuid.New())),
		delivery(ack, 2, validBody(t, uuid.New())),
		delivery(ack, 3, validBody(t, uuid.New())),
	}}

	res, err := ReplayDeadLetters(context.Background(), q, DefaultTopology(), 10)
	if !errors.Is(err, ErrPublishNacked) {
		t.Fatalf("expected nacked publish, got %v", err)
	}
	if res.Replayed != 1 {
		t.Fatalf("expected 1 replayed, got %+v", res)
	}
	if s, _ := ack.get(1); s.kind != "ack" {
		t.Fatalf("confirmed message should be acked, got %+v", s)
	}
	if s, _ := ack.get(2); s.kind != "nack" || !s.requeue {
		t.Fatalf("unconfirmed message must stay in the dead-letter queue, got %+v", s)
	}
	if len(q.items) != 1 {
		t.Fatalf("replay should stop after the nack, %d left unread", len(q.items))
	}
}
