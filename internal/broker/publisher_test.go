package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"cashflow/internal/domain"
	"cashflow/internal/event"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
)

type fakeChannel struct {
	published []amqp.Publishing
	keys      []string
	err       error
	closed    bool
}

func (f *fakeChannel) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, msg)
	f.keys = append(f.keys, exchange+"/"+key)
	return nil
}

func (f *fakeChannel) IsClosed() bool { return f.closed }
func (f *fakeChannel) Close() error   { f.closed = true; return nil }

func sampleEvent() event.TransactionCreated {
	return event.TransactionCreated{
		TransactionID: uuid.New(),
		MerchantID:    "m-1",
		Type:          domain.TransactionDebit,
		Amount:        decimal.RequireFromString("3.20"),
		DateTime:      time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
		CreatedAt:     time.Date(2026, 5, 4, 10, 0, 2, 0, time.UTC),
	}
}

func TestNewPublishingIsPersistentJSON(t *testing.T) {
	evt := sampleEvent()
	msg, err := NewPublishing(evt, "transaction.created")
	if err != nil {
		t.Fatal(err)
	}
	if msg.DeliveryMode != amqp.Persistent || msg.ContentType != "application/json" {
		t.Fatalf("unexpected properties: %+v", msg)
	}
	if msg.MessageId != evt.TransactionID.String() || msg.Type != "transaction.created" || !msg.Timestamp.Equal(evt.CreatedAt) {
		t.Fatalf("unexpected metadata: %+v", msg)
	}
	decoded, err := event.Decode(msg.Body)
	if err != nil || decoded.TransactionID != evt.TransactionID {
		t.Fatalf("body does not decode: %v", err)
	}
}

func TestPublisherRedialsAfterFailure(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	dials := 0
	first := &fakeChannel{err: amqp.ErrClosed}
	second := &fakeChannel{}

	p := NewPublisher("amqp://unused", DefaultTopology())
	p.now = func() time.Time { return now }
	p.dial = func(ctx context.Context) (publishChannel, error) {
		dials++
		if dials == 1 {
			return first, nil
		}
		return second, nil
	}

	if err := p.Publish(context.Background(), sampleEvent(), "transaction.created"); err == nil {
		t.Fatal("expected the first publish to fail")
	}
	if !first.closed {
		t.Fatal("failed channel should be dropped")
	}
	if err := p.Publish(context.Background(), sampleEvent(), "transaction.created"); err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if dials != 2 || len(second.published) != 1 || second.keys[0] != "cash-flow-exchange/transaction.created" {
		t.Fatalf("dials=%d published=%v", dials, second.keys)
	}
}

func TestPublisherCoolsDownBetweenFailedDials(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	dials := 0
	p := NewPublisher("amqp://unused", DefaultTopology())
	p.now = func() time.Time { return now }
	p.dial = func(ctx context.Context) (publishChannel, error) {
		dials++
		return nil, errors.New("connection refused")
	}

	for i := 0; i < 5; i++ {
		if err := p.Publish(context.Background(), sampleEvent(), "transaction.created"); !errors.Is(err, ErrBrokerUnavailable) {
			t.Fatalf("expected ErrBrokerUnavailable, got %v", err)
		}
	}
	if dials != 1 {
		t.Fatalf("expected a single dial inside the cooldown, got %d", dials)
	}

	now = now.Add(redialCooldown)
	_ = p.Publish(context.Background(), sampleEvent(), "transaction.created")
	if dials != 2 {
		t.Fatalf("expected a redial after the cooldown, got %d", dials)
	}
}

func TestPublisherConnectSurfacesTopologyError(t *testing.T) {
	p := NewPublisher("amqp://unused", DefaultTopology())
	p.dial = func(ctx context.Context) (publishChannel, error) {
		return nil, ErrTopology
	}
	if err := p.Connect(context.Background()); !errors.Is(err, ErrTopology) {
		t.Fatalf("expected ErrTopology, got %v", err)
	}
}

func TestPublisherClosed(t *testing.T) {
	p := NewPublisher("amqp://unused", DefaultTopology())
	ch := &fakeChannel{}
	p.dial = func(ctx context.Context) (publishChannel, error) { return ch, nil }

	if err := p.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !p.Connected() {
		t.Fatal("expected connected")
	}
	_ = p.Close()
	if err := p.Publish(context.Background(), sampleEvent(), "transaction.created"); !errors.Is(err, ErrPublisherClosed) {
		t.Fatalf("expected ErrPublisherClosed, got %v", err)
	}
	if !ch.closed {
		t.Fatal("close should close the channel")
	}
}
