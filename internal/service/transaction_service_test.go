package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"cashflow/internal/domain"
	"cashflow/internal/event"
	"cashflow/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type recordingPublisher struct {
	mu        sync.Mutex
	err       error
	panicWith any
	published []event.TransactionCreated
	keys      []string
}

func (p *recordingPublisher) Publish(ctx context.Context, e event.TransactionCreated, key string) error {
	if p.panicWith != nil {
		panic(p.panicWith)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, e)
	p.keys = append(p.keys, key)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func TestRecordTransactionPublishesProjection(t *testing.T) {
	store := repository.NewMemoryTransactionStore()
	pub := &recordingPublisher{}
	svc := NewTransactionService(store, pub, TransactionOptions{})

	desc := "sale"
	tx, err := svc.RecordTransaction(context.Background(), " merchant-x ", domain.TransactionCredit, dec("1500.00"), &desc)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if tx.MerchantID != "merchant-x" || tx.DateTime.IsZero() || tx.CreatedAt.IsZero() {
		t.Fatalf("transaction not enriched: %+v", tx)
	}
	if store.Len() != 1 || pub.count() != 1 {
		t.Fatalf("store=%d published=%d", store.Len(), pub.count())
	}
	got := pub.published[0]
	if got.TransactionID != tx.ID || !got.Amount.Equal(tx.Amount) || got.Type != tx.Type {
		t.Fatalf("event is not a projection of the transaction: %+v", got)
	}
	if pub.keys[0] != event.RoutingKeyTransactionCreated {
		t.Fatalf("routing key = %s", pub.keys[0])
	}
}

func TestRecordTransactionSucceedsWhenBrokerDown(t *testing.T) {
	store := repository.NewMemoryTransactionStore()
	svc := NewTransactionService(store, &recordingPublisher{err: errors.New("dial tcp: connection refused")}, TransactionOptions{})

	if _, err := svc.RecordTransaction(context.Background(), "m1", domain.TransactionDebit, dec("10"), nil); err != nil {
		t.Fatalf("broker failure leaked to caller: %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("transaction must stay persisted")
	}
}

func TestRecordTransactionSurvivesPublisherPanic(t *testing.T) {
	store := repository.NewMemoryTransactionStore()
	svc := NewTransactionService(store, &recordingPublisher{panicWith: "channel closed"}, TransactionOptions{})

	if _, err := svc.RecordTransaction(context.Background(), "m1", domain.TransactionDebit, dec("10"), nil); err != nil {
		t.Fatalf("record: %v", err)
	}
}

func TestRecordTransactionWithoutPublisher(t *testing.T) {
	svc := NewTransactionService(repository.NewMemoryTransactionStore(), nil, TransactionOptions{})
	if _, err := svc.RecordTransaction(context.Background(), "m1", domain.TransactionCredit, dec("1"), nil); err != nil {
		t.Fatalf("record: %v", err)
	}
}

func TestRecordTransactionValidation(t *testing.T) {
	svc := NewTransactionService(repository.NewMemoryTransactionStore(), &recordingPublisher{}, TransactionOptions{})
	long := strings.Repeat("x", domain.MaxDescriptionLength+1)

	cases := []struct {
		name     string
		merchant string
		kind     domain.TransactionType
		amount   decimal.Decimal
		desc     *string
	}{
		{"empty merchant", "", domain.TransactionCredit, dec("1"), nil},
		{"long merchant", strings.Repeat("m", 101), domain.TransactionCredit, dec("1"), nil},
		{"bad type", "m1", domain.TransactionType("PIX"), dec("1"), nil},
		{"zero amount", "m1", domain.TransactionCredit, decimal.Zero, nil},
		{"negative amount", "m1", domain.TransactionDebit, dec("-1"), nil},
		{"too precise", "m1", domain.TransactionDebit, dec("0.001"), nil},
		{"long description", "m1", domain.TransactionDebit, dec("1"), &long},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.RecordTransaction(context.Background(), tc.merchant, tc.kind, tc.amount, tc.desc)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestRecordTransactionOutbox(t *testing.T) {
	store := repository.NewMemoryTransactionStore()
	pub := &recordingPublisher{err: errors.New("broker down")}
	svc := NewTransactionService(store, pub, TransactionOptions{Outbox: store})
	ctx := context.Background()

	if _, err := svc.RecordTransaction(ctx, "m1", domain.TransactionCredit, dec("5"), nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	pending, _ := store.Pending(ctx, 10)
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending outbox row, got %d", len(pending))
	}

	relay := NewOutboxRelay(store, pub, time.Second, 10)
	if n, err := relay.RelayOnce(ctx); err == nil || n != 0 {
		t.Fatalf("relay should fail while broker is down: n=%d err=%v", n, err)
	}

	pub.mu.Lock()
	pub.err = nil
	pub.mu.Unlock()

	n, err := relay.RelayOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("relay after recovery: n=%d err=%v", n, err)
	}
	if pending, _ = store.Pending(ctx, 10); len(pending) != 0 {
		t.Fatalf("outbox row still pending after relay")
	}
	if pub.count() != 1 {
		t.Fatalf("published = %d", pub.count())
	}
}

func TestRecordTransactionOutboxMarksImmediatePublish(t *testing.T) {
	store := repository.NewMemoryTransactionStore()
	pub := &recordingPublisher{}
	svc := NewTransactionService(store, pub, TransactionOptions{Outbox: store})
	ctx := context.Background()

	if _, err := svc.RecordTransaction(ctx, "m1", domain.TransactionCredit, dec("5"), nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	if pending, _ := store.Pending(ctx, 10); len(pending) != 0 {
		t.Fatalf("immediately published row should not stay pending")
	}
}

func TestOutboxRelayStartStops(t *testing.T) {
	store := repository.NewMemoryTransactionStore()
	relay := NewOutboxRelay(store, &recordingPublisher{}, 10*time.Millisecond, 10)
	ctx, cancel := context.WithCancel(context.Background())
	relay.Start(ctx)
	cancel()
	select {
	case <-relay.Done():
	case <-time.After(time.Second):
		t.Fatalf("relay did not stop")
	}
}

func TestOutboxRelayMarksUndecodableRowsDead(t *testing.T) {
	store := repository.NewMemoryTransactionStore()
	pub := &recordingPublisher{}
	svc := NewTransactionService(store, pub, TransactionOptions{Outbox: store})
	ctx := context.Background()

	corrupt := func(i byte) {
		tx := &domain.Transaction{ID: uuid.New(), MerchantID: "m1", Type: domain.TransactionCredit, Amount: dec("1")}
		ev := &domain.OutboxEvent{TransactionID: tx.ID, RoutingKey: event.RoutingKeyTransactionCreated, Payload: []byte{'{', i}}
		if err := store.CreateWithOutbox(ctx, tx, ev); err != nil {
			t.Fatal(err)
		}
	}
	corrupt('a')
	corrupt('b')

	pub.mu.Lock()
	pub.err = errors.New("broker down")
	pub.mu.Unlock()
	if _, err := svc.RecordTransaction(ctx, "m1", domain.TransactionCredit, dec("5"), nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	pub.mu.Lock()
	pub.err = nil
	pub.mu.Unlock()

	// batch of 2 so the corrupt rows fill the first pass
	relay := NewOutboxRelay(store, pub, time.Second, 2)
	if n, err := relay.RelayOnce(ctx); err != nil || n != 0 {
		t.Fatalf("first pass: n=%d err=%v", n, err)
	}
	if n, err := relay.RelayOnce(ctx); err != nil || n != 1 {
		t.Fatalf("relay should move past dead rows: n=%d err=%v", n, err)
	}
	if pending, _ := store.Pending(ctx, 10); len(pending) != 0 {
		t.Fatalf("expected nothing pending, got %d", len(pending))
	}
	if pub.count() != 1 {
		t.Fatalf("published = %d", pub.count())
	}
}

func TestGetTransactionNotFound(t *testing.T) {
	svc := NewTransactionService(repository.NewMemoryTransactionStore(), nil, TransactionOptions{})

	_, err := svc.GetTransaction(context.Background(), uuid.New())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if strings.Contains(err.Error(), "consolidation") {
		t.Fatalf("transaction lookup should not mention consolidations: %q", err)
	}
}
