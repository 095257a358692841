package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"cashflow/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func credit(merchant string, day time.Time, amount string) domain.ConsolidationDelta {
	return domain.ConsolidationDelta{
		TransactionID: uuid.New(),
		MerchantID:    merchant,
		Date:          day,
		Credit:        decimal.RequireFromString(amount),
		AppliedAt:     time.Now(),
	}
}

func TestMemoryConsolidationApplyCreatesThenUpdates(t *testing.T) {
	s := NewMemoryConsolidationStore()
	ctx := context.Background()
	day := time.Date(2025, 9, 15, 0, 0, 0, 0, time.UTC)

	first, applied, err := s.Apply(ctx, credit("m1", day, "10.00"))
	if err != nil || !applied {
		t.Fatalf("first apply: applied=%v err=%v", applied, err)
	}
	second, _, _ := s.Apply(ctx, credit("m1", day, "5.25"))
	if first.ID != second.ID {
		t.Fatalf("expected same row id, got %s and %s", first.ID, second.ID)
	}
	if second.TransactionCount != 2 || !second.TotalCredits.Equal(decimal.RequireFromString("15.25")) {
		t.Fatalf("unexpected row %+v", second)
	}
}

func TestMemoryConsolidationSkipsAppliedTransaction(t *testing.T) {
	s := NewMemoryConsolidationStore()
	ctx := context.Background()
	d := credit("m1", time.Date(2025, 9, 15, 0, 0, 0, 0, time.UTC), "10.00")

	if _, applied, _ := s.Apply(ctx, d); !applied {
		t.Fatalf("first apply should apply")
	}
	row, applied, err := s.Apply(ctx, d)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if applied {
		t.Fatalf("second apply of same transaction must be skipped")
	}
	if row.TransactionCount != 1 {
		t.Fatalf("count = %d; want 1", row.TransactionCount)
	}
}

func TestMemoryConsolidationConcurrentApply(t *testing.T) {
	s := NewMemoryConsolidationStore()
	ctx := context.Background()
	day := time.Date(2025, 9, 15, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := s.Apply(ctx, credit("m1", day, "0.01")); err != nil {
				t.Errorf("apply: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := s.GetByMerchantAndDate(ctx, "m1", day)
	if err != nil || got == nil {
		t.Fatalf("get: %v %v", got, err)
	}
	if got.TransactionCount != 200 || !got.TotalCredits.Equal(decimal.RequireFromString("2.00")) {
		t.Fatalf("lost updates: %+v", got)
	}
}

func TestMemoryConsolidationListByMerchant(t *testing.T) {
	s := NewMemoryConsolidationStore()
	ctx := context.Background()
	base := time.Date(2025, 9, 10, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, _, _ = s.Apply(ctx, credit("m1", base.AddDate(0, 0, i), "1.00"))
	}
	_, _, _ = s.Apply(ctx, credit("m2", base, "1.00"))

	rows, err := s.ListByMerchant(ctx, "m1", base.AddDate(0, 0, 1), base.AddDate(0, 0, 3))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if !rows[0].Date.After(rows[2].Date) {
		t.Fatalf("expected newest first")
	}
}

func TestMemoryTransactionOutbox(t *testing.T) {
	s := NewMemoryTransactionStore()
	ctx := context.Background()

	tx := &domain.Transaction{ID: uuid.New(), MerchantID: "m1"}
	ev := &domain.OutboxEvent{TransactionID: tx.ID, RoutingKey: "transaction.created", Payload: []byte(`{}`)}
	if err := s.CreateWithOutbox(ctx, tx, ev); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, tx); err != ErrDuplicateTransaction {
		t.Fatalf("expected duplicate error, got %v", err)
	}

	pending, _ := s.Pending(ctx, 10)
	if len(pending) != 1 || pending[0].ID != ev.ID {
		t.Fatalf("unexpected pending: %+v", pending)
	}
	_ = s.MarkPublished(ctx, ev.ID, time.Now())
	if pending, _ = s.Pending(ctx, 10); len(pending) != 0 {
		t.Fatalf("published event still pending")
	}
}
