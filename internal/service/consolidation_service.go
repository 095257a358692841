package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"cashflow/internal/domain"
	"cashflow/internal/event"
	"cashflow/internal/logger"
)

// MaxListRangeDays bounds ListConsolidations
const MaxListRangeDays = 366

// ConsolidationStore owns the per-(merchant, date) rows. Apply must perform
// the whole read-modify-write atomically for its key and must skip a
// transaction id it has already applied.
type ConsolidationStore interface {
	Apply(ctx context.Context, d domain.ConsolidationDelta) (domain.DailyConsolidation, bool, error)
	GetByMerchantAndDate(ctx context.Context, merchantID string, date time.Time) (*domain.DailyConsolidation, error)
	ListByMerchant(ctx context.Context, merchantID string, from, to time.Time) ([]domain.DailyConsolidation, error)
}

// ApplyResult reports the row after an event was handled
type ApplyResult struct {
	Consolidation domain.DailyConsolidation
	Duplicate     bool
}

// ConsolidationService applies transaction events to daily aggregates and serves reads
type ConsolidationService struct {
	store ConsolidationStore
	now   func() time.Time

	mu        sync.RWMutex
	listeners []func(domain.DailyConsolidation)
}

func NewConsolidationService(store ConsolidationStore) *ConsolidationService {
	return &ConsolidationService{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// OnApplied registers a callback invoked after every successful, non-duplicate apply
func (s *ConsolidationService) OnApplied(fn func(domain.DailyConsolidation)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Delta converts an event into its contribution to the (merchant, UTC day) row
func Delta(evt event.TransactionCreated, appliedAt time.Time) (domain.ConsolidationDelta, error) {
	d := domain.ConsolidationDelta{
		TransactionID: evt.TransactionID,
		MerchantID:    evt.MerchantID,
		Date:          domain.DayOf(evt.DateTime),
		AppliedAt:     appliedAt.UTC(),
	}
	switch evt.Type {
	case domain.TransactionDebit:
		d.Debit = evt.Amount
	case domain.TransactionCredit:
		d.Credit = evt.Amount
	default:
		return d, fmt.Errorf("%w: unknown transaction type %q", event.ErrPoison, evt.Type)
	}
	return d, nil
}

// ApplyEvent folds one decoded event into its daily consolidation
func (s *ConsolidationService) ApplyEvent(ctx context.Context, evt event.TransactionCreated) (ApplyResult, error) {
	d, err := Delta(evt, s.now())
	if err != nil {
		return ApplyResult{}, err
	}

	row, applied, err := s.store.Apply(ctx, d)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("apply transaction %s: %w", evt.TransactionID, err)
	}

	log := logger.FromContext(ctx).With("merchant_id", row.MerchantID, "date", row.DateString(), "transaction_id", evt.TransactionID.String())
	if !applied {
		log.Info("transaction already consolidated, skipping", "transaction_count", row.TransactionCount)
		return ApplyResult{Consolidation: row, Duplicate: true}, nil
	}

	log.Info("consolidation updated",
		"net_balance", row.NetBalance.StringFixed(domain.AmountScale),
		"transaction_count", row.TransactionCount,
	)

	s.mu.RLock()
	listeners := s.listeners
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(row)
	}

	return ApplyResult{Consolidation: row}, nil
}

// GetDailyConsolidation returns ErrNotFound until an event for the key has been applied
func (s *ConsolidationService) GetDailyConsolidation(ctx context.Context, merchantID string, date time.Time) (*domain.DailyConsolidation, error) {
	merchantID = strings.TrimSpace(merchantID)
	if merchantID == "" {
		return nil, fmt.Errorf("%w: merchantId is required", ErrValidation)
	}

	c, err := s.store.GetByMerchantAndDate(ctx, merchantID, domain.DayOf(date))
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrNotFound
	}
	return c, nil
}

// ListConsolidations returns the rows for from..to inclusive, newest first
func (s *ConsolidationService) ListConsolidations(ctx context.Context, merchantID string, from, to time.Time) ([]domain.DailyConsolidation, error) {
	merchantID = strings.TrimSpace(merchantID)
	if merchantID == "" {
		return nil, fmt.Errorf("%w: merchantId is required", ErrValidation)
	}

	from, to = domain.DayOf(from), domain.DayOf(to)
	if to.Before(from) {
		return nil, fmt.Errorf("%w: to is before from", ErrInvalidRange)
	}
	if to.Sub(from) > MaxListRangeDays*24*time.Hour {
		return nil, fmt.Errorf("%w: range exceeds %d days", ErrInvalidRange, MaxListRangeDays)
	}

	rows, err := s.store.ListByMerchant(ctx, merchantID, from, to)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []domain.DailyConsolidation{}
	}
	return rows, nil
}
