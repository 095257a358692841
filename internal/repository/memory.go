package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"cashflow/internal/domain"

	"github.com/google/uuid"
)

// ErrDuplicateTransaction is returned when a transaction id is inserted twice
var ErrDuplicateTransaction = errors.New("transaction already exists")

type consolidationKey struct {
	merchantID string
	date       string
}

// MemoryConsolidationStore mirrors ConsolidationRepository semantics in process.
// A single mutex makes every Apply one atomic read-modify-write.
type MemoryConsolidationStore struct {
	mu      sync.Mutex
	rows    map[consolidationKey]*domain.DailyConsolidation
	applied map[uuid.UUID]struct{}
}

func NewMemoryConsolidationStore() *MemoryConsolidationStore {
	return &MemoryConsolidationStore{
		rows:    make(map[consolidationKey]*domain.DailyConsolidation),
		applied: make(map[uuid.UUID]struct{}),
	}
}

func (s *MemoryConsolidationStore) Apply(ctx context.Context, d domain.ConsolidationDelta) (domain.DailyConsolidation, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.DailyConsolidation{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	day := domain.DayOf(d.Date)
	key := consolidationKey{merchantID: d.MerchantID, date: day.Format(domain.DateLayout)}

	if _, seen := s.applied[d.TransactionID]; seen {
		if row, ok := s.rows[key]; ok {
			return *row, false, nil
		}
		return domain.DailyConsolidation{}, false, errors.New("applied transaction without consolidation row")
	}

	row, ok := s.rows[key]
	if !ok {
		row = &domain.DailyConsolidation{
			ID:         uuid.New(),
			MerchantID: d.MerchantID,
			Date:       day,
		}
		s.rows[key] = row
	}
	row.Accumulate(d)
	s.applied[d.TransactionID] = struct{}{}

	return *row, true, nil
}

func (s *MemoryConsolidationStore) GetByMerchantAndDate(ctx context.Context, merchantID string, date time.Time) (*domain.DailyConsolidation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[consolidationKey{merchantID: merchantID, date: domain.DayOf(date).Format(domain.DateLayout)}]
	if !ok {
		return nil, nil
	}
	c := *row
	return &c, nil
}

func (s *MemoryConsolidationStore) ListByMerchant(ctx context.Context, merchantID string, from, to time.Time) ([]domain.DailyConsolidation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from, to = domain.DayOf(from), domain.DayOf(to)
	var result []domain.DailyConsolidation
	for key, row := range s.rows {
		if key.merchantID != merchantID || row.Date.Before(from) || row.Date.After(to) {
			continue
		}
		result = append(result, *row)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Date.After(result[j].Date) })
	return result, nil
}

// MemoryTransactionStore keeps transactions and their outbox rows in process
type MemoryTransactionStore struct {
	mu           sync.Mutex
	transactions map[uuid.UUID]domain.Transaction
	outbox       []domain.OutboxEvent
	nextOutboxID int64
}

func NewMemoryTransactionStore() *MemoryTransactionStore {
	return &MemoryTransactionStore{transactions: make(map[uuid.UUID]domain.Transaction)}
}

func (s *MemoryTransactionStore) Create(ctx context.Context, tx *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(tx)
}

func (s *MemoryTransactionStore) CreateWithOutbox(ctx context.Context, tx *domain.Transaction, ev *domain.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.insertLocked(tx); err != nil {
		return err
	}
	s.nextOutboxID++
	ev.ID = s.nextOutboxID
	ev.CreatedAt = time.Now().UTC()
	s.outbox = append(s.outbox, *ev)
	return nil
}

func (s *MemoryTransactionStore) insertLocked(tx *domain.Transaction) error {
	if _, exists := s.transactions[tx.ID]; exists {
		return ErrDuplicateTransaction
	}
	s.transactions[tx.ID] = *tx
	return nil
}

func (s *MemoryTransactionStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[id]
	if !ok {
		return nil, nil
	}
	return &tx, nil
}

// Len reports the number of stored transactions
func (s *MemoryTransactionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transactions)
}

func (s *MemoryTransactionStore) Pending(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []domain.OutboxEvent
	for _, ev := range s.outbox {
		if ev.PublishedAt != nil || ev.DeadAt != nil {
			continue
		}
		pending = append(pending, ev)
		if limit > 0 && len(pending) == limit {
			break
		}
	}
	return pending, nil
}

func (s *MemoryTransactionStore) MarkPublished(ctx context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.outbox {
		if s.outbox[i].ID == id && s.outbox[i].PublishedAt == nil {
			t := at.UTC()
			s.outbox[i].PublishedAt = &t
			s.outbox[i].Attempts++
		}
	}
	return nil
}

func (s *MemoryTransactionStore) MarkFailed(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.outbox {
		if s.outbox[i].ID == id {
			s.outbox[i].Attempts++
		}
	}
	return nil
}

func (s *MemoryTransactionStore) MarkDead(ctx context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.outbox {
		if s.outbox[i].ID == id && s.outbox[i].PublishedAt == nil && s.outbox[i].DeadAt == nil {
			t := at.UTC()
			s.outbox[i].DeadAt = &t
		}
	}
	return nil
}
