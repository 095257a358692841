package service

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"cashflow/internal/domain"
	"cashflow/internal/event"
	"cashflow/internal/logger"
	"cashflow/internal/metrics"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionStore persists transactions; CreateWithOutbox also writes the
// pending event in the same database transaction
type TransactionStore interface {
	Create(ctx context.Context, tx *domain.Transaction) error
	CreateWithOutbox(ctx context.Context, tx *domain.Transaction, ev *domain.OutboxEvent) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
}

// EventPublisher sends an envelope to the fact exchange
type EventPublisher interface {
	Publish(ctx context.Context, evt event.TransactionCreated, routingKey string) error
}

type TransactionOptions struct {
	RoutingKey     string
	PublishTimeout time.Duration
	// Outbox, when set, receives a pending row for every transaction
	Outbox OutboxStore
}

// TransactionService is the ingestion boundary. Broker failures never reach its callers.
type TransactionService struct {
	store     TransactionStore
	publisher EventPublisher
	opts      TransactionOptions
	now       func() time.Time
}

func NewTransactionService(store TransactionStore, publisher EventPublisher, opts TransactionOptions) *TransactionService {
	if opts.RoutingKey == "" {
		opts.RoutingKey = event.RoutingKeyTransactionCreated
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 2 * time.Second
	}
	return &TransactionService{
		store:     store,
		publisher: publisher,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ValidateTransaction checks the ingestion rules; every error wraps ErrValidation
func ValidateTransaction(merchantID string, kind domain.TransactionType, amount decimal.Decimal, description *string) error {
	merchantID = strings.TrimSpace(merchantID)
	if merchantID == "" {
		return fmt.Errorf("%w: merchantId is required", ErrValidation)
	}
	if len(merchantID) > domain.MaxMerchantIDLength {
		return fmt.Errorf("%w: merchantId exceeds %d characters", ErrValidation, domain.MaxMerchantIDLength)
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: type must be DEBITO or CREDITO", ErrValidation)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be greater than 0", ErrValidation)
	}
	if !amount.Equal(amount.Truncate(domain.AmountScale)) {
		return fmt.Errorf("%w: amount supports at most %d decimal places", ErrValidation, domain.AmountScale)
	}
	if description != nil && utf8.RuneCountInString(*description) > domain.MaxDescriptionLength {
		return fmt.Errorf("%w: description exceeds %d characters", ErrValidation, domain.MaxDescriptionLength)
	}
	return nil
}

// RecordTransaction validates, persists and then publishes the created event.
// Only validation and persistence errors are returned.
func (s *TransactionService) RecordTransaction(ctx context.Context, merchantID string, kind domain.TransactionType, amount decimal.Decimal, description *string) (domain.Transaction, error) {
	if err := ValidateTransaction(merchantID, kind, amount, description); err != nil {
		return domain.Transaction{}, err
	}

	now := s.now()
	tx := domain.Transaction{
		ID:          uuid.New(),
		MerchantID:  strings.TrimSpace(merchantID),
		Type:        kind,
		Amount:      amount,
		DateTime:    now,
		Description: description,
		CreatedAt:   now,
	}
	evt := event.FromTransaction(tx)

	var outboxRow *domain.OutboxEvent
	if s.opts.Outbox != nil {
		payload, err := event.Encode(evt)
		if err != nil {
			return domain.Transaction{}, err
		}
		outboxRow = &domain.OutboxEvent{TransactionID: tx.ID, RoutingKey: s.opts.RoutingKey, Payload: payload}
		if err := s.store.CreateWithOutbox(ctx, &tx, outboxRow); err != nil {
			return domain.Transaction{}, fmt.Errorf("persist transaction: %w", err)
		}
	} else if err := s.store.Create(ctx, &tx); err != nil {
		return domain.Transaction{}, fmt.Errorf("persist transaction: %w", err)
	}

	metrics.TransactionsRecorded.WithLabelValues(string(tx.Type)).Inc()

	// the write is committed; from here on nothing may fail the caller
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.PublishTimeout)
	defer cancel()
	if s.publish(pubCtx, evt) && outboxRow != nil {
		if err := s.opts.Outbox.MarkPublished(pubCtx, outboxRow.ID, s.now()); err != nil {
			logger.Warn("failed to mark outbox event published", "error", err, "outbox_id", outboxRow.ID)
		}
	}

	return tx, nil
}

// GetTransaction returns ErrNotFound when no transaction has the id
func (s *TransactionService) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	tx, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", id, err)
	}
	if tx == nil {
		return nil, ErrNotFound
	}
	return tx, nil
}

func (s *TransactionService) publish(ctx context.Context, evt event.TransactionCreated) (ok bool) {
	if s.publisher == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			metrics.PublishFailures.Inc()
			logger.Error("publisher panicked", "panic", fmt.Sprint(r), "transaction_id", evt.TransactionID.String())
			ok = false
		}
	}()
	if err := s.publisher.Publish(ctx, evt, s.opts.RoutingKey); err != nil {
		metrics.PublishFailures.Inc()
		logger.Error("failed to publish transaction event",
			"error", err,
			"transaction_id", evt.TransactionID.String(),
			"merchant_id", evt.MerchantID,
		)
		return false
	}
	return true
}
