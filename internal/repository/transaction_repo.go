package repository

import (
	"context"
	"errors"

	"cashflow/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type TransactionRepository struct {
	db     *pgxpool.Pool
	outbox *OutboxRepository
}

func NewTransactionRepository(db *pgxpool.Pool) *TransactionRepository {
	return &TransactionRepository{db: db, outbox: NewOutboxRepository(db)}
}

// Create inserts a new transaction
func (r *TransactionRepository) Create(ctx context.Context, tx *domain.Transaction) error {
	return r.CreateWithTx(ctx, nil, tx)
}

// CreateWithTx inserts a transaction using an existing database transaction,
// or the pool when dbTx is nil
func (r *TransactionRepository) CreateWithTx(ctx context.Context, dbTx pgx.Tx, tx *domain.Transaction) error {
	const q = `INSERT INTO transactions (id, merchant_id, type, amount, date_time, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at`

	args := []any{tx.ID, tx.MerchantID, string(tx.Type), tx.Amount, tx.DateTime, tx.Description, tx.CreatedAt}
	if dbTx != nil {
		return dbTx.QueryRow(ctx, q, args...).Scan(&tx.CreatedAt)
	}
	return r.db.QueryRow(ctx, q, args...).Scan(&tx.CreatedAt)
}

// CreateWithOutbox writes the transaction and its pending event atomically
func (r *TransactionRepository) CreateWithOutbox(ctx context.Context, tx *domain.Transaction, ev *domain.OutboxEvent) error {
	dbTx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = dbTx.Rollback(ctx) }()

	if err := r.CreateWithTx(ctx, dbTx, tx); err != nil {
		return err
	}
	if err := r.outbox.CreateWithTx(ctx, dbTx, ev); err != nil {
		return err
	}

	return dbTx.Commit(ctx)
}

// GetByID returns nil, nil when the transaction does not exist
func (r *TransactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	var (
		tx   domain.Transaction
		kind string
	)
	err := r.db.QueryRow(ctx,
		`SELECT id, merchant_id, type, amount, date_time, description, created_at
		 FROM transactions
		 WHERE id = $1`,
		id,
	).Scan(&tx.ID, &tx.MerchantID, &kind, &tx.Amount, &tx.DateTime, &tx.Description, &tx.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	tx.Type = domain.TransactionType(kind)
	tx.DateTime = tx.DateTime.UTC()
	tx.CreatedAt = tx.CreatedAt.UTC()
	return &tx, nil
}
