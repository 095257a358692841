package repository

import (
	"context"
	"time"

	"cashflow/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OutboxRepository handles outbox_events rows
type OutboxRepository struct {
	db *pgxpool.Pool
}

func NewOutboxRepository(db *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// CreateWithTx inserts a pending event within a transaction
func (r *OutboxRepository) CreateWithTx(ctx context.Context, tx pgx.Tx, ev *domain.OutboxEvent) error {
	return tx.QueryRow(ctx, `
		INSERT INTO outbox_events (transaction_id, routing_key, payload)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, ev.TransactionID, ev.RoutingKey, ev.Payload).Scan(&ev.ID, &ev.CreatedAt)
}

// Pending returns unpublished live events, oldest first
func (r *OutboxRepository) Pending(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, transaction_id, routing_key, payload, attempts, created_at
		FROM outbox_events
		WHERE published_at IS NULL AND dead_at IS NULL
		ORDER BY id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.OutboxEvent
	for rows.Next() {
		var ev domain.OutboxEvent
		if err := rows.Scan(&ev.ID, &ev.TransactionID, &ev.RoutingKey, &ev.Payload, &ev.Attempts, &ev.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// MarkPublished stamps the event as delivered to the broker
func (r *OutboxRepository) MarkPublished(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE outbox_events SET published_at = $2, attempts = attempts + 1
		WHERE id = $1 AND published_at IS NULL
	`, id, at)
	return err
}

// MarkFailed records one more unsuccessful publish attempt
func (r *OutboxRepository) MarkFailed(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `UPDATE outbox_events SET attempts = attempts + 1 WHERE id = $1`, id)
	return err
}

// MarkDead takes the event out of the relay for good
func (r *OutboxRepository) MarkDead(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE outbox_events SET dead_at = $2
		WHERE id = $1 AND published_at IS NULL AND dead_at IS NULL
	`, id, at)
	return err
}
