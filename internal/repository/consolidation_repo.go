package repository

import (
	"context"
	"errors"
	"time"

	"cashflow/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ConsolidationRepository stores daily_consolidations and the
// applied_transactions ledger used to skip redelivered events
type ConsolidationRepository struct {
	db *pgxpool.Pool
}

func NewConsolidationRepository(db *pgxpool.Pool) *ConsolidationRepository {
	return &ConsolidationRepository{db: db}
}

// The ledger insert and the upsert run as one statement: a transaction id that
// is already in applied_transactions yields no row from the CTE, so the upsert
// inserts nothing and RETURNING is empty.
const applyDeltaSQL = `
WITH applied AS (
	INSERT INTO applied_transactions (transaction_id, merchant_id, date, applied_at)
	VALUES ($1, $2, $3, $7)
	ON CONFLICT (transaction_id) DO NOTHING
	RETURNING transaction_id
)
INSERT INTO daily_consolidations AS dc
	(id, merchant_id, date, total_debits, total_credits, net_balance, transaction_count, last_updated)
SELECT $4::uuid, $2::varchar, $3::date, $5::numeric, $6::numeric, $6::numeric - $5::numeric, 1, $7::timestamptz
FROM applied
ON CONFLICT (merchant_id, date) DO UPDATE SET
	total_debits      = dc.total_debits + EXCLUDED.total_debits,
	total_credits     = dc.total_credits + EXCLUDED.total_credits,
	net_balance       = (dc.total_credits + EXCLUDED.total_credits) - (dc.total_debits + EXCLUDED.total_debits),
	transaction_count = dc.transaction_count + 1,
	last_updated      = EXCLUDED.last_updated
RETURNING id, merchant_id, date, total_debits, total_credits, net_balance, transaction_count, last_updated`

const consolidationColumns = `id, merchant_id, date, total_debits, total_credits, net_balance, transaction_count, last_updated`

// Apply folds one event into its (merchant, date) row. applied is false when
// the transaction had already been folded in; the current row is returned either way.
func (r *ConsolidationRepository) Apply(ctx context.Context, d domain.ConsolidationDelta) (domain.DailyConsolidation, bool, error) {
	row := r.db.QueryRow(ctx, applyDeltaSQL,
		d.TransactionID, d.MerchantID, d.Date, uuid.New(), d.Debit, d.Credit, d.AppliedAt,
	)

	c, err := scanConsolidation(row)
	if err == nil {
		return c, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.DailyConsolidation{}, false, err
	}

	existing, err := r.GetByMerchantAndDate(ctx, d.MerchantID, d.Date)
	if err != nil {
		return domain.DailyConsolidation{}, false, err
	}
	if existing == nil {
		// ledger row exists but the aggregate does not: the key was never created
		return domain.DailyConsolidation{}, false, errors.New("applied transaction without consolidation row")
	}
	return *existing, false, nil
}

// GetByMerchantAndDate returns nil, nil when no event has been applied for the key
func (r *ConsolidationRepository) GetByMerchantAndDate(ctx context.Context, merchantID string, date time.Time) (*domain.DailyConsolidation, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+consolidationColumns+`
		FROM daily_consolidations
		WHERE merchant_id = $1 AND date = $2
	`, merchantID, date)

	c, err := scanConsolidation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// ListByMerchant returns rows with from <= date <= to, newest first
func (r *ConsolidationRepository) ListByMerchant(ctx context.Context, merchantID string, from, to time.Time) ([]domain.DailyConsolidation, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+consolidationColumns+`
		FROM daily_consolidations
		WHERE merchant_id = $1 AND date >= $2 AND date <= $3
		ORDER BY date DESC
	`, merchantID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.DailyConsolidation
	for rows.Next() {
		c, err := scanConsolidation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func scanConsolidation(row pgx.Row) (domain.DailyConsolidation, error) {
	var c domain.DailyConsolidation
	err := row.Scan(
		&c.ID, &c.MerchantID, &c.Date, &c.TotalDebits, &c.TotalCredits,
		&c.NetBalance, &c.TransactionCount, &c.LastUpdated,
	)
	if err != nil {
		return c, err
	}
	c.Date = domain.DayOf(c.Date)
	c.LastUpdated = c.LastUpdated.UTC()
	return c, nil
}
