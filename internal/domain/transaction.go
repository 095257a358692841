package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionType is the wire and storage value of a transaction kind
type TransactionType string

const (
	TransactionDebit  TransactionType = "DEBITO"
	TransactionCredit TransactionType = "CREDITO"
)

// Limits enforced on ingestion and on the envelope
const (
	MaxMerchantIDLength  = 100
	MaxDescriptionLength = 500
	AmountScale          = 2
)

// ParseTransactionType accepts only the exact enum spellings
func ParseTransactionType(s string) (TransactionType, error) {
	switch TransactionType(s) {
	case TransactionDebit, TransactionCredit:
		return TransactionType(s), nil
	default:
		return "", fmt.Errorf("unknown transaction type %q", s)
	}
}

func (t TransactionType) Valid() bool {
	return t == TransactionDebit || t == TransactionCredit
}

// Transaction is immutable once created
type Transaction struct {
	ID          uuid.UUID       `db:"id"`
	MerchantID  string          `db:"merchant_id"`
	Type        TransactionType `db:"type"`
	Amount      decimal.Decimal `db:"amount"`
	DateTime    time.Time       `db:"date_time"`
	Description *string         `db:"description"`
	CreatedAt   time.Time       `db:"created_at"`
}

type transactionJSON struct {
	ID          uuid.UUID       `json:"id"`
	MerchantID  string          `json:"merchantId"`
	Type        TransactionType `json:"type"`
	Amount      json.Number     `json:"amount"`
	DateTime    time.Time       `json:"dateTime"`
	Description *string         `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

func (t Transaction) MarshalJSON() ([]byte, error) {
	return json.Marshal(transactionJSON{
		ID:          t.ID,
		MerchantID:  t.MerchantID,
		Type:        t.Type,
		Amount:      Money(t.Amount),
		DateTime:    t.DateTime.UTC(),
		Description: t.Description,
		CreatedAt:   t.CreatedAt.UTC(),
	})
}
