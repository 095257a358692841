// Package event defines the transaction-created envelope carried on the broker
// and its JSON wire codec.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cashflow/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RoutingKeyTransactionCreated is the routing key the fact exchange binds on
const RoutingKeyTransactionCreated = "transaction.created"

// ErrPoison marks payloads that can never be processed, whatever the retry count
var ErrPoison = errors.New("poison message")

// TransactionCreated is a complete projection of a Transaction at creation time
type TransactionCreated struct {
	TransactionID uuid.UUID
	MerchantID    string
	Type          domain.TransactionType
	Amount        decimal.Decimal
	DateTime      time.Time
	CreatedAt     time.Time
}

// FromTransaction projects a persisted transaction into its event
func FromTransaction(tx domain.Transaction) TransactionCreated {
	return TransactionCreated{
		TransactionID: tx.ID,
		MerchantID:    tx.MerchantID,
		Type:          tx.Type,
		Amount:        tx.Amount,
		DateTime:      tx.DateTime.UTC(),
		CreatedAt:     tx.CreatedAt.UTC(),
	}
}

type outgoing struct {
	TransactionID string      `json:"transactionId"`
	MerchantID    string      `json:"merchantId"`
	Type          string      `json:"type"`
	Amount        json.Number `json:"amount"`
	DateTime      string      `json:"dateTime"`
	CreatedAt     string      `json:"createdAt"`
}

// incoming uses pointers so absent fields are distinguishable from zero values
type incoming struct {
	TransactionID *string         `json:"transactionId"`
	MerchantID    *string         `json:"merchantId"`
	Type          *string         `json:"type"`
	Amount        json.RawMessage `json:"amount"`
	DateTime      *string         `json:"dateTime"`
	CreatedAt     *string         `json:"createdAt"`
}

// Encode serializes the event. The amount is written as a JSON number with
// exactly two fractional digits.
func Encode(e TransactionCreated) ([]byte, error) {
	if !e.Type.Valid() {
		return nil, fmt.Errorf("encode event: unknown transaction type %q", e.Type)
	}
	return json.Marshal(outgoing{
		TransactionID: e.TransactionID.String(),
		MerchantID:    e.MerchantID,
		Type:          string(e.Type),
		Amount:        domain.Money(e.Amount),
		DateTime:      e.DateTime.UTC().Format(time.RFC3339Nano),
		CreatedAt:     e.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}

// Decode parses a payload. Every failure wraps ErrPoison. Unknown fields are ignored.
func Decode(payload []byte) (TransactionCreated, error) {
	var in incoming
	if err := json.Unmarshal(payload, &in); err != nil {
		return TransactionCreated{}, poison("malformed json: %v", err)
	}

	var out TransactionCreated

	if in.TransactionID == nil {
		return out, missing("transactionId")
	}
	id, err := uuid.Parse(*in.TransactionID)
	if err != nil || id == uuid.Nil {
		return out, poison("invalid transactionId %q", *in.TransactionID)
	}
	out.TransactionID = id

	if in.MerchantID == nil {
		return out, missing("merchantId")
	}
	merchant := strings.TrimSpace(*in.MerchantID)
	if merchant == "" || len(merchant) > domain.MaxMerchantIDLength {
		return out, poison("invalid merchantId %q", *in.MerchantID)
	}
	out.MerchantID = merchant

	if in.Type == nil {
		return out, missing("type")
	}
	kind, err := domain.ParseTransactionType(*in.Type)
	if err != nil {
		return out, poison("%v", err)
	}
	out.Type = kind

	amount, err := decodeAmount(in.Amount)
	if err != nil {
		return out, err
	}
	out.Amount = amount

	if in.DateTime == nil {
		return out, missing("dateTime")
	}
	if out.DateTime, err = parseInstant(*in.DateTime); err != nil {
		return out, poison("invalid dateTime %q", *in.DateTime)
	}

	if in.CreatedAt == nil {
		return out, missing("createdAt")
	}
	if out.CreatedAt, err = parseInstant(*in.CreatedAt); err != nil {
		return out, poison("invalid createdAt %q", *in.CreatedAt)
	}

	return out, nil
}

// decodeAmount accepts a JSON number or a numeric string
func decodeAmount(raw json.RawMessage) (decimal.Decimal, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return decimal.Decimal{}, missing("amount")
	}

	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return decimal.Decimal{}, poison("malformed amount %s", raw)
		}
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(text))
	if err != nil {
		return decimal.Decimal{}, poison("malformed amount %s", raw)
	}
	if !amount.IsPositive() {
		return decimal.Decimal{}, poison("amount must be positive, got %s", amount)
	}
	if !amount.Equal(amount.Truncate(domain.AmountScale)) {
		return decimal.Decimal{}, poison("amount %s exceeds %d fractional digits", amount, domain.AmountScale)
	}
	return amount, nil
}

// zone-less timestamps are read as UTC
func parseInstant(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	return time.ParseInLocation("2006-01-02T15:04:05.999999999", s, time.UTC)
}

func missing(field string) error {
	return poison("missing required field %s", field)
}

func poison(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPoison, fmt.Sprintf(format, args...))
}
