package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DateLayout is the calendar-day format used in queries and storage keys
const DateLayout = "2006-01-02"

// DailyConsolidation is the per-merchant, per-UTC-day aggregate.
// NetBalance is always TotalCredits - TotalDebits.
type DailyConsolidation struct {
	ID               uuid.UUID       `db:"id"`
	MerchantID       string          `db:"merchant_id"`
	Date             time.Time       `db:"date"`
	TotalDebits      decimal.Decimal `db:"total_debits"`
	TotalCredits     decimal.Decimal `db:"total_credits"`
	NetBalance       decimal.Decimal `db:"net_balance"`
	TransactionCount int             `db:"transaction_count"`
	LastUpdated      time.Time       `db:"last_updated"`
}

type consolidationJSON struct {
	MerchantID       string      `json:"merchantId"`
	Date             string      `json:"date"`
	TotalDebits      json.Number `json:"totalDebits"`
	TotalCredits     json.Number `json:"totalCredits"`
	NetBalance       json.Number `json:"netBalance"`
	TransactionCount int         `json:"transactionCount"`
	LastUpdated      time.Time   `json:"lastUpdated"`
}

// MarshalJSON renders money as JSON numbers with two decimals
func (c DailyConsolidation) MarshalJSON() ([]byte, error) {
	return json.Marshal(consolidationJSON{
		MerchantID:       c.MerchantID,
		Date:             c.DateString(),
		TotalDebits:      Money(c.TotalDebits),
		TotalCredits:     Money(c.TotalCredits),
		NetBalance:       Money(c.NetBalance),
		TransactionCount: c.TransactionCount,
		LastUpdated:      c.LastUpdated.UTC(),
	})
}

// Money formats an amount as a fixed two-decimal JSON number
func Money(d decimal.Decimal) json.Number {
	return json.Number(d.StringFixed(AmountScale))
}

// DateString returns the calendar day as YYYY-MM-DD
func (c DailyConsolidation) DateString() string {
	return c.Date.Format(DateLayout)
}

// ConsolidationDelta is one event's contribution to a (merchant, date) row.
// Exactly one of Debit and Credit is non-zero.
type ConsolidationDelta struct {
	TransactionID uuid.UUID
	MerchantID    string
	Date          time.Time
	Debit         decimal.Decimal
	Credit        decimal.Decimal
	AppliedAt     time.Time
}

// DayOf truncates an instant to the UTC calendar day it falls on
func DayOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDay parses YYYY-MM-DD into a UTC midnight
func ParseDay(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

// Accumulate folds a delta into the row and recomputes the derived fields
func (c *DailyConsolidation) Accumulate(d ConsolidationDelta) {
	c.TotalDebits = c.TotalDebits.Add(d.Debit)
	c.TotalCredits = c.TotalCredits.Add(d.Credit)
	c.NetBalance = c.TotalCredits.Sub(c.TotalDebits)
	c.TransactionCount++
	c.LastUpdated = d.AppliedAt.UTC()
}
