package domain

import (
	"time"

	"github.com/google/uuid"
)

// OutboxEvent is a pending broker message written in the same database
// transaction as the Transaction it describes.
type OutboxEvent struct {
	ID            int64      `db:"id" json:"id"`
	TransactionID uuid.UUID  `db:"transaction_id" json:"transaction_id"`
	RoutingKey    string     `db:"routing_key" json:"routing_key"`
	Payload       []byte     `db:"payload" json:"-"`
	Attempts      int        `db:"attempts" json:"attempts"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	PublishedAt   *time.Time `db:"published_at" json:"published_at,omitempty"`
	DeadAt        *time.Time `db:"dead_at" json:"dead_at,omitempty"`
}
