package service

import (
	"context"
	"time"

	"cashflow/internal/domain"
	"cashflow/internal/event"
	"cashflow/internal/logger"
	"cashflow/internal/metrics"
)

// OutboxStore exposes the pending outbox rows
type OutboxStore interface {
	Pending(ctx context.Context, limit int) ([]domain.OutboxEvent, error)
	MarkPublished(ctx context.Context, id int64, at time.Time) error
	MarkFailed(ctx context.Context, id int64) error
	MarkDead(ctx context.Context, id int64, at time.Time) error
}

// OutboxRelay republishes events whose immediate publish did not succeed.
// A row is published at least once; the consumer drops repeats by transaction id.
type OutboxRelay struct {
	store     OutboxStore
	publisher EventPublisher
	interval  time.Duration
	batchSize int
	done      chan struct{}
}

func NewOutboxRelay(store OutboxStore, publisher EventPublisher, interval time.Duration, batchSize int) *OutboxRelay {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &OutboxRelay{
		store:     store,
		publisher: publisher,
		interval:  interval,
		batchSize: batchSize,
		done:      make(chan struct{}),
	}
}

// Start runs the relay loop until ctx is cancelled
func (r *OutboxRelay) Start(ctx context.Context) {
	go func() {
		defer close(r.done)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.RelayOnce(ctx); err != nil && ctx.Err() == nil {
					logger.Error("outbox relay pass failed", "error", err)
				}
			}
		}
	}()
}

// Done is closed once the loop started by Start has exited
func (r *OutboxRelay) Done() <-chan struct{} { return r.done }

// RelayOnce publishes one batch of pending rows and returns how many succeeded.
// It stops at the first publish failure since the broker is likely unavailable.
func (r *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	pending, err := r.store.Pending(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}

	published, dead := 0, 0
	for _, row := range pending {
		evt, err := event.Decode(row.Payload)
		if err != nil {
			// never publish what the consumer would dead-letter
			logger.Error("outbox row is not a valid event, marking dead", "error", err, "outbox_id", row.ID)
			if err := r.store.MarkDead(ctx, row.ID, time.Now().UTC()); err != nil {
				return published, err
			}
			dead++
			continue
		}

		if err := r.publisher.Publish(ctx, evt, row.RoutingKey); err != nil {
			metrics.PublishFailures.Inc()
			_ = r.store.MarkFailed(ctx, row.ID)
			metrics.OutboxPending.Set(float64(len(pending) - published - dead))
			return published, err
		}

		if err := r.store.MarkPublished(ctx, row.ID, time.Now().UTC()); err != nil {
			return published, err
		}
		published++
	}

	metrics.OutboxPending.Set(float64(len(pending) - published - dead))
	if published > 0 {
		logger.Info("outbox relay published events", "count", published)
	}
	return published, nil
}
