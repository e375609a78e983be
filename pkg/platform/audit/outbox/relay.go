// Package outbox relays rows from the audit outbox table to a message broker.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tenancy/pkg/platform/audit/store/postgres"
	txcontext "tenancy/pkg/platform/tx"
)

// Producer publishes one message. Implementations must be safe for concurrent use.
type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type entrySource interface {
	FetchUnpublished(ctx context.Context, limit int) ([]postgres.OutboxEntry, error)
	MarkPublished(ctx context.Context, ids []uuid.UUID, at time.Time) error
}

const defaultBatchSize = 100

// Relay moves outbox rows to the broker at least once.
type Relay struct {
	db        *sql.DB
	source    entrySource
	producer  Producer
	topic     string
	batchSize int
	logger    *slog.Logger
}

type Option func(*Relay)

func WithBatchSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		r.logger = logger
	}
}

func NewRelay(db *sql.DB, source entrySource, producer Producer, topic string, opts ...Option) *Relay {
	r := &Relay{
		db:        db,
		source:    source,
		producer:  producer,
		topic:     topic,
		batchSize: defaultBatchSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunOnce relays a single batch and returns how many rows were published.
// Rows are marked only after the broker acknowledged them; a failure midway
// marks the acknowledged prefix and leaves the rest for the next pass.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin outbox tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	txCtx := txcontext.WithTx(ctx, tx)

	entries, err := r.source.FetchUnpublished(txCtx, r.batchSize)
	if err != nil {
		return 0, err
	}

	published := make([]uuid.UUID, 0, len(entries))
	var publishErr error
	for _, e := range entries {
		if err := r.producer.Publish(ctx, r.topic, []byte(e.AggregateID), e.Payload); err != nil {
			publishErr = fmt.Errorf("publish outbox entry %s: %w", e.ID, err)
			break
		}
		published = append(published, e.ID)
	}

	if err := r.source.MarkPublished(txCtx, published, time.Now()); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit outbox tx: %w", err)
	}
	return len(published), publishErr
}

// Run relays batches every interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := r.RunOnce(ctx)
			if err != nil {
				r.logger.WarnContext(ctx, "outbox relay pass failed", "error", err, "published", n)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
