package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/idempotency"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/pkg/clock"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LedgerRepository implements idempotency.Ledger over the processed_events table.
type LedgerRepository struct {
	pool  *pgxpool.Pool
	node  string
	clock clock.Clock
}

func NewLedgerRepository(pool *pgxpool.Pool, node string, clk clock.Clock) *LedgerRepository {
	return &LedgerRepository{pool: pool, node: node, clock: clk}
}

func (r *LedgerRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

// TryBeginProcessing inserts the ledger row. The primary key on event_id makes
// the insert the arbiter between concurrent deliveries of the same event.
func (r *LedgerRepository) TryBeginProcessing(ctx context.Context, eventID, eventType string) (bool, *idempotency.Record, error) {
	tag, err := r.db(ctx).Exec(ctx,
		`INSERT INTO processed_events (event_id, event_type, processed, success, processing_node, created_at)
		 VALUES ($1, $2, FALSE, FALSE, $3, $4)
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType, r.node, r.clock.Now(),
	)
	if err != nil {
		return false, nil, fmt.Errorf("claim event %s: %w", eventID, err)
	}
	if tag.RowsAffected() == 1 {
		return false, nil, nil
	}

	prior, err := r.Get(ctx, eventID)
	if err != nil {
		return true, nil, err
	}
	return true, prior, nil
}

func (r *LedgerRepository) MarkProcessed(ctx context.Context, eventID string, success bool, durationMs int64, errMsg string) error {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE processed_events
		 SET processed = TRUE, success = $1, processing_time_ms = $2, error_message = $3, processed_at = $4
		 WHERE event_id = $5`,
		success, durationMs, errMsg, r.clock.Now(), eventID,
	)
	if err != nil {
		return fmt.Errorf("mark event %s processed: %w", eventID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark event %s processed: no ledger row", eventID)
	}
	return nil
}

// Get returns the ledger row for eventID, or nil when the event is unknown.
func (r *LedgerRepository) Get(ctx context.Context, eventID string) (*idempotency.Record, error) {
	rec := &idempotency.Record{}
	err := r.db(ctx).QueryRow(ctx,
		`SELECT event_id, event_type, processed, success, processing_time_ms, error_message,
		        processing_node, created_at, processed_at
		 FROM processed_events WHERE event_id = $1`, eventID,
	).Scan(&rec.EventID, &rec.EventType, &rec.Processed, &rec.Success, &rec.ProcessingTimeMs,
		&rec.ErrorMessage, &rec.ProcessingNode, &rec.CreatedAt, &rec.ProcessedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get ledger record: %w", err)
	}
	return rec, nil
}

func (r *LedgerRepository) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.db(ctx).Exec(ctx, `DELETE FROM processed_events WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("cleanup processed events: %w", err)
	}
	return tag.RowsAffected(), nil
}
