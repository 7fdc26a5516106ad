package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	domainErrors "github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/errors"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/saga"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/trace"
)

const sagaColumns = `saga_id, saga_type, status, current_step, user_id, correlation_id, original_event_id,
	context, retry_count, max_retry_count, start_time, end_time, timeout_at, last_heartbeat,
	error_type, error_reason, version, created_at, updated_at`

// SagaRepository implements saga.Repository using PostgreSQL.
type SagaRepository struct {
	pool *pgxpool.Pool
	tx   *TxManager
}

// NewSagaRepository creates a new SagaRepository.
func NewSagaRepository(pool *pgxpool.Pool, tx *TxManager) *SagaRepository {
	return &SagaRepository{pool: pool, tx: tx}
}

func (r *SagaRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

// Create inserts a new saga and its creation transition.
func (r *SagaRepository) Create(ctx context.Context, s *saga.Saga, t saga.Transition) error {
	sagaCtx, err := json.Marshal(s.Context)
	if err != nil {
		return fmt.Errorf("marshal saga context: %w", err)
	}

	return r.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		_, err := r.db(txCtx).Exec(txCtx,
			`INSERT INTO sagas (`+sagaColumns+`)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
			s.ID, string(s.Type), string(s.Status), s.CurrentStep, s.UserID, s.CorrelationID, s.OriginalEventID,
			sagaCtx, s.RetryCount, s.MaxRetryCount, s.StartTime, s.EndTime, s.TimeoutAt, s.LastHeartbeat,
			string(s.ErrorType), s.ErrorReason, s.Version, s.CreatedAt, s.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return domainErrors.ErrDuplicateSaga
			}
			return fmt.Errorf("insert saga: %w", err)
		}
		return r.insertTransition(txCtx, t)
	})
}

// Update writes s guarded by its version and appends t in the same transaction.
func (r *SagaRepository) Update(ctx context.Context, s *saga.Saga, t *saga.Transition) error {
	sagaCtx, err := json.Marshal(s.Context)
	if err != nil {
		return fmt.Errorf("marshal saga context: %w", err)
	}

	err = r.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		tag, err := r.db(txCtx).Exec(txCtx,
			`UPDATE sagas SET
			  status=$1, current_step=$2, context=$3, retry_count=$4, end_time=$5,
			  timeout_at=$6, last_heartbeat=$7, error_type=$8, error_reason=$9,
			  updated_at=$10, version=version+1
			 WHERE saga_id=$11 AND version=$12`,
			string(s.Status), s.CurrentStep, sagaCtx, s.RetryCount, s.EndTime,
			s.TimeoutAt, s.LastHeartbeat, string(s.ErrorType), s.ErrorReason,
			s.UpdatedAt, s.ID, s.Version,
		)
		if err != nil {
			return fmt.Errorf("update saga: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domainErrors.ErrOptimisticLockFailed
		}
		if t == nil {
			return nil
		}
		return r.insertTransition(txCtx, *t)
	})
	if err != nil {
		return err
	}
	s.Version++
	return nil
}

func (r *SagaRepository) insertTransition(ctx context.Context, t saga.Transition) error {
	if t.TraceID == "" {
		if sc := trace.SpanFromContext(ctx).SpanContext(); sc.HasTraceID() {
			t.TraceID = sc.TraceID().String()
		}
	}
	var from *string
	if t.From != "" {
		f := string(t.From)
		from = &f
	}
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO saga_transitions
		 (saga_id, from_status, to_status, transition_time, reason, error_message, retry_count, processing_time_ms, trace_id)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		t.SagaID, from, string(t.To), t.At, t.Reason, t.ErrorMessage, t.RetryCount, t.ProcessingTimeMs, t.TraceID,
	)
	if err != nil {
		return fmt.Errorf("insert saga transition: %w", err)
	}
	return nil
}

// GetByID retrieves a saga by its ID.
func (r *SagaRepository) GetByID(ctx context.Context, id string) (*saga.Saga, error) {
	return scanSaga(r.db(ctx).QueryRow(ctx,
		`SELECT `+sagaColumns+` FROM sagas WHERE saga_id = $1`, id))
}

func (r *SagaRepository) GetByOriginalEvent(ctx context.Context, sagaType saga.Type, eventID string) (*saga.Saga, error) {
	return scanSaga(r.db(ctx).QueryRow(ctx,
		`SELECT `+sagaColumns+` FROM sagas WHERE saga_type = $1 AND original_event_id = $2`,
		string(sagaType), eventID))
}

// GetByCorrelationID returns the most recent saga for a correlation id.
func (r *SagaRepository) GetByCorrelationID(ctx context.Context, correlationID string) (*saga.Saga, error) {
	return scanSaga(r.db(ctx).QueryRow(ctx,
		`SELECT `+sagaColumns+` FROM sagas WHERE correlation_id = $1
		 ORDER BY created_at DESC LIMIT 1`, correlationID))
}

func (r *SagaRepository) ListByUserID(ctx context.Context, userID string) ([]*saga.Saga, error) {
	return r.list(ctx,
		`SELECT `+sagaColumns+` FROM sagas WHERE user_id = $1 ORDER BY created_at DESC`, userID)
}

func (r *SagaRepository) FindTimedOut(ctx context.Context, now time.Time, limit int) ([]*saga.Saga, error) {
	return r.list(ctx,
		`SELECT `+sagaColumns+` FROM sagas
		 WHERE (status IN ('STARTED','IN_PROGRESS','STEP_FAILED','COMPENSATING') AND timeout_at < $1)
		    OR (status = 'TIMEOUT' AND NOT context @> '[{"key":"COMPENSATION_REASON"}]'::jsonb)
		 ORDER BY timeout_at ASC
		 LIMIT $2`, now, limitOrDefault(limit))
}

func (r *SagaRepository) FindRetryable(ctx context.Context, now time.Time, limit int) ([]*saga.Saga, error) {
	return r.list(ctx,
		`SELECT `+sagaColumns+` FROM sagas
		 WHERE status = 'STEP_FAILED' AND error_type = 'TRANSIENT'
		   AND retry_count < max_retry_count AND timeout_at > $1
		 ORDER BY updated_at ASC
		 LIMIT $2`, now, limitOrDefault(limit))
}

func (r *SagaRepository) FindExhausted(ctx context.Context, limit int) ([]*saga.Saga, error) {
	return r.list(ctx,
		`SELECT `+sagaColumns+` FROM sagas
		 WHERE status = 'STEP_FAILED'
		   AND (retry_count >= max_retry_count OR error_type <> 'TRANSIENT')
		 ORDER BY updated_at ASC
		 LIMIT $1`, limitOrDefault(limit))
}

func (r *SagaRepository) ListRecentFailed(ctx context.Context, since time.Time, limit int) ([]*saga.Saga, error) {
	return r.list(ctx,
		`SELECT `+sagaColumns+` FROM sagas
		 WHERE status IN ('STEP_FAILED','COMPENSATED','COMPENSATION_FAILED','TIMEOUT')
		   AND updated_at >= $1
		 ORDER BY updated_at DESC
		 LIMIT $2`, since, limitOrDefault(limit))
}

func (r *SagaRepository) CountActive(ctx context.Context) (map[saga.Type]int64, error) {
	rows, err := r.db(ctx).Query(ctx,
		`SELECT saga_type, COUNT(*) FROM sagas
		 WHERE status IN ('STARTED','IN_PROGRESS','STEP_FAILED','COMPENSATING')
		 GROUP BY saga_type`)
	if err != nil {
		return nil, fmt.Errorf("count active sagas: %w", err)
	}
	defer rows.Close()

	counts := map[saga.Type]int64{saga.TypeRegistration: 0, saga.TypeDeletion: 0}
	for rows.Next() {
		var sagaType string
		var n int64
		if err := rows.Scan(&sagaType, &n); err != nil {
			return nil, fmt.Errorf("scan active count: %w", err)
		}
		counts[saga.Type(sagaType)] = n
	}
	return counts, rows.Err()
}

func (r *SagaRepository) Statistics(ctx context.Context) ([]saga.Stat, error) {
	rows, err := r.db(ctx).Query(ctx,
		`SELECT saga_type, status, COUNT(*) FROM sagas GROUP BY saga_type, status ORDER BY saga_type, status`)
	if err != nil {
		return nil, fmt.Errorf("saga statistics: %w", err)
	}
	defer rows.Close()

	var stats []saga.Stat
	for rows.Next() {
		var st saga.Stat
		var sagaType, status string
		if err := rows.Scan(&sagaType, &status, &st.Count); err != nil {
			return nil, fmt.Errorf("scan saga statistics: %w", err)
		}
		st.Type = saga.Type(sagaType)
		st.Status = saga.Status(status)
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// DeleteTerminalBefore removes terminal sagas created before cutoff. History
// rows go with them through the foreign key cascade.
func (r *SagaRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db(ctx).Exec(ctx,
		`DELETE FROM sagas
		 WHERE status IN ('COMPLETED','COMPENSATED','COMPENSATION_FAILED','TIMEOUT')
		   AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete terminal sagas: %w", err)
	}
	return tag.RowsAffected(), nil
}

// History returns the transitions of a saga in the order they were written.
func (r *SagaRepository) History(ctx context.Context, sagaID string) ([]saga.Transition, error) {
	rows, err := r.db(ctx).Query(ctx,
		`SELECT id, saga_id, from_status, to_status, transition_time, reason, error_message,
		        retry_count, processing_time_ms, trace_id
		 FROM saga_transitions WHERE saga_id = $1 ORDER BY id ASC`, sagaID)
	if err != nil {
		return nil, fmt.Errorf("list saga transitions: %w", err)
	}
	defer rows.Close()

	var out []saga.Transition
	for rows.Next() {
		var t saga.Transition
		var from *string
		var to string
		if err := rows.Scan(&t.ID, &t.SagaID, &from, &to, &t.At, &t.Reason, &t.ErrorMessage,
			&t.RetryCount, &t.ProcessingTimeMs, &t.TraceID); err != nil {
			return nil, fmt.Errorf("scan saga transition: %w", err)
		}
		if from != nil {
			t.From = saga.Status(*from)
		}
		t.To = saga.Status(to)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *SagaRepository) list(ctx context.Context, query string, args ...any) ([]*saga.Saga, error) {
	rows, err := r.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sagas: %w", err)
	}
	defer rows.Close()

	var sagas []*saga.Saga
	for rows.Next() {
		s, err := scanSaga(rows)
		if err != nil {
			return nil, err
		}
		sagas = append(sagas, s)
	}
	return sagas, rows.Err()
}

func scanSaga(row scanner) (*saga.Saga, error) {
	s := &saga.Saga{}
	var (
		sagaType  string
		status    string
		errorType string
		sagaCtx   []byte
	)
	err := row.Scan(
		&s.ID, &sagaType, &status, &s.CurrentStep, &s.UserID, &s.CorrelationID, &s.OriginalEventID,
		&sagaCtx, &s.RetryCount, &s.MaxRetryCount, &s.StartTime, &s.EndTime, &s.TimeoutAt, &s.LastHeartbeat,
		&errorType, &s.ErrorReason, &s.Version, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrSagaNotFound
		}
		return nil, fmt.Errorf("scan saga: %w", err)
	}
	s.Type = saga.Type(sagaType)
	s.Status = saga.Status(status)
	s.ErrorType = saga.ErrorType(errorType)
	if len(sagaCtx) > 0 {
		if err := json.Unmarshal(sagaCtx, &s.Context); err != nil {
			return nil, fmt.Errorf("unmarshal saga context: %w", err)
		}
	}
	return s, nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
