// Package store keeps tasks in PostgreSQL.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"delogo/task"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS delogo_tasks (
	id                 BIGSERIAL PRIMARY KEY,
	user_id            TEXT        NOT NULL,
	task_id            TEXT        NOT NULL UNIQUE,
	external_job_id    TEXT        NOT NULL DEFAULT '',
	status             TEXT        NOT NULL,
	input_ref          TEXT        NOT NULL,
	result_ref         TEXT,
	original_name      TEXT        NOT NULL DEFAULT '',
	regions            JSONB       NOT NULL,
	credit_cost        INTEGER     NOT NULL DEFAULT 0,
	actual_credit_cost INTEGER     NOT NULL DEFAULT 0,
	is_free            BOOLEAN     NOT NULL DEFAULT FALSE,
	credit_processed   BOOLEAN     NOT NULL DEFAULT FALSE,
	retry_count        INTEGER     NOT NULL DEFAULT 0,
	max_retries        INTEGER     NOT NULL DEFAULT 3,
	next_retry_at      TIMESTAMPTZ,
	started_at         TIMESTAMPTZ,
	completed_at       TIMESTAMPTZ,
	expires_at         TIMESTAMPTZ,
	synced_at          TIMESTAMPTZ,
	message            TEXT        NOT NULL DEFAULT '',
	error_details      JSONB,
	version            BIGINT      NOT NULL DEFAULT 1,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS delogo_tasks_status_idx ON delogo_tasks (status);
CREATE INDEX IF NOT EXISTS delogo_tasks_retry_idx ON delogo_tasks (next_retry_at) WHERE status = 'failed';
CREATE INDEX IF NOT EXISTS delogo_tasks_expiry_idx ON delogo_tasks (expires_at) WHERE status = 'processing';
`

const columns = `id, user_id, task_id, external_job_id, status, input_ref, result_ref, original_name,
	regions, credit_cost, actual_credit_cost, is_free, credit_processed, retry_count, max_retries,
	next_retry_at, started_at, completed_at, expires_at, synced_at, message, error_details,
	version, created_at, updated_at`

type Postgres struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewPostgres(db *pgxpool.Pool, logger *zap.Logger) *Postgres {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{db: db, logger: logger}
}

// Connect opens a pool and checks that the database answers.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (p *Postgres) Create(ctx context.Context, t *task.Task) error {
	regions, details, err := encodeJSON(t)
	if err != nil {
		return err
	}
	row := p.db.QueryRow(ctx, `
		INSERT INTO delogo_tasks (user_id, task_id, external_job_id, status, input_ref, result_ref, original_name,
			regions, credit_cost, actual_credit_cost, is_free, credit_processed, retry_count, max_retries,
			next_retry_at, started_at, completed_at, expires_at, synced_at, message, error_details,
			version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21,
			1, NOW(), NOW())
		RETURNING id, version, created_at, updated_at
	`, t.UserID, t.TaskID, t.ExternalJobID, string(t.Status), t.InputRef, t.ResultRef, t.OriginalName,
		regions, t.CreditCost, t.ActualCreditCost, t.IsFree, t.CreditProcessed, t.RetryCount, t.MaxRetries,
		t.NextRetryAt, t.StartedAt, t.CompletedAt, t.ExpiresAt, t.SyncedAt, t.Message, details)

	if err := row.Scan(&t.ID, &t.Version, &t.CreatedAt, &t.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return task.ErrDuplicateTaskID
		}
		return fmt.Errorf("insert task %s: %w", t.TaskID, err)
	}
	return nil
}

func (p *Postgres) GetByTaskID(ctx context.Context, taskID string) (*task.Task, error) {
	row := p.db.QueryRow(ctx, `SELECT `+columns+` FROM delogo_tasks WHERE task_id=$1`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return t, nil
}

// Update writes the full record guarded by the version column.
func (p *Postgres) Update(ctx context.Context, t *task.Task) error {
	regions, details, err := encodeJSON(t)
	if err != nil {
		return err
	}
	tag, err := p.db.Exec(ctx, `
		UPDATE delogo_tasks SET
			external_job_id=$3, status=$4, result_ref=$5, regions=$6, credit_cost=$7,
			actual_credit_cost=$8, is_free=$9, credit_processed=$10, retry_count=$11, max_retries=$12,
			next_retry_at=$13, started_at=$14, completed_at=$15, expires_at=$16, synced_at=$17,
			message=$18, error_details=$19, version=version+1, updated_at=NOW()
		WHERE task_id=$1 AND version=$2
	`, t.TaskID, t.Version, t.ExternalJobID, string(t.Status), t.ResultRef, regions, t.CreditCost,
		t.ActualCreditCost, t.IsFree, t.CreditProcessed, t.RetryCount, t.MaxRetries,
		t.NextRetryAt, t.StartedAt, t.CompletedAt, t.ExpiresAt, t.SyncedAt,
		t.Message, details)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.TaskID, err)
	}
	if tag.RowsAffected() == 1 {
		t.Version++
		t.UpdatedAt = time.Now()
		return nil
	}

	var exists bool
	if err := p.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM delogo_tasks WHERE task_id=$1)`, t.TaskID).Scan(&exists); err != nil {
		return fmt.Errorf("check task %s: %w", t.TaskID, err)
	}
	if !exists {
		return task.ErrNotFound
	}
	return task.ErrConflict
}

func (p *Postgres) ListProcessing(ctx context.Context) ([]*task.Task, error) {
	return p.list(ctx, `WHERE status='processing' ORDER BY id`)
}

func (p *Postgres) ListRetryEligible(ctx context.Context, now time.Time) ([]*task.Task, error) {
	return p.list(ctx, `WHERE status='failed' AND retry_count < max_retries
		AND next_retry_at IS NOT NULL AND next_retry_at <= $1 ORDER BY next_retry_at`, now)
}

func (p *Postgres) ListExpiredProcessing(ctx context.Context, now time.Time) ([]*task.Task, error) {
	return p.list(ctx, `WHERE status='processing' AND expires_at < $1 ORDER BY expires_at`, now)
}

func (p *Postgres) ListUnbilled(ctx context.Context) ([]*task.Task, error) {
	return p.list(ctx, `WHERE status='completed' AND NOT credit_processed AND NOT is_free ORDER BY id`)
}

func (p *Postgres) CountByStatus(ctx context.Context) (map[task.Status]int, error) {
	rows, err := p.db.Query(ctx, `SELECT status, COUNT(*) FROM delogo_tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[task.Status]int)
	for rows.Next() {
		var raw string
		var n int
		if err := rows.Scan(&raw, &n); err != nil {
			return nil, err
		}
		st, err := task.ParseStatus(raw)
		if err != nil {
			p.logger.Warn("unknown stored status", zap.String("status", raw))
			continue
		}
		counts[st] += n
	}
	return counts, rows.Err()
}

func (p *Postgres) list(ctx context.Context, where string, args ...any) ([]*task.Task, error) {
	rows, err := p.db.Query(ctx, `SELECT `+columns+` FROM delogo_tasks `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(row pgx.Row) (*task.Task, error) {
	var (
		t       task.Task
		status  string
		regions []byte
		details []byte
	)
	err := row.Scan(
		&t.ID, &t.UserID, &t.TaskID, &t.ExternalJobID, &status, &t.InputRef, &t.ResultRef, &t.OriginalName,
		&regions, &t.CreditCost, &t.ActualCreditCost, &t.IsFree, &t.CreditProcessed, &t.RetryCount, &t.MaxRetries,
		&t.NextRetryAt, &t.StartedAt, &t.CompletedAt, &t.ExpiresAt, &t.SyncedAt, &t.Message, &details,
		&t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if t.Status, err = task.ParseStatus(status); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(regions, &t.Regions); err != nil {
		return nil, fmt.Errorf("decode regions of %s: %w", t.TaskID, err)
	}
	if len(details) > 0 {
		var d task.ErrorDetails
		if err := json.Unmarshal(details, &d); err != nil {
			return nil, fmt.Errorf("decode error details of %s: %w", t.TaskID, err)
		}
		t.ErrorDetails = &d
	}
	return &t, nil
}

func encodeJSON(t *task.Task) (regions, details []byte, err error) {
	regions, err = json.Marshal(t.Regions)
	if err != nil {
		return nil, nil, fmt.Errorf("encode regions: %w", err)
	}
	if t.ErrorDetails != nil {
		details, err = json.Marshal(t.ErrorDetails)
		if err != nil {
			return nil, nil, fmt.Errorf("encode error details: %w", err)
		}
	}
	return regions, details, nil
}
