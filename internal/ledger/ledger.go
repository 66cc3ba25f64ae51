// Package ledger persists completed-job usage to Postgres. It implements
// limiter.UsageRecorder; the limiter calls it asynchronously after each job
// reaches a terminal state, and write failures never fail jobs.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/quasar/limiter"
)

type Ledger struct {
	pool *pgxpool.Pool
}

var _ limiter.UsageRecorder = (*Ledger)(nil)

// New connects to Postgres and ensures the schema.
func New(ctx context.Context, dsn string) (*Ledger, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	l := &Ledger{pool: pool}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := l.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) Close() error {
	if l.pool != nil {
		l.pool.Close()
	}
	return nil
}

func (l *Ledger) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS job_usage (
			job_id TEXT PRIMARY KEY,
			job_type TEXT NOT NULL,
			model_used TEXT NOT NULL,
			usage JSONB NOT NULL,
			total_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			delegations INTEGER NOT NULL DEFAULT 0,
			success BOOLEAN NOT NULL DEFAULT TRUE,
			error_message TEXT,
			completed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_usage_job_type ON job_usage(job_type)`,
		`CREATE INDEX IF NOT EXISTS idx_job_usage_model ON job_usage(model_used)`,
		`CREATE INDEX IF NOT EXISTS idx_job_usage_completed_at ON job_usage(completed_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := l.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// RecordJobUsage upserts one terminal job record. Retried deliveries of the
// same job ID overwrite rather than duplicate.
func (l *Ledger) RecordJobUsage(ctx context.Context, rec limiter.JobUsageRecord) error {
	trail, err := json.Marshal(rec.Usage)
	if err != nil {
		return fmt.Errorf("marshal usage trail: %w", err)
	}

	_, err = l.pool.Exec(ctx, `
		INSERT INTO job_usage (
			job_id, job_type, model_used, usage, total_cost,
			duration_ms, delegations, success, error_message, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10)
		ON CONFLICT (job_id) DO UPDATE SET
			job_type = EXCLUDED.job_type,
			model_used = EXCLUDED.model_used,
			usage = EXCLUDED.usage,
			total_cost = EXCLUDED.total_cost,
			duration_ms = EXCLUDED.duration_ms,
			delegations = EXCLUDED.delegations,
			success = EXCLUDED.success,
			error_message = EXCLUDED.error_message,
			completed_at = EXCLUDED.completed_at`,
		rec.JobID, rec.JobType, rec.ModelUsed, trail, rec.TotalCost,
		rec.DurationMs, rec.Delegations, rec.Success, rec.Error, rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job usage: %w", err)
	}
	return nil
}

// CostByModel sums recorded cost per model over the given window.
func (l *Ledger) CostByModel(ctx context.Context, sinceHours int) (map[string]float64, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT model_used, COALESCE(SUM(total_cost), 0)
		FROM job_usage
		WHERE completed_at > NOW() - ($1 || ' hours')::interval
		GROUP BY model_used`, sinceHours)
	if err != nil {
		return nil, fmt.Errorf("query cost by model: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var model string
		var cost float64
		if err := rows.Scan(&model, &cost); err != nil {
			return nil, fmt.Errorf("scan cost row: %w", err)
		}
		out[model] = cost
	}
	return out, rows.Err()
}
