// Package store persists validation run history in PostgreSQL.
//
// The store is optional: the server runs without it and simply keeps
// results in memory for the retention window. When configured, every
// finished run and its violations are written so past validations can be
// reviewed after restarts.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/glottolab/cldfload/internal/core"
)

// Store records and queries validation runs. It implements core.RunRecorder.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps a connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates the history tables when they do not exist yet.
func (s *Store) Init(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS cldf_runs (
    id              UUID PRIMARY KEY,
    name            TEXT NOT NULL,
    started_at      TIMESTAMPTZ NOT NULL,
    duration_ms     BIGINT NOT NULL,
    tables_loaded   INT NOT NULL,
    rows_accepted   INT NOT NULL,
    rows_rejected   INT NOT NULL,
    violation_count INT NOT NULL,
    error           TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS cldf_violations (
    run_id      UUID NOT NULL REFERENCES cldf_runs(id) ON DELETE CASCADE,
    table_url   TEXT NOT NULL,
    line        INT NOT NULL,
    row_id      TEXT NOT NULL,
    column_name TEXT NOT NULL,
    kind        TEXT NOT NULL,
    value       TEXT NOT NULL,
    message     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cldf_violations_run ON cldf_violations(run_id);
CREATE INDEX IF NOT EXISTS idx_cldf_runs_started ON cldf_runs(started_at DESC);
`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("init history schema: %w", err)
	}
	return nil
}

// RecordRun inserts a run summary and bulk-copies its violations.
func (s *Store) RecordRun(ctx context.Context, rec core.RunRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO cldf_runs
			(id, name, started_at, duration_ms, tables_loaded,
			 rows_accepted, rows_rejected, violation_count, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.Name, rec.StartedAt, rec.Duration.Milliseconds(),
		rec.TablesLoaded, rec.RowsAccepted, rec.RowsRejected,
		rec.ViolationCount, rec.Error)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	if len(rec.Violations) > 0 {
		// COPY is far cheaper than row-at-a-time inserts for large reports.
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"cldf_violations"},
			[]string{"run_id", "table_url", "line", "row_id", "column_name", "kind", "value", "message"},
			pgx.CopyFromSlice(len(rec.Violations), func(i int) ([]any, error) {
				v := rec.Violations[i]
				return []any{rec.ID, v.Table, v.Line, v.RowID, v.Column, string(v.Kind), v.Value, v.Message}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("copy violations: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// RunSummary is one row of the run history listing.
type RunSummary struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	StartedAt      time.Time `json:"started_at"`
	DurationMs     int64     `json:"duration_ms"`
	TablesLoaded   int       `json:"tables_loaded"`
	RowsAccepted   int       `json:"rows_accepted"`
	RowsRejected   int       `json:"rows_rejected"`
	ViolationCount int       `json:"violation_count"`
	Error          string    `json:"error,omitempty"`
}

// RecentRuns returns the newest runs, most recent first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, started_at, duration_ms, tables_loaded,
		       rows_accepted, rows_rejected, violation_count, error
		FROM cldf_runs
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.ID, &r.Name, &r.StartedAt, &r.DurationMs,
			&r.TablesLoaded, &r.RowsAccepted, &r.RowsRejected,
			&r.ViolationCount, &r.Error); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RunViolations returns the stored violations of one run in insertion order.
func (s *Store) RunViolations(ctx context.Context, runID string, limit int) ([]core.Violation, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT table_url, line, row_id, column_name, kind, value, message
		FROM cldf_violations
		WHERE run_id = $1
		LIMIT $2`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("query violations: %w", err)
	}
	defer rows.Close()

	var out []core.Violation
	for rows.Next() {
		var v core.Violation
		var kind string
		if err := rows.Scan(&v.Table, &v.Line, &v.RowID, &v.Column, &kind, &v.Value, &v.Message); err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		v.Kind = core.ViolationKind(kind)
		out = append(out, v)
	}
	return out, rows.Err()
}
