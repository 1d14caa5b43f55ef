package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// VerdictRow is one stored scenario verdict.
type VerdictRow struct {
	RunID      string
	Scenario   string
	Pass       bool
	Fault      string
	Started    time.Time
	Duration   time.Duration
	Expected   int
	Received   int
	Mismatches int
}

// WorkerRow is one stored worker result.
type WorkerRow struct {
	WorkerID      string
	SessionID     string
	Expected      int
	Received      int
	Mismatches    int
	Outstanding   int
	Error         string
	Duration      time.Duration
	FirstResponse time.Duration
}

// Recent returns verdicts newest first. limit <= 0 returns all of them.
func (s *Store) Recent(ctx context.Context, limit int) ([]VerdictRow, error) {
	query := `
		SELECT run_id, scenario, pass, fault, started_at, duration_ms, expected, received, mismatches
		FROM verdicts
		ORDER BY started_at DESC, scenario`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query verdicts: %w", err)
	}
	defer rows.Close()
	return scanVerdicts(rows)
}

// Run returns every verdict of one run in scenario start order.
func (s *Store) Run(ctx context.Context, runID string) ([]VerdictRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, scenario, pass, fault, started_at, duration_ms, expected, received, mismatches
		FROM verdicts
		WHERE run_id = ?
		ORDER BY started_at, scenario`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run %s: %w", runID, err)
	}
	defer rows.Close()
	return scanVerdicts(rows)
}

func scanVerdicts(rows *sql.Rows) ([]VerdictRow, error) {
	var out []VerdictRow
	for rows.Next() {
		var (
			r          VerdictRow
			started    string
			durationMs int64
		)
		if err := rows.Scan(&r.RunID, &r.Scenario, &r.Pass, &r.Fault, &started, &durationMs,
			&r.Expected, &r.Received, &r.Mismatches); err != nil {
			return nil, fmt.Errorf("scan verdict: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, started)
		if err != nil {
			return nil, fmt.Errorf("parse started_at %q: %w", started, err)
		}
		r.Started = ts
		r.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// Workers returns the worker results of one scenario verdict.
func (s *Store) Workers(ctx context.Context, runID, scenario string) ([]WorkerRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT worker_id, session_id, expected, received, mismatches, outstanding, error, duration_ms, first_response_us
		FROM worker_results
		WHERE run_id = ? AND scenario = ?
		ORDER BY rowid`, runID, scenario)
	if err != nil {
		return nil, fmt.Errorf("query workers: %w", err)
	}
	defer rows.Close()

	var out []WorkerRow
	for rows.Next() {
		var (
			w                   WorkerRow
			durationMs, firstUs int64
		)
		if err := rows.Scan(&w.WorkerID, &w.SessionID, &w.Expected, &w.Received, &w.Mismatches,
			&w.Outstanding, &w.Error, &durationMs, &firstUs); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		w.Duration = time.Duration(durationMs) * time.Millisecond
		w.FirstResponse = time.Duration(firstUs) * time.Microsecond
		out = append(out, w)
	}
	return out, rows.Err()
}
