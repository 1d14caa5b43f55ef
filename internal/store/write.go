package store

import (
	"context"
	"fmt"
	"time"

	"tagcheck/internal/harness"
)

// SaveVerdict records one scenario verdict and its worker results in a
// single transaction.
func (s *Store) SaveVerdict(ctx context.Context, runID string, v harness.Verdict) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	expected, received, mismatches := v.Totals()
	fault := ""
	if v.Fault != nil {
		fault = v.Fault.Error()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO verdicts (run_id, scenario, pass, fault, started_at, duration_ms, expected, received, mismatches)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, v.Scenario, v.Pass, fault, v.Started.UTC().Format(time.RFC3339Nano),
		v.Duration.Milliseconds(), expected, received, mismatches)
	if err != nil {
		return fmt.Errorf("insert verdict %s/%s: %w", runID, v.Scenario, err)
	}

	for _, w := range v.Workers {
		errText := ""
		if w.Err != nil {
			errText = w.Err.Error()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO worker_results (run_id, scenario, worker_id, session_id, expected, received, mismatches, outstanding, error, duration_ms, first_response_us)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, v.Scenario, w.WorkerID, w.SessionID, w.Expected, w.Received, w.Mismatches,
			w.Outstanding, errText, w.Duration.Milliseconds(), w.FirstResponse.Microseconds())
		if err != nil {
			return fmt.Errorf("insert worker %s: %w", w.WorkerID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit verdict: %w", err)
	}
	return nil
}
