// CLAUDE:SUMMARY Recovery after a crash or stop: running rows go back to the queue of the stage that held them.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/redeemcheck/dbopen"
)

// Reconcile repairs rows and jobs left in flight by a previous process:
// rows running in the browser stage return to queued_browser, other running
// rows return to pending, and running jobs return to pending. Attempts are
// preserved.
func (s *Store) Reconcile(ctx context.Context) (ReconcileStats, error) {
	return s.reconcile(ctx, "")
}

// ReconcileJob applies Reconcile to a single job.
func (s *Store) ReconcileJob(ctx context.Context, jobID string) (ReconcileStats, error) {
	return s.reconcile(ctx, jobID)
}

func (s *Store) reconcile(ctx context.Context, jobID string) (ReconcileStats, error) {
	var st ReconcileStats
	scope, args := "", []any{}
	if jobID != "" {
		scope, args = " AND job_id = ?", []any{jobID}
	}
	now := time.Now().UnixMilli()

	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE code_rows SET status = 'queued_browser', updated_at = ?
			WHERE status = 'running' AND source = 'browser'`+scope,
			append([]any{now}, args...)...)
		if err != nil {
			return fmt.Errorf("store: reconcile browser rows: %w", err)
		}
		st.RowsToBrowser, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx,
			`UPDATE code_rows SET status = 'pending', updated_at = ?
			WHERE status = 'running'`+scope,
			append([]any{now}, args...)...)
		if err != nil {
			return fmt.Errorf("store: reconcile http rows: %w", err)
		}
		st.RowsToPending, _ = res.RowsAffected()

		jobScope := ""
		if jobID != "" {
			jobScope = " AND id = ?"
		}
		res, err = tx.ExecContext(ctx,
			`UPDATE jobs SET status = 'pending', completed_at = NULL WHERE status = 'running'`+jobScope,
			args...)
		if err != nil {
			return fmt.Errorf("store: reconcile jobs: %w", err)
		}
		st.JobsReset, _ = res.RowsAffected()
		return nil
	})
	return st, err
}
