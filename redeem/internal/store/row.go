// CLAUDE:SUMMARY Code row operations: atomic pending claim, compare-and-set transitions, aggregate counts, listing and export iteration.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/hazyhaar/redeemcheck/dbopen"
)

const rowColumns = `seq, job_id, code, status, source, reason, attempts, http_status,
	final_url, checked_at, updated_at`

// ClaimPending atomically moves up to n pending rows of a job to running
// with source http and returns them in insertion order. A row is returned
// to at most one caller.
func (s *Store) ClaimPending(ctx context.Context, jobID string, n int) ([]*Row, error) {
	if n <= 0 {
		n = 1
	}
	rows, err := s.DB.QueryContext(ctx, `
		UPDATE code_rows
		SET status = 'running', source = 'http', updated_at = ?
		WHERE seq IN (
			SELECT seq FROM code_rows
			WHERE job_id = ? AND status = 'pending'
			ORDER BY seq ASC
			LIMIT ?
		)
		RETURNING `+rowColumns,
		time.Now().UnixMilli(), jobID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("store: claim pending: %w", err)
	}
	defer rows.Close()

	var out []*Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b *Row) int { return int(a.Seq - b.Seq) })
	return out, nil
}

// UpdateRowStatus applies t if the row is still in t.From. It returns
// ErrIllegalTransition when the machine forbids the move and ErrStaleRow
// when another writer changed the row first. Entering a terminal status
// stamps checked_at.
func (s *Store) UpdateRowStatus(ctx context.Context, t Transition) error {
	if !CanTransition(t.From, t.To) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, t.From, t.To)
	}
	if t.Source == "" {
		t.Source = SourceNone
	}
	now := time.Now().UnixMilli()
	var checked any
	if t.To.Terminal() {
		checked = now
	}
	res, err := dbopen.Exec(ctx, s.DB,
		`UPDATE code_rows
		SET status = ?, source = ?, reason = ?, attempts = ?, http_status = ?, final_url = ?,
			checked_at = COALESCE(?, checked_at), updated_at = ?
		WHERE seq = ? AND status = ?`,
		t.To, t.Source, truncate(t.Reason, maxReason), t.Attempts, t.HTTPStatus, t.FinalURL,
		checked, now, t.Seq, t.From,
	)
	if err != nil {
		return fmt.Errorf("store: update row %d: %w", t.Seq, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: row %d not %s", ErrStaleRow, t.Seq, t.From)
	}
	return nil
}

// TransitionAll moves every row of a job from one status to another and
// returns how many moved. Rerun and recovery use it.
func (s *Store) TransitionAll(ctx context.Context, jobID string, from, to Status) (int64, error) {
	if !CanTransition(from, to) {
		return 0, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	res, err := dbopen.Exec(ctx, s.DB,
		`UPDATE code_rows SET status = ?, updated_at = ? WHERE job_id = ? AND status = ?`,
		to, time.Now().UnixMilli(), jobID, from)
	if err != nil {
		return 0, fmt.Errorf("store: transition %s -> %s: %w", from, to, err)
	}
	return res.RowsAffected()
}

// ResetUncertain returns every unknown, blocked and error row of a job to
// pending with zero attempts and cleared results. Valid and invalid rows
// are untouched.
func (s *Store) ResetUncertain(ctx context.Context, jobID string) (int64, error) {
	res, err := dbopen.Exec(ctx, s.DB,
		`UPDATE code_rows
		SET status = 'pending', source = 'none', reason = '', attempts = 0,
			http_status = 0, final_url = '', checked_at = NULL, updated_at = ?
		WHERE job_id = ? AND status IN ('unknown', 'blocked', 'error')`,
		time.Now().UnixMilli(), jobID)
	if err != nil {
		return 0, fmt.Errorf("store: reset uncertain: %w", err)
	}
	return res.RowsAffected()
}

// QueueUncertainForBrowser moves the unknown, blocked and error rows of a
// job that were last decided by the HTTP stage to queued_browser.
func (s *Store) QueueUncertainForBrowser(ctx context.Context, jobID string) (int64, error) {
	res, err := dbopen.Exec(ctx, s.DB,
		`UPDATE code_rows SET status = 'queued_browser', updated_at = ?
		WHERE job_id = ? AND source = 'http' AND status IN ('unknown', 'blocked', 'error')`,
		time.Now().UnixMilli(), jobID)
	if err != nil {
		return 0, fmt.Errorf("store: queue uncertain: %w", err)
	}
	return res.RowsAffected()
}

// AggregateCounts returns the per-status counts of a job.
func (s *Store) AggregateCounts(ctx context.Context, jobID string) (Counts, error) {
	c := Counts{ByStatus: make(map[Status]int, len(AllStatuses))}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM code_rows WHERE job_id = ? GROUP BY status`, jobID)
	if err != nil {
		return c, fmt.Errorf("store: counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return c, err
		}
		c.ByStatus[st] = n
		c.Total += n
		switch {
		case st.Terminal():
			c.Terminal += n
		case st.Open():
			c.Open += n
		}
	}
	return c, rows.Err()
}

// ListRows returns a page of rows matching f, in insertion order unless f.Desc.
func (s *Store) ListRows(ctx context.Context, f RowFilter) ([]*Row, error) {
	q := sq.Select(rowColumns).From("code_rows").Where(sq.Eq{"job_id": f.JobID})
	if f.Status != "" {
		q = q.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.Desc {
		q = q.OrderBy("seq DESC")
	} else {
		q = q.OrderBy("seq ASC")
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
		if f.Offset > 0 {
			q = q.Offset(uint64(f.Offset))
		}
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("store: build list rows: %w", err)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ExportRows calls fn for every row of a job in insertion order.
func (s *Store) ExportRows(ctx context.Context, jobID string, fn func(*Row) error) error {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+rowColumns+` FROM code_rows WHERE job_id = ? ORDER BY seq ASC`, jobID)
	if err != nil {
		return fmt.Errorf("store: export: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

func scanRow(sc scanner) (*Row, error) {
	var r Row
	var checked sql.NullInt64
	err := sc.Scan(&r.Seq, &r.JobID, &r.Code, &r.Status, &r.Source, &r.Reason, &r.Attempts,
		&r.HTTPStatus, &r.FinalURL, &checked, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.CheckedAt = checked.Int64
	return &r, nil
}
