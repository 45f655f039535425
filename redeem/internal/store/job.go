// CLAUDE:SUMMARY Job CRUD: creation with its rows in one transaction, status changes with timestamps, filtered listing.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/hazyhaar/redeemcheck/dbopen"
)

const jobColumns = `id, profile_name, url_override, created_by, status, note, total_codes,
	http_concurrency, browser_concurrency, max_retries, request_delay_ms,
	created_at, started_at, completed_at`

// CreateJob inserts a job together with its code rows. Either both exist
// afterwards or neither does. TotalCodes is set from the inserted rows.
func (s *Store) CreateJob(ctx context.Context, j *Job, codes []string) error {
	if j.CreatedAt == 0 {
		j.CreatedAt = time.Now().UnixMilli()
	}
	if j.Status == "" {
		j.Status = JobPending
	}
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (id, profile_name, url_override, created_by, status, note,
			total_codes, http_concurrency, browser_concurrency, max_retries, request_delay_ms,
			created_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
			j.ID, j.ProfileName, j.URLOverride, j.CreatedBy, j.Status, j.Note,
			j.HTTPConcurrency, j.BrowserConcurrency, j.MaxRetries, j.RequestDelayMS,
			j.CreatedAt,
		)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return fmt.Errorf("%w: %s", ErrDuplicateJob, j.ID)
			}
			return fmt.Errorf("store: insert job: %w", err)
		}
		n, err := insertRows(ctx, tx, j.ID, codes)
		if err != nil {
			return err
		}
		j.TotalCodes = n
		return nil
	})
}

// BulkInsertRows adds pending rows to an existing job, ignoring codes the
// job already holds, and returns how many rows were added.
func (s *Store) BulkInsertRows(ctx context.Context, jobID string, codes []string) (int, error) {
	var added int
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, jobID).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: job %s", ErrNotFound, jobID)
			}
			return err
		}
		n, err := insertRows(ctx, tx, jobID, codes)
		added = n
		return err
	})
	return added, err
}

func insertRows(ctx context.Context, tx *sql.Tx, jobID string, codes []string) (int, error) {
	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO code_rows (job_id, code, status, source, updated_at)
		VALUES (?, ?, 'pending', 'none', ?)`)
	if err != nil {
		return 0, fmt.Errorf("store: prepare rows: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	added := 0
	for _, c := range codes {
		res, err := stmt.ExecContext(ctx, jobID, c, now)
		if err != nil {
			return added, fmt.Errorf("store: insert row: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET total_codes = (SELECT COUNT(*) FROM code_rows WHERE job_id = ?) WHERE id = ?`,
		jobID, jobID); err != nil {
		return added, fmt.Errorf("store: update total: %w", err)
	}
	return added, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	return j, err
}

// ListJobs returns jobs matching f, newest first unless f.Oldest.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]*Job, error) {
	q := sq.Select(jobColumns).From("jobs")
	if len(f.Statuses) > 0 {
		vals := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			vals[i] = string(st)
		}
		q = q.Where(sq.Eq{"status": vals})
	}
	if f.Oldest {
		q = q.OrderBy("created_at ASC", "id ASC")
	} else {
		q = q.OrderBy("created_at DESC", "id DESC")
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("store: build list jobs: %w", err)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// SetJobStatus moves a job to status. Entering running stamps started_at
// and clears completed_at and the note; entering completed or failed stamps
// completed_at.
func (s *Store) SetJobStatus(ctx context.Context, id string, status JobStatus, note string) error {
	now := time.Now().UnixMilli()
	note = truncate(note, maxReason)
	var res sql.Result
	var err error
	switch status {
	case JobRunning:
		res, err = dbopen.Exec(ctx, s.DB,
			`UPDATE jobs SET status = ?, started_at = ?, completed_at = NULL, note = ? WHERE id = ?`,
			status, now, note, id)
	case JobCompleted, JobFailed:
		res, err = dbopen.Exec(ctx, s.DB,
			`UPDATE jobs SET status = ?, completed_at = ?, note = ? WHERE id = ?`,
			status, now, note, id)
	default:
		res, err = dbopen.Exec(ctx, s.DB,
			`UPDATE jobs SET status = ?, completed_at = NULL, note = ? WHERE id = ?`,
			status, note, id)
	}
	if err != nil {
		return fmt.Errorf("store: set job status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	return nil
}

// DeleteJob removes a job and, by cascade, its rows.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	res, err := dbopen.Exec(ctx, s.DB, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*Job, error) {
	var j Job
	var started, completed sql.NullInt64
	err := sc.Scan(&j.ID, &j.ProfileName, &j.URLOverride, &j.CreatedBy, &j.Status, &j.Note,
		&j.TotalCodes, &j.HTTPConcurrency, &j.BrowserConcurrency, &j.MaxRetries,
		&j.RequestDelayMS, &j.CreatedAt, &started, &completed)
	if err != nil {
		return nil, err
	}
	j.StartedAt = started.Int64
	j.CompletedAt = completed.Int64
	return &j, nil
}
