// CLAUDE:SUMMARY Applies the jobs/code_rows schema and its indexes.
package store

import "database/sql"

// Schema is the complete result store schema.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id                  TEXT PRIMARY KEY,
    profile_name        TEXT NOT NULL,
    url_override        TEXT NOT NULL DEFAULT '',
    created_by          TEXT NOT NULL DEFAULT '',
    status              TEXT NOT NULL DEFAULT 'pending',
    note                TEXT NOT NULL DEFAULT '',
    total_codes         INTEGER NOT NULL DEFAULT 0,
    http_concurrency    INTEGER NOT NULL,
    browser_concurrency INTEGER NOT NULL,
    max_retries         INTEGER NOT NULL,
    request_delay_ms    INTEGER NOT NULL,
    created_at          INTEGER NOT NULL,
    started_at          INTEGER,
    completed_at        INTEGER
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at);

CREATE TABLE IF NOT EXISTS code_rows (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id      TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    code        TEXT NOT NULL,
    status      TEXT NOT NULL DEFAULT 'pending',
    source      TEXT NOT NULL DEFAULT 'none',
    reason      TEXT NOT NULL DEFAULT '',
    attempts    INTEGER NOT NULL DEFAULT 0,
    http_status INTEGER NOT NULL DEFAULT 0,
    final_url   TEXT NOT NULL DEFAULT '',
    checked_at  INTEGER,
    updated_at  INTEGER NOT NULL,
    UNIQUE(job_id, code)
);
CREATE INDEX IF NOT EXISTS idx_code_rows_job_status ON code_rows(job_id, status, seq);
`

// ApplySchema creates all tables and indexes.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
