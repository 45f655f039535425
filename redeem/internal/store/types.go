package store

import "time"

// Status is the lifecycle state of a code row.
type Status string

const (
	StatusPending       Status = "pending"
	StatusRunning       Status = "running"
	StatusQueuedBrowser Status = "queued_browser"
	StatusValid         Status = "valid"
	StatusInvalid       Status = "invalid"
	StatusUnknown       Status = "unknown"
	StatusBlocked       Status = "blocked"
	StatusError         Status = "error"
)

// AllStatuses lists every row status in display order.
var AllStatuses = []Status{
	StatusPending, StatusRunning, StatusQueuedBrowser,
	StatusValid, StatusInvalid, StatusUnknown, StatusBlocked, StatusError,
}

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, bool) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// Source records which stage produced the row's latest status.
type Source string

const (
	SourceNone    Source = "none"
	SourceHTTP    Source = "http"
	SourceBrowser Source = "browser"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is a batch verification run. Timestamps are Unix milliseconds; zero
// means unset.
type Job struct {
	ID                 string    `json:"id"`
	ProfileName        string    `json:"profile_name"`
	URLOverride        string    `json:"url_override,omitempty"`
	CreatedBy          string    `json:"created_by,omitempty"`
	Status             JobStatus `json:"status"`
	Note               string    `json:"note,omitempty"`
	TotalCodes         int       `json:"total_codes"`
	HTTPConcurrency    int       `json:"http_concurrency"`
	BrowserConcurrency int       `json:"browser_concurrency"`
	MaxRetries         int       `json:"max_retries"`
	RequestDelayMS     int64     `json:"request_delay_ms"`
	CreatedAt          int64     `json:"created_at"`
	StartedAt          int64     `json:"started_at,omitempty"`
	CompletedAt        int64     `json:"completed_at,omitempty"`
}

// RequestDelay returns the per-worker pacing interval.
func (j *Job) RequestDelay() time.Duration {
	return time.Duration(j.RequestDelayMS) * time.Millisecond
}

// Row is one code within a job.
type Row struct {
	Seq        int64  `json:"seq"`
	JobID      string `json:"job_id"`
	Code       string `json:"code"`
	Status     Status `json:"status"`
	Source     Source `json:"source"`
	Reason     string `json:"reason,omitempty"`
	Attempts   int    `json:"attempts"`
	HTTPStatus int    `json:"http_status,omitempty"`
	FinalURL   string `json:"final_url,omitempty"`
	CheckedAt  int64  `json:"checked_at,omitempty"`
	UpdatedAt  int64  `json:"updated_at"`
}

// Transition is a compare-and-set status write for one row.
type Transition struct {
	Seq        int64
	From       Status
	To         Status
	Source     Source
	Reason     string
	Attempts   int
	HTTPStatus int
	FinalURL   string
}

// Counts is the per-status aggregate of a job.
type Counts struct {
	Total    int            `json:"total"`
	Terminal int            `json:"terminal"`
	Open     int            `json:"open"`
	ByStatus map[Status]int `json:"by_status"`
}

// Progress is the terminal share of rows in percent, rounded to two decimals.
func (c Counts) Progress() float64 {
	if c.Total == 0 {
		return 0
	}
	p := float64(c.Terminal) / float64(c.Total) * 100
	return float64(int64(p*100+0.5)) / 100
}

// RowFilter selects rows for ListRows.
type RowFilter struct {
	JobID  string
	Status Status // empty = all
	Limit  int
	Offset int
	Desc   bool
}

// JobFilter selects jobs for ListJobs.
type JobFilter struct {
	Statuses []JobStatus
	Limit    int
	Oldest   bool // oldest first instead of newest first
}

// ReconcileStats reports what Reconcile repaired.
type ReconcileStats struct {
	RowsToPending int64
	RowsToBrowser int64
	JobsReset     int64
}
