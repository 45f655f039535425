// CLAUDE:SUMMARY Public types of the redeem service, aliased from the internal store and profile packages.
package redeem

import (
	"github.com/hazyhaar/redeemcheck/redeem/internal/browser"
	"github.com/hazyhaar/redeemcheck/redeem/internal/httpstage"
	"github.com/hazyhaar/redeemcheck/redeem/internal/profile"
	"github.com/hazyhaar/redeemcheck/redeem/internal/store"
)

type (
	Job       = store.Job
	Row       = store.Row
	Status    = store.Status
	JobStatus = store.JobStatus
	Counts    = store.Counts

	ProfileSummary = profile.Summary
	ConfigError    = profile.ConfigError

	// Transport issues the HTTP stage's requests.
	Transport    = httpstage.Transport
	HTTPResponse = httpstage.Response

	// Automation drives the browser stage.
	Automation   = browser.Automation
	BrowserSpec  = browser.Spec
	BrowserPage  = browser.Page
	SessionState = profile.SessionState
)

// JobRequest describes a job to create.
type JobRequest struct {
	ProfileName string
	Codes       []string // raw entries, normalized on creation
	URLOverride string   // optional URL template, must contain {code}
	CreatedBy   string
	Params      JobParams
}

// CreateResult reports a created job and how its code list was normalized.
type CreateResult struct {
	Job        *Job `json:"job"`
	Raw        int  `json:"raw"`
	Unique     int  `json:"unique"`
	Duplicates int  `json:"duplicates"`
}

// JobProgress is a job with its live counts.
type JobProgress struct {
	Job      *Job    `json:"job"`
	Counts   Counts  `json:"counts"`
	Progress float64 `json:"progress"`
	Running  bool    `json:"running"`
}

// RowQuery selects rows for ListRows.
type RowQuery struct {
	JobID  string
	Status string // empty = all
	Limit  int    // Default: 100, max 1000.
	Offset int
}
