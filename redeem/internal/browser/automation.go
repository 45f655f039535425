package browser

import (
	"context"
	"time"

	"github.com/hazyhaar/redeemcheck/redeem/internal/profile"
)

// Spec describes one browser run.
type Spec struct {
	URL            string
	Form           *FormSteps // nil: just open URL
	WaitSelector   string     // waited for, best effort
	ResultSelector string     // its text is read before the page text
	WaitAfter      time.Duration
	Timeout        time.Duration
}

// FormSteps types Code into the code field and clicks submit.
type FormSteps struct {
	CodeSelector   string
	SubmitSelector string
	Code           string
}

// Page is what a run observed.
type Page struct {
	Text string // result region text, then the page's visible text
	URL  string // URL after navigation and submit
}

// Automation drives one isolated browser run. Any returned error is an
// automation error. session may be nil for anonymous browsing.
type Automation interface {
	Run(ctx context.Context, spec Spec, session *profile.SessionState) (*Page, error)
}
