// CLAUDE:SUMMARY Immutable verification profile: mode, URL template or form descriptor, per-stage settings and compiled rule sets.
// Package profile loads verification profiles from YAML and keeps them in an
// atomically swapped registry.
//
// A Profile is parsed once into compiled rule sets and never mutated after
// that. Reloading the registry replaces the whole snapshot.
package profile

import (
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/redeemcheck/redeem/internal/match"
)

// Mode selects how a code is submitted.
type Mode string

const (
	ModeURLTemplate Mode = "url_template"
	ModeForm        Mode = "form"
)

// Placeholder is substituted with the escaped code in URL templates.
const Placeholder = "{code}"

// DefaultBlockedKeywords are appended to both stages' blocked rules.
var DefaultBlockedKeywords = []string{
	"captcha",
	"verify you are human",
	"are you human",
	"attention required",
	"cloudflare",
	"security check",
	"access denied",
}

// ErrNotFound is returned when no profile has the requested name.
var ErrNotFound = errors.New("profile: not found")

// ConfigError reports a malformed profile file.
type ConfigError struct {
	File   string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("profile: %s: %s", e.File, e.Reason)
}

// FormSpec describes the page a form-mode profile drives.
type FormSpec struct {
	URL             string
	CodeSelector    string
	SubmitSelector  string
	WaitForSelector string
}

// HTTPSettings configure the HTTP stage.
type HTTPSettings struct {
	Enabled        bool
	Timeout        time.Duration
	Headers        map[string]string
	ResultSelector string // narrows the visible text before matching
	Rules          match.RuleSet
}

// BrowserSettings configure the browser stage. Rules already include the
// HTTP body and URL rules.
type BrowserSettings struct {
	Enabled          bool
	Headless         bool
	LoginRequired    bool
	Timeout          time.Duration
	WaitAfterSubmit  time.Duration
	ResultSelector   string
	StorageStatePath string
	Rules            match.RuleSet
}

// Profile is a parsed verification profile.
type Profile struct {
	Name        string
	Description string
	Mode        Mode
	URLTemplate string
	Form        FormSpec
	HTTP        HTTPSettings
	Browser     BrowserSettings
	File        string
}

// UsesHTTP reports whether rows of this profile go through the HTTP stage.
// Form-mode profiles never do.
func (p *Profile) UsesHTTP() bool {
	return p.Mode == ModeURLTemplate && p.HTTP.Enabled
}

// UsesBrowser reports whether candidates may be escalated to the browser.
func (p *Profile) UsesBrowser() bool {
	return p.Browser.Enabled
}

// Summary is the public listing of a profile.
type Summary struct {
	Name            string `json:"name"`
	Description     string `json:"description"`
	Mode            Mode   `json:"mode"`
	LoginRequired   bool   `json:"login_required"`
	HasSessionState bool   `json:"has_session_state"`
}
