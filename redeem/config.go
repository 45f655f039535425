package redeem

import (
	"path/filepath"
	"time"
)

// Config configures the redeem service.
type Config struct {
	// ProfilesDir holds the *.yaml profile files.
	ProfilesDir string
	// SessionsDir holds stored browser sessions. Default: ProfilesDir/../sessions.
	SessionsDir string

	// HTTP transport settings.
	HTTP HTTPConfig

	// Browser process settings.
	Browser BrowserConfig

	// Defaults apply to job parameters left at zero by the caller.
	Defaults JobParams

	// StoreRetries bounds retries of a failed store write. Default: 3.
	StoreRetries int
	// StoreBackoff is the first retry wait, doubled per attempt. Default: 50ms.
	StoreBackoff time.Duration
}

// HTTPConfig configures the HTTP stage transport.
type HTTPConfig struct {
	Timeout   time.Duration // Default: 30s.
	MaxBytes  int64         // Default: 10MB.
	UserAgent string
}

// BrowserConfig configures the shared Chrome process.
type BrowserConfig struct {
	RemoteURL       string        // connect to an existing Chrome instead of launching one
	Headful         bool          // show the browser window
	RecycleInterval time.Duration // Default: 4h.
}

// JobParams are the per-job pipeline settings.
type JobParams struct {
	HTTPConcurrency    int
	BrowserConcurrency int
	MaxRetries         int
	RequestDelay       time.Duration
}

// Parameter bounds.
const (
	MaxHTTPConcurrency    = 200
	MaxBrowserConcurrency = 20
	MaxRetriesLimit       = 10
	MaxRequestDelay       = 5 * time.Second
)

// DefaultJobParams returns the parameters used when nothing is configured.
func DefaultJobParams() JobParams {
	return JobParams{
		HTTPConcurrency:    20,
		BrowserConcurrency: 1,
		MaxRetries:         2,
		RequestDelay:       100 * time.Millisecond,
	}
}

// Clamp bounds every field to its allowed range.
func (p JobParams) Clamp() JobParams {
	p.HTTPConcurrency = clamp(p.HTTPConcurrency, 1, MaxHTTPConcurrency)
	p.BrowserConcurrency = clamp(p.BrowserConcurrency, 0, MaxBrowserConcurrency)
	p.MaxRetries = clamp(p.MaxRetries, 0, MaxRetriesLimit)
	p.RequestDelay = clamp(p.RequestDelay, 0, MaxRequestDelay)
	return p
}

func clamp[T int | time.Duration](v, lo, hi T) T {
	return min(max(v, lo), hi)
}

func (c *Config) defaults() {
	if c.ProfilesDir == "" {
		c.ProfilesDir = "profiles"
	}
	if c.SessionsDir == "" {
		c.SessionsDir = filepath.Join(filepath.Dir(filepath.Clean(c.ProfilesDir)), "sessions")
	}
	if c.HTTP.Timeout <= 0 {
		c.HTTP.Timeout = 30 * time.Second
	}
	if c.HTTP.MaxBytes <= 0 {
		c.HTTP.MaxBytes = 10 * 1024 * 1024
	}
	if c.Browser.RecycleInterval <= 0 {
		c.Browser.RecycleInterval = 4 * time.Hour
	}
	if c.Defaults == (JobParams{}) {
		c.Defaults = DefaultJobParams()
	}
	c.Defaults = c.Defaults.Clamp()
	if c.StoreRetries < 0 {
		c.StoreRetries = 0
	} else if c.StoreRetries == 0 {
		c.StoreRetries = 3
	}
	if c.StoreBackoff <= 0 {
		c.StoreBackoff = 50 * time.Millisecond
	}
}

func defaultConfig() *Config {
	return &Config{
		ProfilesDir: "profiles",
		Defaults:    DefaultJobParams(),
	}
}
