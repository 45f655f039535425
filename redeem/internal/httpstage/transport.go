// CLAUDE:SUMMARY HTTP transport capability and its net/http implementation with body cap, redirect limit and final URL tracking.
// Package httpstage checks codes with plain HTTP requests.
//
// A Checker renders the request for one code, sends it through a Transport
// and classifies the response. A Pool runs checks with a fixed number of
// workers, per-worker pacing and bounded retries on transport errors.
package httpstage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Response is what the HTTP stage needs from a completed request.
type Response struct {
	StatusCode int
	Body       []byte
	URL        string // final URL after redirects
}

// Transport issues GET requests. Any returned error is a transport error.
type Transport interface {
	Get(ctx context.Context, url string, headers map[string]string) (*Response, error)
}

// ClientConfig configures Client.
type ClientConfig struct {
	Timeout      time.Duration // Default: 30s. Per-profile timeouts apply through ctx.
	MaxBytes     int64         // Max response body size. Default: 10MB.
	MaxRedirects int           // Default: 5.
	UserAgent    string
}

func (c *ClientConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 * 1024 * 1024
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = 5
	}
	if c.UserAgent == "" {
		c.UserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	}
}

// Client is the net/http Transport.
type Client struct {
	http *http.Client
	cfg  ClientConfig
}

// NewClient creates a Client.
func NewClient(cfg ClientConfig) *Client {
	cfg.defaults()
	maxRedirects := cfg.MaxRedirects
	return &Client{
		http: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				return nil
			},
		},
		cfg: cfg,
	}
}

// Get performs the request. Non-2xx statuses are not errors; they are
// returned for the rule matcher.
func (c *Client) Get(ctx context.Context, url string, headers map[string]string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Body:       body,
		URL:        resp.Request.URL.String(),
	}, nil
}
