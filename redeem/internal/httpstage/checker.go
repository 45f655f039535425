// CLAUDE:SUMMARY Single HTTP check of one code: URL rendering, session cookies, per-profile timeout, rule classification.
package httpstage

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/hazyhaar/redeemcheck/redeem/internal/match"
	"github.com/hazyhaar/redeemcheck/redeem/internal/profile"
)

// Outcome is the classified result of one HTTP check.
type Outcome struct {
	Verdict    match.Verdict
	Rule       string
	StatusCode int
	FinalURL   string
}

// StatusError reports a response whose status is worth retrying and whose
// content matched no rule. It counts as a transport error.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("http status %d", e.Code) }

var retryableStatus = map[int]bool{408: true, 425: true, 429: true, 500: true, 502: true, 503: true, 504: true}

// Checker checks codes of one job against its profile.
type Checker struct {
	Profile     *profile.Profile
	URLOverride string                // replaces Profile.URLTemplate when set
	Session     *profile.SessionState // may be nil
	Transport   Transport
}

// Check sends the request for code and classifies the response. A non-nil
// error is a transport error; Outcome is then meaningful only for a
// StatusError.
func (c *Checker) Check(ctx context.Context, code string) (Outcome, error) {
	target := c.Profile.TargetURL(c.URLOverride, code)

	headers := maps.Clone(c.Profile.HTTP.Headers)
	if headers == nil {
		headers = map[string]string{}
	}
	if cookie := c.Session.CookieHeader(target, time.Now()); cookie != "" {
		headers["Cookie"] = cookie
	}

	if t := c.Profile.HTTP.Timeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	resp, err := c.Transport.Get(ctx, target, headers)
	if err != nil {
		return Outcome{}, err
	}

	res := match.Evaluate(match.Content{
		StatusCode: resp.StatusCode,
		Text:       matchText(resp.Body, c.Profile.HTTP.ResultSelector),
		URL:        resp.URL,
	}, c.Profile.HTTP.Rules)

	out := Outcome{Verdict: res.Verdict, Rule: res.Rule, StatusCode: resp.StatusCode, FinalURL: resp.URL}
	if res.Verdict == match.Indeterminate && retryableStatus[resp.StatusCode] {
		return out, &StatusError{Code: resp.StatusCode}
	}
	return out, nil
}
