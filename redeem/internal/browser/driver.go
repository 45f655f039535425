// CLAUDE:SUMMARY Rod-backed Automation: incognito context per run, session cookies and localStorage seeding, stealth page, form fill and result read.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/redeemcheck/redeem/internal/profile"
)

// resultReadTimeout bounds reading the result region once the page settled.
const resultReadTimeout = 1500 * time.Millisecond

// Driver runs checks in Chrome through a Manager.
type Driver struct {
	mgr *Manager
}

// NewDriver creates a Driver on mgr.
func NewDriver(mgr *Manager) *Driver {
	return &Driver{mgr: mgr}
}

// Run opens an isolated incognito context, seeds it with session, performs
// spec and returns the observed text and URL.
func (d *Driver) Run(ctx context.Context, spec Spec, session *profile.SessionState) (*Page, error) {
	b, err := d.mgr.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer d.mgr.Release()

	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}
	log := d.mgr.cfg.Logger

	inc, err := b.Incognito()
	if err != nil {
		return nil, fmt.Errorf("browser: incognito: %w", err)
	}
	defer inc.Close()

	if cookies := cookieParams(session, spec.URL); len(cookies) > 0 {
		if err := inc.SetCookies(cookies); err != nil {
			return nil, fmt.Errorf("browser: set cookies: %w", err)
		}
	}

	page, err := stealth.Page(inc)
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}
	defer page.Close()

	if len(d.mgr.cfg.ResourceBlocking) > 0 {
		router := blockResources(page, d.mgr.cfg.ResourceBlocking)
		defer router.Stop()
	}

	if script := localStorageScript(session, spec.URL); script != "" {
		if _, err := page.EvalOnNewDocument(script); err != nil {
			log.Warn("browser: seed local storage failed", "error", err)
		}
	}

	p := page.Context(ctx)
	if err := p.Navigate(spec.URL); err != nil {
		return nil, fmt.Errorf("browser: navigate %s: %w", spec.URL, err)
	}
	if err := p.WaitLoad(); err != nil {
		log.Warn("browser: wait load timeout", "url", spec.URL, "error", err)
	}

	if f := spec.Form; f != nil {
		field, err := p.Element(f.CodeSelector)
		if err != nil {
			return nil, fmt.Errorf("browser: code field %s: %w", f.CodeSelector, err)
		}
		if err := field.Input(f.Code); err != nil {
			return nil, fmt.Errorf("browser: type code: %w", err)
		}
		submit, err := p.Element(f.SubmitSelector)
		if err != nil {
			return nil, fmt.Errorf("browser: submit %s: %w", f.SubmitSelector, err)
		}
		if err := submit.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return nil, fmt.Errorf("browser: click submit: %w", err)
		}
	}

	// The wait selector is best effort: the verdict comes from whatever
	// rendered.
	if spec.WaitSelector != "" {
		if _, err := p.Timeout(waitBudget(spec.Timeout)).Element(spec.WaitSelector); err != nil {
			log.Debug("browser: wait selector not found", "selector", spec.WaitSelector, "error", err)
		}
	}
	if spec.WaitAfter > 0 {
		t := time.NewTimer(spec.WaitAfter)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("browser: %w", ctx.Err())
		case <-t.C:
		}
	}

	var parts []string
	if spec.ResultSelector != "" {
		if el, err := p.Timeout(resultReadTimeout).Element(spec.ResultSelector); err == nil {
			if txt, err := el.Text(); err == nil {
				parts = append(parts, txt)
			}
		}
	}
	res, err := p.Eval(`() => document.body ? document.body.innerText : ""`)
	if err != nil {
		return nil, fmt.Errorf("browser: read page text: %w", err)
	}
	parts = append(parts, res.Value.Str())

	info, err := p.Info()
	if err != nil {
		return nil, fmt.Errorf("browser: page info: %w", err)
	}
	return &Page{Text: strings.Join(parts, "\n"), URL: info.URL}, nil
}

// waitBudget leaves half of the run's timeout for reading the result.
func waitBudget(total time.Duration) time.Duration {
	if total <= 0 {
		return 15 * time.Second
	}
	return total / 2
}

func cookieParams(session *profile.SessionState, target string) []*proto.NetworkCookieParam {
	if session == nil {
		return nil
	}
	out := make([]*proto.NetworkCookieParam, 0, len(session.Cookies))
	for _, c := range session.Cookies {
		p := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if c.Domain == "" {
			p.URL = target
		}
		if c.Expires > 0 {
			p.Expires = proto.TimeSinceEpoch(c.Expires)
		}
		switch strings.ToLower(c.SameSite) {
		case "strict":
			p.SameSite = proto.NetworkCookieSameSiteStrict
		case "lax":
			p.SameSite = proto.NetworkCookieSameSiteLax
		case "none":
			p.SameSite = proto.NetworkCookieSameSiteNone
		}
		out = append(out, p)
	}
	return out
}

// localStorageScript returns a script restoring the stored localStorage of
// the target's origin, or "" when there is nothing to restore.
func localStorageScript(session *profile.SessionState, target string) string {
	items := session.LocalStorageFor(target)
	if len(items) == 0 {
		return ""
	}
	kv := make(map[string]string, len(items))
	for _, it := range items {
		kv[it.Name] = it.Value
	}
	data, err := json.Marshal(kv)
	if err != nil {
		return ""
	}
	return fmt.Sprintf(`(() => { try { const kv = %s; for (const k in kv) { localStorage.setItem(k, kv[k]); } } catch (e) {} })()`, data)
}
