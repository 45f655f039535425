package browser

import (
	"context"

	"github.com/hazyhaar/redeemcheck/redeem/internal/match"
	"github.com/hazyhaar/redeemcheck/redeem/internal/profile"
)

// Outcome is the classified result of one browser run.
type Outcome struct {
	Verdict  match.Verdict
	Rule     string
	FinalURL string
}

// Checker checks codes of one job in the browser.
type Checker struct {
	Profile     *profile.Profile
	URLOverride string
	Session     *profile.SessionState
	Automation  Automation
}

// Spec builds the run description for code.
func (c *Checker) Spec(code string) Spec {
	p := c.Profile
	s := Spec{
		URL:            p.TargetURL(c.URLOverride, code),
		WaitSelector:   p.Form.WaitForSelector,
		ResultSelector: p.Browser.ResultSelector,
		WaitAfter:      p.Browser.WaitAfterSubmit,
		Timeout:        p.Browser.Timeout,
	}
	if s.WaitSelector == "" {
		s.WaitSelector = s.ResultSelector
	}
	if p.Mode == profile.ModeForm {
		s.Form = &FormSteps{
			CodeSelector:   p.Form.CodeSelector,
			SubmitSelector: p.Form.SubmitSelector,
			Code:           code,
		}
	}
	return s
}

// Check runs the browser for code and classifies what it rendered. A
// non-nil error is an automation error.
func (c *Checker) Check(ctx context.Context, code string) (Outcome, error) {
	page, err := c.Automation.Run(ctx, c.Spec(code), c.Session)
	if err != nil {
		return Outcome{}, err
	}
	res := match.Evaluate(match.Content{Text: page.Text, URL: page.URL}, c.Profile.Browser.Rules)
	return Outcome{Verdict: res.Verdict, Rule: res.Rule, FinalURL: page.URL}, nil
}
