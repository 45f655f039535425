// CLAUDE:SUMMARY Classifies a fetched or rendered page into success/failure/blocked/indeterminate with blocked > failure > success precedence.
// Package match evaluates ordered rule sets against page content.
//
// A RuleSet holds three ordered lists. Evaluation checks blocked rules first,
// then failure, then success; the first matching rule in a category decides.
// Content matching nothing is indeterminate.
package match

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Verdict is the classification of a single page.
type Verdict string

const (
	Success       Verdict = "success"
	Failure       Verdict = "failure"
	Blocked       Verdict = "blocked"
	Indeterminate Verdict = "indeterminate"
)

// Kind discriminates the rule variants.
type Kind int

const (
	KindContains Kind = iota
	KindRegex
	KindStatus
	KindStatusRange
	KindURLContains
)

func (k Kind) String() string {
	switch k {
	case KindContains:
		return "contains"
	case KindRegex:
		return "regex"
	case KindStatus:
		return "status"
	case KindStatusRange:
		return "status_range"
	case KindURLContains:
		return "url_contains"
	}
	return "unknown"
}

// Rule is one pattern. Only the fields relevant to Kind are set.
type Rule struct {
	Kind    Kind
	Text    string         // KindContains, KindURLContains (lower-cased)
	Pattern *regexp.Regexp // KindRegex
	Low     int            // KindStatus, KindStatusRange
	High    int            // KindStatusRange
}

// Contains builds a case-insensitive substring rule.
func Contains(s string) Rule { return Rule{Kind: KindContains, Text: strings.ToLower(s)} }

// URLContains builds a case-insensitive rule on the final URL.
func URLContains(s string) Rule { return Rule{Kind: KindURLContains, Text: strings.ToLower(s)} }

// Status builds a rule matching one exact status code.
func Status(code int) Rule { return Rule{Kind: KindStatus, Low: code, High: code} }

// StatusRange builds a rule matching low <= status <= high.
func StatusRange(low, high int) Rule { return Rule{Kind: KindStatusRange, Low: low, High: high} }

// Regex compiles a case-insensitive regular expression rule.
func Regex(expr string) (Rule, error) {
	re, err := regexp.Compile("(?i)" + expr)
	if err != nil {
		return Rule{}, fmt.Errorf("match: compile %q: %w", expr, err)
	}
	return Rule{Kind: KindRegex, Pattern: re}, nil
}

// ParseStatusRange parses "200-299" or a single "404".
func ParseStatusRange(s string) (Rule, error) {
	s = strings.TrimSpace(s)
	lo, hi, found := strings.Cut(s, "-")
	low, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return Rule{}, fmt.Errorf("match: status range %q: %w", s, err)
	}
	if !found {
		return Status(low), nil
	}
	high, err := strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return Rule{}, fmt.Errorf("match: status range %q: %w", s, err)
	}
	if high < low {
		return Rule{}, fmt.Errorf("match: status range %q: high below low", s)
	}
	return StatusRange(low, high), nil
}

// Name renders the rule for the reason column.
func (r Rule) Name() string {
	switch r.Kind {
	case KindContains:
		return "contains:" + r.Text
	case KindURLContains:
		return "url_contains:" + r.Text
	case KindRegex:
		return "regex:" + strings.TrimPrefix(r.Pattern.String(), "(?i)")
	case KindStatus:
		return "status:" + strconv.Itoa(r.Low)
	case KindStatusRange:
		return fmt.Sprintf("status:%d-%d", r.Low, r.High)
	}
	return "unknown"
}

// Content is what a stage observed. StatusCode is zero when the stage has
// no HTTP status (browser runs). Text is matched case-insensitively.
type Content struct {
	StatusCode int
	Text       string
	URL        string
}

func (r Rule) matches(c Content, lowerText, lowerURL string) bool {
	switch r.Kind {
	case KindContains:
		return r.Text != "" && strings.Contains(lowerText, r.Text)
	case KindURLContains:
		return r.Text != "" && strings.Contains(lowerURL, r.Text)
	case KindRegex:
		return r.Pattern != nil && r.Pattern.MatchString(c.Text)
	case KindStatus, KindStatusRange:
		return c.StatusCode != 0 && c.StatusCode >= r.Low && c.StatusCode <= r.High
	}
	return false
}

// RuleSet holds the ordered rules of each category.
type RuleSet struct {
	Blocked []Rule
	Failure []Rule
	Success []Rule
}

// Len counts the rules across categories.
func (rs RuleSet) Len() int { return len(rs.Blocked) + len(rs.Failure) + len(rs.Success) }

// Decisive reports whether the set holds any success or failure rule.
func (rs RuleSet) Decisive() bool { return len(rs.Failure)+len(rs.Success) > 0 }

// Merge returns a new set with other's rules appended after rs's rules in each
// category. Neither input is modified.
func (rs RuleSet) Merge(other RuleSet) RuleSet {
	return RuleSet{
		Blocked: concat(rs.Blocked, other.Blocked),
		Failure: concat(rs.Failure, other.Failure),
		Success: concat(rs.Success, other.Success),
	}
}

// Filter returns the rules of rs whose kind satisfies keep.
func (rs RuleSet) Filter(keep func(Kind) bool) RuleSet {
	pick := func(in []Rule) []Rule {
		var out []Rule
		for _, r := range in {
			if keep(r.Kind) {
				out = append(out, r)
			}
		}
		return out
	}
	return RuleSet{Blocked: pick(rs.Blocked), Failure: pick(rs.Failure), Success: pick(rs.Success)}
}

func concat(a, b []Rule) []Rule {
	out := make([]Rule, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

// Result is the outcome of Evaluate. Rule is empty for Indeterminate.
type Result struct {
	Verdict Verdict
	Rule    string
}

// Evaluate classifies content against rs.
func Evaluate(c Content, rs RuleSet) Result {
	lowerText := strings.ToLower(c.Text)
	lowerURL := strings.ToLower(c.URL)

	categories := []struct {
		v     Verdict
		rules []Rule
	}{
		{Blocked, rs.Blocked},
		{Failure, rs.Failure},
		{Success, rs.Success},
	}
	for _, cat := range categories {
		for _, r := range cat.rules {
			if r.matches(c, lowerText, lowerURL) {
				return Result{Verdict: cat.v, Rule: r.Name()}
			}
		}
	}
	return Result{Verdict: Indeterminate}
}
