// CLAUDE:SUMMARY YAML profile file format, defaults and validation into compiled Profile values.
package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/redeemcheck/redeem/internal/match"
)

// stringList accepts either a scalar or a sequence of scalars.
type stringList []string

func (l *stringList) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		if s := strings.TrimSpace(n.Value); s != "" {
			*l = stringList{s}
		}
		return nil
	case yaml.SequenceNode:
		var raw []string
		if err := n.Decode(&raw); err != nil {
			return err
		}
		out := make(stringList, 0, len(raw))
		for _, s := range raw {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		*l = out
		return nil
	}
	return fmt.Errorf("line %d: expected string or list", n.Line)
}

type fileRule struct {
	StatusCodes     []int      `yaml:"status_codes"`
	StatusRanges    stringList `yaml:"status_ranges"`
	BodyContainsAny stringList `yaml:"body_contains_any"`
	BodyRegexAny    stringList `yaml:"body_regex_any"`
	URLContainsAny  stringList `yaml:"url_contains_any"`
}

type fileProfile struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Mode        string `yaml:"mode"`
	URLTemplate string `yaml:"url_template"`
	Form        struct {
		URL             string `yaml:"url"`
		CodeSelector    string `yaml:"code_selector"`
		SubmitSelector  string `yaml:"submit_selector"`
		WaitForSelector string `yaml:"wait_for_selector"`
	} `yaml:"form"`
	HTTP struct {
		Enabled        *bool             `yaml:"enabled"`
		TimeoutSeconds *int              `yaml:"timeout_seconds"`
		Headers        map[string]string `yaml:"headers"`
		ResultSelector string            `yaml:"result_selector"`
		Success        fileRule          `yaml:"success"`
		Failure        fileRule          `yaml:"failure"`
		Blocked        fileRule          `yaml:"blocked"`
	} `yaml:"http"`
	Browser struct {
		Enabled           *bool      `yaml:"enabled"`
		Headless          *bool      `yaml:"headless"`
		LoginRequired     bool       `yaml:"login_required"`
		TimeoutMS         *int       `yaml:"timeout_ms"`
		WaitAfterSubmitMS *int       `yaml:"wait_after_submit_ms"`
		ResultSelector    string     `yaml:"result_selector"`
		StorageStatePath  string     `yaml:"storage_state_path"`
		SuccessTextAny    stringList `yaml:"success_text_any"`
		FailureTextAny    stringList `yaml:"failure_text_any"`
		BlockedTextAny    stringList `yaml:"blocked_text_any"`
		SuccessRegexAny   stringList `yaml:"success_regex_any"`
		FailureRegexAny   stringList `yaml:"failure_regex_any"`
		BlockedRegexAny   stringList `yaml:"blocked_regex_any"`
	} `yaml:"browser"`
}

// LoadFile reads and parses a single profile file. Relative storage state
// paths resolve against sessionsDir.
func LoadFile(path, sessionsDir string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile: read %s: %w", path, err)
	}
	return Parse(data, path, sessionsDir)
}

// Parse builds a Profile from YAML. file is used for the default name and
// error messages.
func Parse(data []byte, file, sessionsDir string) (*Profile, error) {
	var fp fileProfile
	if err := yaml.Unmarshal(data, &fp); err != nil {
		return nil, &ConfigError{File: file, Reason: err.Error()}
	}
	return fp.compile(file, sessionsDir)
}

func (fp *fileProfile) compile(file, sessionsDir string) (*Profile, error) {
	fail := func(format string, args ...any) (*Profile, error) {
		return nil, &ConfigError{File: file, Reason: fmt.Sprintf(format, args...)}
	}

	name := strings.TrimSpace(fp.Name)
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	}

	mode := Mode(strings.ToLower(strings.TrimSpace(fp.Mode)))
	if mode == "" {
		mode = ModeURLTemplate
	}

	p := &Profile{
		Name:        name,
		Description: strings.TrimSpace(fp.Description),
		Mode:        mode,
		URLTemplate: strings.TrimSpace(fp.URLTemplate),
		Form: FormSpec{
			URL:             strings.TrimSpace(fp.Form.URL),
			CodeSelector:    strings.TrimSpace(fp.Form.CodeSelector),
			SubmitSelector:  strings.TrimSpace(fp.Form.SubmitSelector),
			WaitForSelector: strings.TrimSpace(fp.Form.WaitForSelector),
		},
		File: file,
	}

	switch mode {
	case ModeURLTemplate:
		if p.URLTemplate == "" {
			return fail("url_template is required in %s mode", mode)
		}
	case ModeForm:
		if p.Form.URL == "" || p.Form.CodeSelector == "" || p.Form.SubmitSelector == "" {
			return fail("form mode requires form.url, form.code_selector and form.submit_selector")
		}
	default:
		return fail("unknown mode %q", fp.Mode)
	}

	httpRules, err := compileHTTPRules(fp)
	if err != nil {
		return fail("http rules: %v", err)
	}
	browserOwn, err := compileBrowserRules(fp)
	if err != nil {
		return fail("browser rules: %v", err)
	}

	if !httpRules.Decisive() && !browserOwn.Decisive() {
		return fail("at least one success or failure rule is required")
	}

	defaults := match.RuleSet{Blocked: keywordRules(DefaultBlockedKeywords)}

	headers := make(map[string]string, len(fp.HTTP.Headers))
	for k, v := range fp.HTTP.Headers {
		if k = strings.TrimSpace(k); k != "" {
			headers[k] = v
		}
	}

	p.HTTP = HTTPSettings{
		Enabled:        boolOr(fp.HTTP.Enabled, true),
		Timeout:        time.Duration(intOr(fp.HTTP.TimeoutSeconds, 20, 1)) * time.Second,
		Headers:        headers,
		ResultSelector: strings.TrimSpace(fp.HTTP.ResultSelector),
		Rules:          dedupe(httpRules.Merge(defaults)),
	}

	// The browser also honours the HTTP body and URL rules; status rules
	// are meaningless without a response status.
	bodyRules := httpRules.Filter(func(k match.Kind) bool {
		return k != match.KindStatus && k != match.KindStatusRange
	})

	storage := strings.TrimSpace(fp.Browser.StorageStatePath)
	if storage == "" {
		storage = name + ".json"
	}
	if !filepath.IsAbs(storage) && sessionsDir != "" {
		storage = filepath.Join(sessionsDir, filepath.Clean(storage))
	}

	p.Browser = BrowserSettings{
		Enabled:          boolOr(fp.Browser.Enabled, true),
		Headless:         boolOr(fp.Browser.Headless, true),
		LoginRequired:    fp.Browser.LoginRequired,
		Timeout:          time.Duration(intOr(fp.Browser.TimeoutMS, 45000, 1000)) * time.Millisecond,
		WaitAfterSubmit:  time.Duration(intOr(fp.Browser.WaitAfterSubmitMS, 2000, 0)) * time.Millisecond,
		ResultSelector:   strings.TrimSpace(fp.Browser.ResultSelector),
		StorageStatePath: storage,
		Rules:            dedupe(browserOwn.Merge(bodyRules).Merge(defaults)),
	}

	return p, nil
}

func compileHTTPRules(fp *fileProfile) (match.RuleSet, error) {
	var rs match.RuleSet
	var err error
	if rs.Blocked, err = fp.HTTP.Blocked.compile(); err != nil {
		return rs, fmt.Errorf("blocked: %w", err)
	}
	if rs.Failure, err = fp.HTTP.Failure.compile(); err != nil {
		return rs, fmt.Errorf("failure: %w", err)
	}
	if rs.Success, err = fp.HTTP.Success.compile(); err != nil {
		return rs, fmt.Errorf("success: %w", err)
	}
	return rs, nil
}

func compileBrowserRules(fp *fileProfile) (match.RuleSet, error) {
	b := fp.Browser
	build := func(text, regex stringList) ([]match.Rule, error) {
		rules := keywordRules(text)
		for _, expr := range regex {
			r, err := match.Regex(expr)
			if err != nil {
				return nil, err
			}
			rules = append(rules, r)
		}
		return rules, nil
	}
	var rs match.RuleSet
	var err error
	if rs.Blocked, err = build(b.BlockedTextAny, b.BlockedRegexAny); err != nil {
		return rs, err
	}
	if rs.Failure, err = build(b.FailureTextAny, b.FailureRegexAny); err != nil {
		return rs, err
	}
	if rs.Success, err = build(b.SuccessTextAny, b.SuccessRegexAny); err != nil {
		return rs, err
	}
	return rs, nil
}

// compile orders a rule block as status codes, status ranges, body text,
// body regexes, then URL fragments.
func (fr fileRule) compile() ([]match.Rule, error) {
	var rules []match.Rule
	for _, c := range fr.StatusCodes {
		if c < 100 || c > 599 {
			return nil, fmt.Errorf("status code %d out of range", c)
		}
		rules = append(rules, match.Status(c))
	}
	for _, s := range fr.StatusRanges {
		r, err := match.ParseStatusRange(s)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	rules = append(rules, keywordRules(fr.BodyContainsAny)...)
	for _, expr := range fr.BodyRegexAny {
		r, err := match.Regex(expr)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	for _, s := range fr.URLContainsAny {
		rules = append(rules, match.URLContains(s))
	}
	return rules, nil
}

func keywordRules(words []string) []match.Rule {
	out := make([]match.Rule, 0, len(words))
	for _, w := range words {
		if w = strings.TrimSpace(w); w != "" {
			out = append(out, match.Contains(w))
		}
	}
	return out
}

// dedupe drops repeated rules within each category, keeping the first.
func dedupe(rs match.RuleSet) match.RuleSet {
	uniq := func(in []match.Rule) []match.Rule {
		seen := make(map[string]struct{}, len(in))
		out := make([]match.Rule, 0, len(in))
		for _, r := range in {
			key := r.Name()
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, r)
		}
		return out
	}
	return match.RuleSet{Blocked: uniq(rs.Blocked), Failure: uniq(rs.Failure), Success: uniq(rs.Success)}
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v *int, def, minimum int) int {
	n := def
	if v != nil {
		n = *v
	}
	return max(n, minimum)
}
