package match

import "testing"

func mustRegex(t *testing.T, expr string) Rule {
	t.Helper()
	r, err := Regex(expr)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestEvaluate_Precedence(t *testing.T) {
	// WHAT: Content matching all three categories resolves to blocked.
	// WHY: A captcha page that also echoes "invalid" must not be recorded as a real answer.
	rs := RuleSet{
		Blocked: []Rule{Contains("captcha")},
		Failure: []Rule{Contains("invalid")},
		Success: []Rule{Contains("redeemed")},
	}
	got := Evaluate(Content{Text: "Captcha required. Code invalid. Redeemed!"}, rs)
	if got.Verdict != Blocked {
		t.Fatalf("verdict = %s, want blocked", got.Verdict)
	}
	if got.Rule != "contains:captcha" {
		t.Fatalf("rule = %q", got.Rule)
	}

	got = Evaluate(Content{Text: "code invalid or already redeemed"}, rs)
	if got.Verdict != Failure {
		t.Fatalf("verdict = %s, want failure", got.Verdict)
	}
}

func TestEvaluate_FirstMatchWithinCategory(t *testing.T) {
	// WHAT: The first listed rule in a category is reported.
	// WHY: The reason column must be stable across runs.
	rs := RuleSet{Success: []Rule{Contains("ok"), Contains("thanks")}}
	got := Evaluate(Content{Text: "thanks, ok"}, rs)
	if got.Rule != "contains:ok" {
		t.Fatalf("rule = %q, want contains:ok", got.Rule)
	}
}

func TestEvaluate_Indeterminate(t *testing.T) {
	// WHAT: Nothing matches, verdict is indeterminate with no rule.
	rs := RuleSet{Success: []Rule{Contains("ok")}}
	got := Evaluate(Content{Text: "nothing here"}, rs)
	if got.Verdict != Indeterminate || got.Rule != "" {
		t.Fatalf("got %+v", got)
	}
}

func TestEvaluate_CaseInsensitive(t *testing.T) {
	// WHAT: Substring and regex rules ignore case.
	rs := RuleSet{
		Failure: []Rule{Contains("Not Valid")},
		Success: []Rule{mustRegex(t, `code\s+accepted`)},
	}
	if got := Evaluate(Content{Text: "CODE NOT VALID"}, rs); got.Verdict != Failure {
		t.Fatalf("verdict = %s", got.Verdict)
	}
	if got := Evaluate(Content{Text: "Code   ACCEPTED"}, rs); got.Verdict != Success {
		t.Fatalf("verdict = %s", got.Verdict)
	}
}

func TestEvaluate_StatusRules(t *testing.T) {
	// WHAT: Status rules key on the HTTP status and ignore content without one.
	// WHY: Browser runs carry no status and must not match status rules.
	r, err := ParseStatusRange("400-404")
	if err != nil {
		t.Fatal(err)
	}
	rs := RuleSet{Blocked: []Rule{Status(429)}, Failure: []Rule{r}}
	if got := Evaluate(Content{StatusCode: 429}, rs); got.Verdict != Blocked {
		t.Fatalf("429 verdict = %s", got.Verdict)
	}
	if got := Evaluate(Content{StatusCode: 404}, rs); got.Verdict != Failure || got.Rule != "status:400-404" {
		t.Fatalf("404 got %+v", got)
	}
	if got := Evaluate(Content{StatusCode: 0}, rs); got.Verdict != Indeterminate {
		t.Fatalf("no status verdict = %s", got.Verdict)
	}
}

func TestEvaluate_URLContains(t *testing.T) {
	rs := RuleSet{Success: []Rule{URLContains("/thank-you")}}
	if got := Evaluate(Content{URL: "https://x.test/Thank-You?id=1"}, rs); got.Verdict != Success {
		t.Fatalf("verdict = %s", got.Verdict)
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	// WHAT: Repeated evaluation yields identical results.
	rs := RuleSet{Failure: []Rule{Contains("no")}, Success: []Rule{Contains("yes")}}
	c := Content{Text: "yes and no"}
	first := Evaluate(c, rs)
	for range 50 {
		if got := Evaluate(c, rs); got != first {
			t.Fatalf("got %+v, want %+v", got, first)
		}
	}
}

func TestParseStatusRange_Errors(t *testing.T) {
	for _, in := range []string{"", "abc", "500-400", "200-x"} {
		if _, err := ParseStatusRange(in); err == nil {
			t.Errorf("ParseStatusRange(%q): expected error", in)
		}
	}
}

func TestRuleSet_MergeAndFilter(t *testing.T) {
	a := RuleSet{Success: []Rule{Contains("a")}}
	b := RuleSet{Success: []Rule{Contains("b")}, Failure: []Rule{Status(404)}}
	m := a.Merge(b)
	if len(m.Success) != 2 || m.Success[0].Text != "a" || len(m.Failure) != 1 {
		t.Fatalf("merge = %+v", m)
	}
	if len(a.Success) != 1 {
		t.Fatal("merge mutated receiver")
	}
	noStatus := m.Filter(func(k Kind) bool { return k != KindStatus && k != KindStatusRange })
	if len(noStatus.Failure) != 0 || noStatus.Len() != 2 {
		t.Fatalf("filter = %+v", noStatus)
	}
	if !m.Decisive() || (RuleSet{Blocked: []Rule{Contains("x")}}).Decisive() {
		t.Fatal("Decisive mismatch")
	}
}
