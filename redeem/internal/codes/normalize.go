// CLAUDE:SUMMARY Turns raw code lists into a trimmed, non-empty, first-seen-ordered unique list with duplicate accounting.
// Package codes prepares operator-supplied code lists for a job.
package codes

import "strings"

// Result is the outcome of Normalize.
type Result struct {
	Codes      []string // unique codes in first-seen order
	Raw        int      // non-empty entries after trimming
	Unique     int
	Duplicates int
}

// Normalize trims every entry, drops empty ones and removes repeats while
// keeping the first occurrence. Casing inside a code is preserved.
// len(Codes) + Duplicates always equals Raw.
func Normalize(raw []string) Result {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	n := 0
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		n++
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return Result{
		Codes:      out,
		Raw:        n,
		Unique:     len(out),
		Duplicates: n - len(out),
	}
}
