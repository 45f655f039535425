// CLAUDE:SUMMARY Reduces an HTML response to matchable text: optional result-region narrowing, tag stripping, whitespace folding.
package httpstage

import (
	"bytes"
	"html"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
)

// maxMatchBytes bounds how much raw body is handed to the matcher.
const maxMatchBytes = 200_000

var strict = bluemonday.StrictPolicy()

// VisibleText returns the human-visible text of an HTML fragment with
// whitespace folded.
func VisibleText(body []byte) string {
	text := html.UnescapeString(string(strict.SanitizeBytes(body)))
	return strings.Join(strings.Fields(text), " ")
}

// Region returns the outer HTML of every element matching selector, or nil
// when nothing matches.
func Region(body []byte, selector string) []byte {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	var out bytes.Buffer
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		if h, err := goquery.OuterHtml(s); err == nil {
			out.WriteString(h)
			out.WriteByte('\n')
		}
	})
	if out.Len() == 0 {
		return nil
	}
	return out.Bytes()
}

// matchText is the text rules are evaluated against. With a matching result
// selector it is the region's visible text alone; otherwise the page's
// visible text followed by the start of the raw body.
func matchText(body []byte, selector string) string {
	if selector != "" {
		if region := Region(body, selector); region != nil {
			return VisibleText(region)
		}
	}
	raw := body
	if len(raw) > maxMatchBytes {
		raw = raw[:maxMatchBytes]
	}
	return VisibleText(body) + "\n" + string(raw)
}
