package profile

import (
	"net/url"
	"strings"
)

// RenderURL substitutes the escaped code into template. A template without
// the placeholder gets the code appended as a "code" query parameter.
func RenderURL(template, code string) string {
	escaped := strings.ReplaceAll(url.QueryEscape(code), "+", "%20")
	if strings.Contains(template, Placeholder) {
		return strings.ReplaceAll(template, Placeholder, escaped)
	}
	sep := "?"
	if strings.Contains(template, "?") {
		sep = "&"
	}
	return template + sep + "code=" + escaped
}

// TargetURL renders the page to open for code: the URL template (or the
// job override) in url_template mode, the form page in form mode.
func (p *Profile) TargetURL(override, code string) string {
	if p.Mode == ModeForm {
		return p.Form.URL
	}
	tmpl := override
	if tmpl == "" {
		tmpl = p.URLTemplate
	}
	return RenderURL(tmpl, code)
}
