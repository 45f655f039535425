// CLAUDE:SUMMARY Browser storage-state bundle (cookies + localStorage per origin) and cookie selection for a target URL.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Cookie is one cookie of a storage-state bundle. Expires is Unix seconds;
// -1 or 0 means a session cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite"`
}

// StorageItem is one localStorage entry.
type StorageItem struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Origin holds the localStorage snapshot of one origin.
type Origin struct {
	Origin       string        `json:"origin"`
	LocalStorage []StorageItem `json:"localStorage"`
}

// SessionState is a stored browser session, in the storage-state JSON
// shape produced by common browser automation tools.
type SessionState struct {
	Cookies []Cookie `json:"cookies"`
	Origins []Origin `json:"origins"`
}

// ParseSessionState decodes a storage-state document. It must be a JSON object.
func ParseSessionState(data []byte) (*SessionState, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("profile: session state must be a JSON object: %w", err)
	}
	var st SessionState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("profile: session state: %w", err)
	}
	kept := st.Cookies[:0]
	for _, c := range st.Cookies {
		if strings.TrimSpace(c.Name) != "" {
			kept = append(kept, c)
		}
	}
	st.Cookies = kept
	return &st, nil
}

// ReadSessionState loads a bundle from disk. A missing file yields nil, nil.
func ReadSessionState(path string) (*SessionState, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("profile: read session state: %w", err)
	}
	return ParseSessionState(data)
}

// WriteSessionState validates data and writes it atomically to path.
func WriteSessionState(path string, data []byte) error {
	if _, err := ParseSessionState(data); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("profile: mkdir sessions: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".session-*.json")
	if err != nil {
		return fmt.Errorf("profile: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("profile: write session state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("profile: write session state: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("profile: rename session state: %w", err)
	}
	return nil
}

// CookiesFor returns the unexpired cookies that a browser would send to rawURL.
func (s *SessionState) CookiesFor(rawURL string, now time.Time) []Cookie {
	if s == nil {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	var out []Cookie
	for _, c := range s.Cookies {
		if c.Expires > 0 && time.Unix(int64(c.Expires), 0).Before(now) {
			continue
		}
		if c.Secure && u.Scheme != "https" {
			continue
		}
		if !domainMatch(host, c.Domain) {
			continue
		}
		if !pathMatch(path, c.Path) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// CookieHeader renders CookiesFor as a Cookie header value.
func (s *SessionState) CookieHeader(rawURL string, now time.Time) string {
	cookies := s.CookiesFor(rawURL, now)
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// LocalStorageFor returns the localStorage entries recorded for the origin of rawURL.
func (s *SessionState) LocalStorageFor(rawURL string) []StorageItem {
	if s == nil {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	origin := u.Scheme + "://" + u.Host
	for _, o := range s.Origins {
		if strings.EqualFold(strings.TrimSuffix(o.Origin, "/"), origin) {
			return o.LocalStorage
		}
	}
	return nil
}

// pathMatch applies the RFC 6265 path-match rule: /account matches
// /account and /account/x but not /accounts.
func pathMatch(path, cookiePath string) bool {
	if cookiePath == "" {
		cookiePath = "/"
	}
	if !strings.HasPrefix(path, cookiePath) {
		return false
	}
	return len(path) == len(cookiePath) ||
		strings.HasSuffix(cookiePath, "/") ||
		path[len(cookiePath)] == '/'
}

func domainMatch(host, domain string) bool {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return true
	}
	domain = strings.TrimPrefix(domain, ".")
	return host == domain || strings.HasSuffix(host, "."+domain)
}
