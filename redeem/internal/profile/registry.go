// CLAUDE:SUMMARY Profile registry with whole-snapshot atomic reload, public summaries and per-profile session state access.
package profile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Dir         string // directory of *.yaml / *.yml files
	SessionsDir string // base for relative storage_state_path values
	Logger      *slog.Logger
}

func (c *RegistryConfig) defaults() {
	if c.Dir == "" {
		c.Dir = "profiles"
	}
	if c.SessionsDir == "" {
		c.SessionsDir = "sessions"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type snapshot struct {
	profiles map[string]*Profile
	broken   map[string]error // file stem -> parse error
}

// Registry holds the loaded profiles. Readers always observe a complete
// snapshot; Load swaps in a new one.
type Registry struct {
	cfg  RegistryConfig
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates an empty registry. Call Load to populate it.
func NewRegistry(cfg RegistryConfig) *Registry {
	cfg.defaults()
	r := &Registry{cfg: cfg}
	r.snap.Store(&snapshot{profiles: map[string]*Profile{}, broken: map[string]error{}})
	return r
}

// Load parses every profile file and swaps the registry snapshot. Broken
// files are skipped and reported in the returned error; valid ones are
// still published.
func (r *Registry) Load() error {
	var files []string
	for _, pat := range []string{"*.yaml", "*.yml"} {
		m, err := filepath.Glob(filepath.Join(r.cfg.Dir, pat))
		if err != nil {
			return fmt.Errorf("profile: glob: %w", err)
		}
		files = append(files, m...)
	}
	slices.Sort(files)

	next := &snapshot{profiles: make(map[string]*Profile), broken: make(map[string]error)}
	var errs []error
	for _, f := range files {
		p, err := LoadFile(f, r.cfg.SessionsDir)
		if err != nil {
			stem := strings.TrimSuffix(filepath.Base(f), filepath.Ext(f))
			next.broken[stem] = err
			errs = append(errs, err)
			r.cfg.Logger.Warn("profile: skipping invalid profile", "file", f, "error", err)
			continue
		}
		if prev, dup := next.profiles[p.Name]; dup {
			r.cfg.Logger.Warn("profile: duplicate name, later file wins",
				"name", p.Name, "previous", prev.File, "file", f)
		}
		next.profiles[p.Name] = p
	}
	r.snap.Store(next)
	r.cfg.Logger.Info("profile: registry loaded", "profiles", len(next.profiles), "invalid", len(next.broken))
	return errors.Join(errs...)
}

// Get returns the named profile. A profile whose file failed to parse
// yields its ConfigError.
func (r *Registry) Get(name string) (*Profile, error) {
	s := r.snap.Load()
	if p, ok := s.profiles[name]; ok {
		return p, nil
	}
	if err, ok := s.broken[name]; ok {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Names returns the sorted profile names.
func (r *Registry) Names() []string {
	s := r.snap.Load()
	names := make([]string, 0, len(s.profiles))
	for n := range s.profiles {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Summaries lists every profile with whether a session state file exists.
func (r *Registry) Summaries() []Summary {
	s := r.snap.Load()
	out := make([]Summary, 0, len(s.profiles))
	for _, name := range r.Names() {
		p, ok := s.profiles[name]
		if !ok {
			continue
		}
		_, statErr := os.Stat(p.Browser.StorageStatePath)
		out = append(out, Summary{
			Name:            p.Name,
			Description:     p.Description,
			Mode:            p.Mode,
			LoginRequired:   p.Browser.LoginRequired,
			HasSessionState: statErr == nil,
		})
	}
	return out
}

// SessionState loads the stored session of a profile, nil when none exists.
func (r *Registry) SessionState(name string) (*SessionState, error) {
	p, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return ReadSessionState(p.Browser.StorageStatePath)
}

// SaveSessionState replaces the stored session of a profile.
func (r *Registry) SaveSessionState(name string, data []byte) error {
	p, err := r.Get(name)
	if err != nil {
		return err
	}
	return WriteSessionState(p.Browser.StorageStatePath, data)
}

// Dir returns the watched profiles directory.
func (r *Registry) Dir() string { return r.cfg.Dir }
