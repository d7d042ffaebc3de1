// Package profiles turns configured run profiles into launchable
// configurations.
package profiles

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/kandev/runctl/internal/common/config"
	"github.com/kandev/runctl/internal/execution"
	"github.com/kandev/runctl/internal/process"
)

// Profile is a configured shell command. It can be launched by the exec
// runner and knows which other profiles it cannot run alongside.
type Profile struct {
	name         string
	command      process.Command
	incompatible map[string]bool
}

var (
	_ execution.CompatibilityAware = (*Profile)(nil)
	_ process.CommandProfile       = (*Profile)(nil)
)

func (p *Profile) Name() string             { return p.name }
func (p *Profile) Command() process.Command { return p.command }

// MustStopToRun reports whether p, while running, blocks other from starting.
func (p *Profile) MustStopToRun(other execution.RunProfile) bool {
	return other != nil && p.incompatible[other.Name()]
}

// IncompatibleWith lists the profiles p cannot run alongside, sorted.
func (p *Profile) IncompatibleWith() []string {
	out := make([]string, 0, len(p.incompatible))
	for name := range p.incompatible {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Catalog holds one ConfigSettings per configured profile. The settings
// pointers are stable for the catalog's lifetime, so sessions of the same
// profile always share them.
type Catalog struct {
	mu       sync.RWMutex
	order    []string
	settings map[string]*execution.ConfigSettings
}

// NewCatalog builds the catalog. Relative profile directories resolve
// against root. Incompatibility is symmetric: if a names b, b also blocks a.
func NewCatalog(cfgs []config.ProfileConfig, root string) (*Catalog, error) {
	c := &Catalog{settings: make(map[string]*execution.ConfigSettings, len(cfgs))}

	incompatible := make(map[string]map[string]bool, len(cfgs))
	mark := func(a, b string) {
		if incompatible[a] == nil {
			incompatible[a] = make(map[string]bool)
		}
		incompatible[a][b] = true
	}
	for _, pc := range cfgs {
		for _, other := range pc.IncompatibleWith {
			if other == pc.Name {
				continue
			}
			mark(pc.Name, other)
			mark(other, pc.Name)
		}
	}

	for _, pc := range cfgs {
		if _, dup := c.settings[pc.Name]; dup {
			return nil, fmt.Errorf("duplicate profile %q", pc.Name)
		}
		profile := &Profile{
			name: pc.Name,
			command: process.Command{
				Line:         pc.Command,
				Dir:          resolveDir(root, pc.Dir),
				Env:          append([]string(nil), pc.Env...),
				DetachOnStop: pc.DetachOnStop,
			},
			incompatible: incompatible[pc.Name],
		}
		s := execution.NewConfigSettings(pc.Name, profile)
		s.Singleton = pc.Singleton
		s.EditBeforeRun = pc.EditBeforeRun
		s.SetBeforeRunSteps(steps(pc.BeforeRun))

		c.settings[pc.Name] = s
		c.order = append(c.order, pc.Name)
	}
	return c, nil
}

func resolveDir(root, dir string) string {
	if dir == "" {
		return root
	}
	if filepath.IsAbs(dir) || root == "" {
		return dir
	}
	return filepath.Join(root, dir)
}

// steps converts config entries. Entries without an ordinal keep their
// declaration order.
func steps(entries []config.BeforeRunEntry) []execution.BeforeRunStep {
	out := make([]execution.BeforeRunStep, 0, len(entries))
	for i, e := range entries {
		ordinal := e.Ordinal
		if ordinal == 0 {
			ordinal = i + 1
		}
		opts := make(map[string]string, len(e.Options))
		for k, v := range e.Options {
			opts[strings.ToLower(k)] = v
		}
		out = append(out, execution.BeforeRunStep{ProviderID: e.Provider, Ordinal: ordinal, Options: opts})
	}
	return out
}

func (c *Catalog) Get(name string) (*execution.ConfigSettings, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.settings[name]
	return s, ok
}

// List returns the settings in declaration order.
func (c *Catalog) List() []*execution.ConfigSettings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*execution.ConfigSettings, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.settings[name])
	}
	return out
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// ProfileOf returns the Profile behind settings, if it came from a catalog.
func ProfileOf(s *execution.ConfigSettings) (*Profile, bool) {
	if s == nil {
		return nil, false
	}
	p, ok := s.Profile.(*Profile)
	return p, ok
}
