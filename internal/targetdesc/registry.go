package targetdesc

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/markus-k/probe-rs/internal/errors"
	"github.com/markus-k/probe-rs/internal/log"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// Registry holds every known chip family. Built-in families are always
// present; external ones come from search paths and replace built-ins with
// the same family name.
type Registry struct {
	mu          sync.RWMutex
	families    map[string]*ChipFamily
	searchPaths []string
}

// NewRegistry loads the built-in families and then every *.yaml file found
// in paths. Broken external files are skipped with a warning.
func NewRegistry(paths ...string) (*Registry, error) {
	r := &Registry{searchPaths: paths}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// SearchPaths returns the directories the registry reads from.
func (r *Registry) SearchPaths() []string {
	return r.searchPaths
}

// Reload rebuilds the registry from scratch. The previous contents stay in
// place if the built-in set fails to load.
func (r *Registry) Reload() error {
	families := make(map[string]*ChipFamily)

	entries, err := builtinFS.ReadDir("builtin")
	if err != nil {
		return fmt.Errorf("failed to read built-in targets: %w", err)
	}
	for _, e := range entries {
		data, err := builtinFS.ReadFile("builtin/" + e.Name())
		if err != nil {
			return err
		}
		family, err := ParseFamily(data, SourceBuiltIn)
		if err != nil {
			return fmt.Errorf("built-in target %s: %w", e.Name(), err)
		}
		families[family.Name] = family
	}

	for _, dir := range r.searchPaths {
		for _, family := range loadDir(dir) {
			if prev, ok := families[family.Name]; ok && prev.Source == SourceExternal {
				log.Warn("target family %s in %s shadows %s", family.Name, family.Path, prev.Path)
			}
			families[family.Name] = family
		}
	}

	r.mu.Lock()
	r.families = families
	r.mu.Unlock()
	return nil
}

func loadDir(dir string) []*ChipFamily {
	if _, err := os.Stat(dir); err != nil {
		log.Warn("target search path %s: %v", dir, err)
		return nil
	}
	var matches []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		m, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			log.Warn("invalid target search path %s: %v", dir, err)
			return nil
		}
		matches = append(matches, m...)
	}
	sort.Strings(matches)

	var out []*ChipFamily
	for _, path := range matches {
		family, err := LoadFamilyFile(path)
		if err != nil {
			log.Warn("skipping target description: %v", err)
			continue
		}
		out = append(out, family)
	}
	return out
}

// Add registers a family directly (used for descriptions supplied in memory).
func (r *Registry) Add(family *ChipFamily) error {
	if err := family.Validate(); err != nil {
		return err
	}
	family.link()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.families[family.Name] = family
	return nil
}

// Families returns all families sorted by name.
func (r *Registry) Families() []*ChipFamily {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*ChipFamily, 0, len(r.families))
	for _, f := range r.families {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ChipNames returns every chip name across all families, sorted.
func (r *Registry) ChipNames() []string {
	var names []string
	for _, f := range r.Families() {
		for _, v := range f.Variants {
			names = append(names, v.Name)
		}
	}
	sort.Strings(names)
	return names
}

// Lookup finds a chip by name. An exact match wins; otherwise a unique
// case-insensitive prefix match is accepted.
func (r *Registry) Lookup(name string) (*Chip, error) {
	families := r.Families()

	for _, f := range families {
		if c := f.Variant(name); c != nil {
			return c, nil
		}
	}

	var found *Chip
	lower := strings.ToLower(name)
	for _, f := range families {
		for i := range f.Variants {
			if strings.HasPrefix(strings.ToLower(f.Variants[i].Name), lower) {
				if found != nil {
					return nil, errors.InvalidParameter("chip", name, "an unambiguous chip name")
				}
				found = &f.Variants[i]
			}
		}
	}
	if found == nil {
		return nil, errors.ChipNotFound(name, r.ChipNames())
	}
	return found, nil
}
