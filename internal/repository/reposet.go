package repository

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Set is an ordered collection of Repos plus their resolved master chains.
type Set struct {
	ordered []*Repo
	byName  map[string]*Repo
}

// chromeOSOnlyNames are never eligible to be the primary repository, per
// spec 4.D ("the last non-{chromeos, chromeos-partner} repo in insertion
// order").
var chromeOSOnlyNames = map[string]bool{"chromeos": true, "chromeos-partner": true}

// NewSet builds a Set from an ordered list of repository root directories.
// Every master named in a repo's layout.conf must be one of the repos in
// rootDirs, at any position, and a public repo must not name a "-private"
// master.
func NewSet(rootDirs []string) (*Set, error) {
	s := &Set{byName: make(map[string]*Repo)}
	for _, dir := range rootDirs {
		r, err := LoadRepo(dir)
		if err != nil {
			return nil, err
		}
		if _, dup := s.byName[r.Name]; dup {
			return nil, fmt.Errorf("duplicate repository name %q", r.Name)
		}
		s.ordered = append(s.ordered, r)
		s.byName[r.Name] = r
	}
	for _, r := range s.ordered {
		for _, m := range r.Masters {
			if _, ok := s.byName[m]; !ok {
				return nil, fmt.Errorf("repository %q references unknown master %q", r.Name, m)
			}
			if !strings.HasSuffix(r.Name, "-private") && strings.HasSuffix(m, "-private") {
				return nil, fmt.Errorf("public repository %q must not reference private master %q", r.Name, m)
			}
		}
	}
	return s, nil
}

// Repo looks up a repository by name.
func (s *Set) Repo(name string) (*Repo, bool) {
	r, ok := s.byName[name]
	return r, ok
}

// RepoContaining returns the repository whose BaseDir is a prefix of path.
func (s *Set) RepoContaining(path string) (*Repo, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, false
	}
	var best *Repo
	for _, r := range s.ordered {
		baseAbs, err := filepath.Abs(r.BaseDir)
		if err != nil {
			continue
		}
		if abs == baseAbs || strings.HasPrefix(abs, baseAbs+string(filepath.Separator)) {
			if best == nil || len(baseAbs) > len(best.BaseDir) {
				best = r
			}
		}
	}
	return best, best != nil
}

// MastersOf returns the ordered master chain of name (the masters declared
// in its own layout.conf, least to most preferred), not transitively
// expanded: each master lists its own masters independently, mirroring
// Portage's layout.conf semantics.
func (s *Set) MastersOf(name string) ([]*Repo, error) {
	r, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown repository %q", name)
	}
	var out []*Repo
	for _, m := range r.Masters {
		mr, ok := s.byName[m]
		if !ok {
			return nil, fmt.Errorf("repository %q references unknown master %q", name, m)
		}
		out = append(out, mr)
	}
	return out, nil
}

// Primary returns the primary repository: the last repo in insertion order
// whose name is not chromeos / chromeos-partner.
func (s *Set) Primary() (*Repo, bool) {
	for i := len(s.ordered) - 1; i >= 0; i-- {
		if !chromeOSOnlyNames[s.ordered[i].Name] {
			return s.ordered[i], true
		}
	}
	return nil, false
}

// EClassDirs returns every repo's eclass directory, in repo order.
func (s *Set) EClassDirs() []string {
	out := make([]string, 0, len(s.ordered))
	for _, r := range s.ordered {
		out = append(out, filepath.Join(r.BaseDir, "eclass"))
	}
	return out
}

// FindEbuilds enumerates ebuilds for packageName across every repo in the
// set, in repo order.
func (s *Set) FindEbuilds(packageName string) ([]*Ebuild, error) {
	var out []*Ebuild
	for _, r := range s.ordered {
		es, err := r.FindEbuilds(packageName)
		if err != nil {
			return nil, err
		}
		out = append(out, es...)
	}
	return out, nil
}

// overlayRootCandidates lists the directory-name patterns tried, in order,
// when locating an overlay by short name under a set of overlay roots
// (spec 4.D).
func overlayRootCandidates(name string) []string {
	return []string{name, "overlay-" + name, name + "-overlay", "project-" + name}
}

// ResolveOverlayDir locates the on-disk directory for overlay name under
// one of roots, trying each of the well-known naming patterns in order. If
// name ends in "-private", the non-suffixed variant (if present) is tried
// first, so that when both are found the private overlay is returned
// (sorting it into the higher-priority, later position by the caller that
// appends both to an ordered overlay list).
func ResolveOverlayDir(roots []string, name string) (dir string, ok bool) {
	lookup := func(n string) (string, bool) {
		for _, root := range roots {
			for _, candidate := range overlayRootCandidates(n) {
				p := filepath.Join(root, candidate)
				if info, err := os.Stat(p); err == nil && info.IsDir() {
					return p, true
				}
			}
		}
		return "", false
	}

	if strings.HasSuffix(name, "-private") {
		base := strings.TrimSuffix(name, "-private")
		if _, ok := lookup(base); ok {
			// The base overlay exists; the private overlay is still looked
			// up and returned, but traversal order (handled by callers that
			// build the full overlay list) places it after the base so it
			// takes priority.
			return lookup(name)
		}
	}
	return lookup(name)
}
