// Package resolver implements the package resolver (spec component 4.E):
// given an atom and a configuration bundle, it returns the best-matching,
// non-masked package details from a repository set.
package resolver

import (
	"fmt"
	"sync"

	"alchemist.dev/alloy/internal/config"
	"alchemist.dev/alloy/internal/depexpr"
	"alchemist.dev/alloy/internal/pkgmeta"
	"alchemist.dev/alloy/internal/repository"
)

// EbuildLoader is the black-box ebuild evaluator interface: given an
// ebuild path, it returns parsed PackageDetails or reports why the package
// is masked. The shell subprocess that actually evaluates ebuild variables
// lives outside this module's scope (spec section 1); production callers
// wire a ShellEbuildLoader-style implementation here, tests use a stub.
type EbuildLoader interface {
	Load(ebuildPath string, repoName string) (*pkgmeta.PackageDetails, error)
}

// Resolver is the only component that calls the ebuild loader; results are
// memoized by ebuild path so repeated queries against overlapping atom
// sets don't re-evaluate the same ebuild.
type Resolver struct {
	repos  *repository.Set
	bundle *config.Bundle
	loader EbuildLoader

	mu    sync.Mutex
	cache map[string]*loadResult
}

type loadResult struct {
	details *pkgmeta.PackageDetails
	err     error
}

// New constructs a Resolver over repos, configured by bundle, using loader
// to evaluate ebuilds.
func New(repos *repository.Set, bundle *config.Bundle, loader EbuildLoader) *Resolver {
	return &Resolver{repos: repos, bundle: bundle, loader: loader, cache: make(map[string]*loadResult)}
}

func (r *Resolver) load(ebuildPath, repoName string) (*pkgmeta.PackageDetails, error) {
	r.mu.Lock()
	if cached, ok := r.cache[ebuildPath]; ok {
		r.mu.Unlock()
		return cached.details, cached.err
	}
	r.mu.Unlock()

	details, err := r.loader.Load(ebuildPath, repoName)

	r.mu.Lock()
	r.cache[ebuildPath] = &loadResult{details: details, err: err}
	r.mu.Unlock()

	return details, err
}

// candidatesForAtom enumerates every ebuild that could possibly satisfy
// atom's package name, loads each (memoized), and applies bundle-derived
// masking and keyword acceptance.
func (r *Resolver) candidatesForAtom(atom *depexpr.Atom) ([]*pkgmeta.PackageDetails, error) {
	ebuilds, err := r.repos.FindEbuilds(atom.PackageName)
	if err != nil {
		return nil, fmt.Errorf("enumerating ebuilds for %s: %w", atom.PackageName, err)
	}

	var out []*pkgmeta.PackageDetails
	for _, e := range ebuilds {
		repo, _ := r.repos.RepoContaining(e.Path)
		repoName := ""
		if repo != nil {
			repoName = repo.Name
		}

		details, err := r.load(e.Path, repoName)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", e.Path, err)
		}
		if details == nil {
			continue // masked by the loader itself (e.g. invalid ebuild)
		}

		ref := config.PackageRef{Name: details.Metadata.FullName, Version: details.Metadata.Version}
		if masked, reason := r.bundle.IsMasked(ref); masked {
			details = clone(details)
			details.Readiness = pkgmeta.Masked
			details.MaskReason = reason
			out = append(out, details)
			continue
		}

		keywords := details.RawVars["KEYWORDS"]
		accepted, err := r.bundle.IsAccepted(ref, fieldsOrNil(keywords))
		if err != nil {
			return nil, err
		}
		if !accepted {
			details = clone(details)
			details.Readiness = pkgmeta.Masked
			details.MaskReason = "no accepted keyword"
			out = append(out, details)
			continue
		}

		out = append(out, details)
	}
	return out, nil
}

func clone(d *pkgmeta.PackageDetails) *pkgmeta.PackageDetails {
	dup := *d
	return &dup
}

func fieldsOrNil(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	cur := ""
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' {
			if cur != "" {
				out = append(out, cur)
				cur = ""
			}
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}

// Resolve returns the best-matching, non-masked, accepted package for
// atom, or an error if no candidate satisfies it.
func (r *Resolver) Resolve(atom *depexpr.Atom) (*pkgmeta.PackageDetails, error) {
	candidates, err := r.candidatesForAtom(atom)
	if err != nil {
		return nil, err
	}

	var best *pkgmeta.PackageDetails
	for _, c := range candidates {
		if c.Readiness != pkgmeta.Ok {
			continue
		}
		tp := &depexpr.TargetPackage{
			Name:     c.Metadata.FullName,
			Version:  c.Metadata.Version,
			MainSlot: c.Slot.Main,
			SubSlot:  c.Slot.Sub,
			Use:      c.Use,
		}
		ok, err := atom.Match(tp)
		if err != nil {
			return nil, fmt.Errorf("matching %s against %s: %w", c.Metadata.FullName, atom, err)
		}
		if !ok {
			continue
		}
		if best == nil || c.Metadata.Version.Compare(best.Metadata.Version) > 0 {
			best = c
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no package satisfies %s", atom)
	}
	return best, nil
}

// ResolveMasked is like Resolve, but also considers masked candidates so
// callers can produce a "Masked" MaybePackage with a useful reason instead
// of a bare "not found" error (spec 7, "Unsatisfiable dependency").
func (r *Resolver) ResolveMasked(atom *depexpr.Atom) (*pkgmeta.PackageDetails, error) {
	best, err := r.Resolve(atom)
	if err == nil {
		return best, nil
	}

	candidates, cerr := r.candidatesForAtom(atom)
	if cerr != nil {
		return nil, cerr
	}
	var bestMasked *pkgmeta.PackageDetails
	for _, c := range candidates {
		tp := &depexpr.TargetPackage{
			Name:     c.Metadata.FullName,
			Version:  c.Metadata.Version,
			MainSlot: c.Slot.Main,
			SubSlot:  c.Slot.Sub,
			Use:      c.Use,
		}
		ok, merr := atom.Match(tp)
		if merr != nil || !ok {
			continue
		}
		if bestMasked == nil || c.Metadata.Version.Compare(bestMasked.Metadata.Version) > 0 {
			bestMasked = c
		}
	}
	if bestMasked != nil {
		return bestMasked, fmt.Errorf("masked: %s", bestMasked.MaskReason)
	}
	return nil, err
}

// FindProvidedPackages returns the subset of the bundle's provided-package
// list that matches atom.
func (r *Resolver) FindProvidedPackages(atom *depexpr.Atom) ([]config.ProvidedPackage, error) {
	return r.bundle.FindProvidedPackages(atom)
}
