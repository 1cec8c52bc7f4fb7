// Package pkgmeta defines the PackageDetails record and related types
// shared by the resolver, dependency analyzer, source analyzer, and
// dependency graph builder (spec section 3).
package pkgmeta

import (
	"alchemist.dev/alloy/internal/useflags"
	"alchemist.dev/alloy/internal/version"
)

// Slot is a package's parallel-installation namespace. When read from a
// package it is always fully populated; atoms may carry a Slot with an
// empty Sub (see depexpr.SlotConstraint).
type Slot struct {
	Main string
	Sub  string
}

func (s Slot) String() string {
	if s.Sub == "" {
		return s.Main
	}
	return s.Main + "/" + s.Sub
}

// Readiness describes whether a package may be selected.
type Readiness int

const (
	Ok Readiness = iota
	Masked
)

// Metadata identifies one ebuild: its repository, category, short name,
// full category/name, and version.
type Metadata struct {
	EbuildPath string
	RepoName   string
	Category   string
	ShortName  string
	FullName   string // category/short-name
	Version    *version.Version
}

// PackageDetails is the per-package record produced by the (external)
// ebuild loader and consumed by every downstream component.
type PackageDetails struct {
	Metadata Metadata
	Slot     Slot
	Use      useflags.UseMap

	Stable   bool
	Readiness Readiness
	MaskReason string

	InheritedEclasses []string // set of inherited eclass names
	EclassFiles       []string // ordered eclass file paths, in inherit order

	// DirectBuildTarget, when non-empty, overrides the Bazel-style build
	// label this package's sources should be attributed to (used by a few
	// hand-maintained packages that ship pre-vendored sources).
	DirectBuildTarget string

	EAPI string

	RawVars map[string]string // raw ebuild-evaluated variables (DEPEND, SRC_URI, IUSE, KEYWORDS, ...)
}

// SlotKey uniquely identifies a node in the dependency graph: a package
// name plus its main slot (spec section 3, "PackageSlotKey").
type SlotKey struct {
	Name     string
	MainSlot string
}

// Dependencies groups resolved PackageDetails by edge class (spec 3,
// "PackageDependencies").
type Dependencies struct {
	BuildDeps       []*PackageDetails // DEPEND
	TestDeps        []*PackageDetails // DEPEND with USE=test
	RuntimeDeps     []*PackageDetails // RDEPEND
	PostDeps        []*PackageDetails // PDEPEND
	BuildHostDeps   []*PackageDetails // BDEPEND
	InstallHostDeps []*PackageDetails // IDEPEND
}
