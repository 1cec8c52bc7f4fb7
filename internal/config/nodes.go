package config

import (
	"alchemist.dev/alloy/internal/depexpr"
	"alchemist.dev/alloy/internal/version"
)

// UseUpdateKind distinguishes the three ways a USE update can affect a
// flag's final value.
type UseUpdateKind int

const (
	UseSet UseUpdateKind = iota
	UseMask
	UseForce
)

// UseUpdate models one line of use.{mask,force}, package.use, or their
// *.stable.* counterparts.
type UseUpdate struct {
	Kind       UseUpdateKind
	Filter     *depexpr.Atom // nil means "applies to every package"
	StableOnly bool
	Tokens     []string // "+foo" / "-foo" / "foo"
	Source     string
}

// MaskUpdateKind distinguishes package.mask from package.unmask entries.
type MaskUpdateKind int

const (
	MaskMask MaskUpdateKind = iota
	MaskUnmask
)

// MaskUpdate models one line of package.mask or package.unmask.
type MaskUpdate struct {
	Kind   MaskUpdateKind
	Atom   *depexpr.Atom
	Source string
}

// ProvidedPackage models one entry from package.provided.
type ProvidedPackage struct {
	Name    string
	Version *version.Version
	Source  string
}

// KeywordUpdate models one line of package.accept_keywords.
type KeywordUpdate struct {
	Filter  *depexpr.Atom
	Accept  []string // empty means "default to ~$ARCH"
	Source  string
}

// VarsUpdate carries a raw profile-variable assignment (make.conf or a
// profile's make.defaults), keyed by variable name.
type VarsUpdate struct {
	Vars   map[string]string
	Source string
}

// Node is a value of one of the five ConfigNode variants (spec 3). Exactly
// one of the typed fields is non-nil.
type Node struct {
	Vars     *VarsUpdate
	Use      *UseUpdate
	Mask     *MaskUpdate
	Provided *ProvidedPackage
	Keyword  *KeywordUpdate
}
