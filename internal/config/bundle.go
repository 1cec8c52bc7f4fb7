// Package config merges an ordered list of profile / make.conf /
// package.* configuration nodes into per-package USE flags, keyword
// acceptance, masks, and provided-package overrides, with PMS-conformant
// incremental-variable semantics (spec component 4.C).
package config

import (
	"fmt"
	"sort"
	"strings"

	"alchemist.dev/alloy/internal/depexpr"
	"alchemist.dev/alloy/internal/useflags"
	"alchemist.dev/alloy/internal/version"
)

// PackageRef is the minimal identity ConfigBundle needs to evaluate
// per-package configuration; it deliberately carries nothing that would
// require having already evaluated the ebuild (that's the resolver's job,
// which in turn depends on USE having already been computed here).
type PackageRef struct {
	Name    string
	Version *version.Version
}

func (p PackageRef) targetPackage(mainSlot string, use useflags.UseMap) *depexpr.TargetPackage {
	return &depexpr.TargetPackage{Name: p.Name, Version: p.Version, MainSlot: mainSlot, Use: use}
}

// Bundle is an ordered, immutable list of configuration nodes plus the
// general incremental variables precomputed at construction time.
type Bundle struct {
	nodes []Node

	vars              map[string]string // merged non-incremental variable map
	useExpand         []string
	useExpandHidden   []string
	useExpandImplicit []string
	useExpandUnpref   []string
	iuseImplicit      []string
	configProtect     []string
	configProtectMask []string
	envUnset          []string

	// useExpandValues[NAME] holds the merged token set of the
	// USE_EXPAND_VALUES_<NAME> variable for each USE_EXPAND or
	// USE_EXPAND_UNPREFIXED name (e.g. "ARCH", "KERNEL"), precomputed like
	// the other incremental variables.
	useExpandValues map[string][]string
}

// NewBundle constructs a Bundle from an ordered node list (profiles then
// make.conf then package.* overrides, least to most specific) and computes
// every cacheable incremental variable once.
func NewBundle(nodes []Node) *Bundle {
	b := &Bundle{nodes: nodes, vars: make(map[string]string), useExpandValues: make(map[string][]string)}

	var rawUseExpand, rawUseExpandHidden, rawUseExpandImplicit, rawUseExpandUnpref []string
	var rawIUSEImplicit, rawConfigProtect, rawConfigProtectMask, rawEnvUnset []string

	for _, n := range nodes {
		if n.Vars == nil {
			continue
		}
		for k, v := range n.Vars.Vars {
			switch k {
			case "USE_EXPAND":
				rawUseExpand = append(rawUseExpand, strings.Fields(v)...)
			case "USE_EXPAND_HIDDEN":
				rawUseExpandHidden = append(rawUseExpandHidden, strings.Fields(v)...)
			case "USE_EXPAND_IMPLICIT":
				rawUseExpandImplicit = append(rawUseExpandImplicit, strings.Fields(v)...)
			case "USE_EXPAND_UNPREFIXED":
				rawUseExpandUnpref = append(rawUseExpandUnpref, strings.Fields(v)...)
			case "IUSE_IMPLICIT":
				rawIUSEImplicit = append(rawIUSEImplicit, strings.Fields(v)...)
			case "CONFIG_PROTECT":
				rawConfigProtect = append(rawConfigProtect, strings.Fields(v)...)
			case "CONFIG_PROTECT_MASK":
				rawConfigProtectMask = append(rawConfigProtectMask, strings.Fields(v)...)
			case "ENV_UNSET":
				rawEnvUnset = append(rawEnvUnset, strings.Fields(v)...)
			case "USE":
				// USE is never cached; it is recomputed per package below.
			default:
				b.vars[k] = v // last writer wins for non-incremental scalars
			}
		}
	}

	b.useExpand = MergeIncremental(nil, rawUseExpand)
	b.useExpandHidden = MergeIncremental(nil, rawUseExpandHidden)
	b.useExpandImplicit = MergeIncremental(nil, rawUseExpandImplicit)
	b.useExpandUnpref = MergeIncremental(nil, rawUseExpandUnpref)
	b.iuseImplicit = MergeIncremental(nil, rawIUSEImplicit)
	b.configProtect = MergeIncremental(nil, rawConfigProtect)
	b.configProtectMask = MergeIncremental(nil, rawConfigProtectMask)
	b.envUnset = MergeIncremental(nil, rawEnvUnset)

	for _, name := range append(append([]string{}, b.useExpand...), b.useExpandUnpref...) {
		var raw []string
		for _, n := range nodes {
			if n.Vars == nil {
				continue
			}
			if v, ok := n.Vars.Vars["USE_EXPAND_VALUES_"+name]; ok {
				raw = append(raw, strings.Fields(v)...)
			}
		}
		b.useExpandValues[name] = MergeIncremental(nil, raw)
	}

	return b
}

// Var returns a non-incremental variable's merged value (last writer wins).
func (b *Bundle) Var(name string) string { return b.vars[name] }

// ConfigProtect and ConfigProtectMask expose the two precomputed
// incremental path lists.
func (b *Bundle) ConfigProtect() []string     { return append([]string(nil), b.configProtect...) }
func (b *Bundle) ConfigProtectMask() []string { return append([]string(nil), b.configProtectMask...) }
func (b *Bundle) EnvUnset() []string          { return append([]string(nil), b.envUnset...) }

// EffectiveIUSE computes the implicit IUSE for a package: IUSE_IMPLICIT,
// plus one flag per USE_EXPAND_IMPLICIT variable prefixed with
// "<name_lower>_<value>" for USE_EXPAND names and bare "<value>" for
// USE_EXPAND_UNPREFIXED names, plus the ebuild-declared IUSE.
func (b *Bundle) EffectiveIUSE(declaredIUSE []string) []string {
	out := append([]string{}, b.iuseImplicit...)
	for _, name := range b.useExpandImplicit {
		prefix := strings.ToLower(name) + "_"
		unprefixed := contains(b.useExpandUnpref, name)
		for _, v := range b.useExpandValues[name] {
			if unprefixed {
				out = append(out, v)
			} else {
				out = append(out, prefix+v)
			}
		}
	}
	out = append(out, declaredIUSE...)
	return out
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// ComputeUse implements spec 4.C's per-package USE computation.
func (b *Bundle) ComputeUse(pkg PackageRef, declaredIUSE []string) (useflags.UseMap, error) {
	iuse := useflags.FromIUSETokens(b.EffectiveIUSE(declaredIUSE))

	use := make(useflags.UseMap, len(iuse))
	for flag, def := range iuse {
		if def {
			use[flag] = true
		} else {
			use[flag] = false
		}
	}

	// (a) variable-node USE tokens, then (b) package.use updates whose
	// filter matches. StableOnly is not consulted: *.stable.* entries
	// apply to every matching package whether or not it is stable.
	// USE_EXPAND values enter only through EffectiveIUSE, as IUSE entries
	// that start disabled; they are changed only by (a)/(b) like any
	// other flag.
	var tokens []string
	for _, n := range b.nodes {
		if n.Vars != nil {
			if v, ok := n.Vars.Vars["USE"]; ok {
				tokens = append(tokens, strings.Fields(v)...)
			}
		}
	}
	applyTokens(use, tokens)

	masks := make(map[string]bool)
	forces := make(map[string]bool)
	for _, n := range b.nodes {
		if n.Use == nil || n.Use.Kind == UseSet {
			continue
		}
		if n.Use.Filter != nil {
			tp := pkg.targetPackage("", use)
			ok, err := n.Use.Filter.Match(tp)
			if err != nil {
				return nil, fmt.Errorf("package.use.* filter %q: %w", n.Use.Filter, err)
			}
			if !ok {
				continue
			}
		}
		for _, t := range n.Use.Tokens {
			name, enable := tokenNameAndSign(t)
			if n.Use.Kind == UseMask {
				masks[name] = enable
			} else {
				forces[name] = enable
			}
		}
	}
	for _, n := range b.nodes {
		if n.Use == nil || n.Use.Kind != UseSet {
			continue
		}
		if n.Use.Filter != nil {
			tp := pkg.targetPackage("", use)
			ok, err := n.Use.Filter.Match(tp)
			if err != nil {
				return nil, fmt.Errorf("package.use filter %q: %w", n.Use.Filter, err)
			}
			if !ok {
				continue
			}
		}
		applyTokens(use, n.Use.Tokens)
	}

	// Mask wins over Force on conflict (PMS rule).
	for name, enable := range forces {
		if _, masked := masks[name]; masked {
			continue
		}
		use[name] = enable
	}
	for name, enable := range masks {
		use[name] = enable
	}

	return use, nil
}

func tokenNameAndSign(t string) (name string, enable bool) {
	if strings.HasPrefix(t, "-") {
		return t[1:], false
	}
	return t, true
}

func applyTokens(use useflags.UseMap, tokens []string) {
	for _, t := range tokens {
		name, enable := tokenNameAndSign(t)
		use[name] = enable
	}
}

// IsMasked reports whether pkg is masked, and by which source file, per the
// "last matching update wins, default unmasked" rule.
func (b *Bundle) IsMasked(pkg PackageRef) (masked bool, reason string) {
	tp := &depexpr.TargetPackage{Name: pkg.Name, Version: pkg.Version}
	for _, n := range b.nodes {
		if n.Mask == nil {
			continue
		}
		ok, err := n.Mask.Atom.Match(tp)
		if err != nil || !ok {
			continue
		}
		switch n.Mask.Kind {
		case MaskMask:
			masked, reason = true, n.Mask.Source
		case MaskUnmask:
			masked, reason = false, ""
		}
	}
	return masked, reason
}

// PackageMasks returns every mask atom across the bundle, in node order.
func (b *Bundle) PackageMasks() []*depexpr.Atom {
	var out []*depexpr.Atom
	for _, n := range b.nodes {
		if n.Mask != nil && n.Mask.Kind == MaskMask {
			out = append(out, n.Mask.Atom)
		}
	}
	return out
}

// ProvidedPackages returns every package.provided entry in the bundle.
func (b *Bundle) ProvidedPackages() []ProvidedPackage {
	var out []ProvidedPackage
	for _, n := range b.nodes {
		if n.Provided != nil {
			out = append(out, *n.Provided)
		}
	}
	return out
}

// FindProvidedPackages returns the subset of ProvidedPackages matching atom.
func (b *Bundle) FindProvidedPackages(atom *depexpr.Atom) ([]ProvidedPackage, error) {
	var out []ProvidedPackage
	for _, p := range b.ProvidedPackages() {
		tp := &depexpr.TargetPackage{Name: p.Name, Version: p.Version}
		ok, err := atom.Match(tp)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// AcceptedKeywords returns the merged ACCEPT_KEYWORDS list applicable to
// pkg (spec 4.C: variable-node ACCEPT_KEYWORDS merged with matching
// package.accept_keywords entries; an entry with an empty accept list
// defaults to "~$ARCH").
func (b *Bundle) AcceptedKeywords(pkg PackageRef) ([]string, error) {
	arch := b.Var("ARCH")
	var accept []string
	for _, n := range b.nodes {
		if n.Vars != nil {
			if v, ok := n.Vars.Vars["ACCEPT_KEYWORDS"]; ok {
				accept = append(accept, strings.Fields(v)...)
			}
		}
	}

	tp := &depexpr.TargetPackage{Name: pkg.Name, Version: pkg.Version}
	for _, n := range b.nodes {
		if n.Keyword == nil {
			continue
		}
		if n.Keyword.Filter != nil {
			ok, err := n.Keyword.Filter.Match(tp)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		if len(n.Keyword.Accept) == 0 {
			accept = append(accept, "~"+arch)
		} else {
			accept = append(accept, n.Keyword.Accept...)
		}
	}

	sort.Strings(accept)
	return dedupStrings(accept), nil
}

func dedupStrings(in []string) []string {
	out := in[:0]
	var last string
	for i, s := range in {
		if i == 0 || s != last {
			out = append(out, s)
			last = s
		}
	}
	return out
}

// keywordMatches implements the (accept, keyword) truth table of spec 4.C.
// accept == "**" is handled separately by anyAcceptMatches, since it must
// match even when a package declares no KEYWORDS at all.
func keywordMatches(accept, keyword string) bool {
	if strings.HasPrefix(keyword, "-") {
		return false
	}
	if keyword == "*" {
		return true
	}
	if keyword == "~*" {
		return strings.HasPrefix(accept, "~")
	}
	switch accept {
	case "*":
		if !strings.HasPrefix(keyword, "~") {
			return true
		}
	case "~*":
		if strings.HasPrefix(keyword, "~") {
			return true
		}
	}
	if accept == keyword {
		return true
	}
	return false
}

// IsAccepted reports whether pkg, whose ebuild declares the given KEYWORDS,
// is accepted under the bundle's ACCEPT_KEYWORDS configuration.
func (b *Bundle) IsAccepted(pkg PackageRef, keywords []string) (bool, error) {
	accept, err := b.AcceptedKeywords(pkg)
	if err != nil {
		return false, err
	}
	return anyAcceptMatches(accept, keywords), nil
}

func anyAcceptMatches(accept, keywords []string) bool {
	for _, a := range accept {
		if a == "**" {
			return true // matches anything, including a package with no KEYWORDS
		}
		for _, k := range keywords {
			if keywordMatches(a, k) {
				return true
			}
		}
	}
	return false
}

// IsStable reports whether pkg would no longer be accepted if every
// non-"~"-prefixed keyword in its KEYWORDS had "~" prepended; a package
// that would no longer be accepted under that transform is stable.
func (b *Bundle) IsStable(pkg PackageRef, keywords []string) (bool, error) {
	accept, err := b.AcceptedKeywords(pkg)
	if err != nil {
		return false, err
	}
	unstabled := make([]string, len(keywords))
	for i, k := range keywords {
		if strings.HasPrefix(k, "~") || strings.HasPrefix(k, "-") {
			unstabled[i] = k
		} else {
			unstabled[i] = "~" + k
		}
	}
	return !anyAcceptMatches(accept, unstabled), nil
}
