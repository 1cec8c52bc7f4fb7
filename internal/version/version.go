// Package version implements PMS-conformant Portage package version
// parsing, comparison, and prefix ("wildcard equality") matching.
package version

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// SuffixLabel names one of the five typed version suffixes PMS recognizes,
// in ascending sort priority.
type SuffixLabel string

const (
	SuffixAlpha SuffixLabel = "_alpha"
	SuffixBeta  SuffixLabel = "_beta"
	SuffixPre   SuffixLabel = "_pre"
	SuffixRC    SuffixLabel = "_rc"
	SuffixP     SuffixLabel = "_p"
)

func (l SuffixLabel) priority() int {
	switch l {
	case SuffixAlpha:
		return 1
	case SuffixBeta:
		return 2
	case SuffixPre:
		return 3
	case SuffixRC:
		return 4
	case SuffixP:
		return 5
	default:
		panic(fmt.Sprintf("unknown version suffix label %q", string(l)))
	}
}

// Compare orders suffix labels by PMS priority, independent of string value
// (e.g. _alpha sorts below _beta even though 'a' < 'b' would agree here by
// accident; _pre sorts below _rc which sorts below the bare release).
func (l SuffixLabel) Compare(o SuffixLabel) int {
	switch lp, op := l.priority(), o.priority(); {
	case lp < op:
		return -1
	case lp > op:
		return 1
	default:
		return 0
	}
}

// Suffix is one typed suffix component, e.g. "_rc2" decodes to
// {Label: SuffixRC, Number: "2"}.
type Suffix struct {
	Label  SuffixLabel
	Number string
}

func (s *Suffix) clone() *Suffix {
	dup := *s
	return &dup
}

// Compare orders two suffixes, first by label then by numeric-ish suffix
// number using the same leading-zero-insensitive comparison as main version
// components.
func (s *Suffix) Compare(o *Suffix) int {
	if cmp := s.Label.Compare(o.Label); cmp != 0 {
		return cmp
	}
	return compareNumericString(s.Number, o.Number)
}

// Version is an ordered tuple: dot-separated main components, an optional
// single trailing letter, zero or more typed suffixes, and an optional
// revision number.
type Version struct {
	Main     []string
	Letter   string
	Suffixes []*Suffix
	Revision string
}

// Clone returns a deep copy safe to mutate independently of v.
func (v *Version) Clone() *Version {
	dup := *v
	dup.Main = append([]string(nil), v.Main...)
	dup.Suffixes = make([]*Suffix, len(v.Suffixes))
	for i, s := range v.Suffixes {
		dup.Suffixes[i] = s.clone()
	}
	return &dup
}

// ImplicitRevision returns the revision number, defaulting to "0" when the
// version carries no explicit "-rN" suffix.
func (v *Version) ImplicitRevision() string {
	if v.Revision == "" {
		return "0"
	}
	return v.Revision
}

// WithoutRevision returns a copy of v with its revision suffix dropped.
func (v *Version) WithoutRevision() *Version {
	dup := v.Clone()
	dup.Revision = ""
	return dup
}

// Major returns the first main component, or "0" if Main is empty.
func (v *Version) Major() string {
	if len(v.Main) == 0 {
		return "0"
	}
	return v.Main[0]
}

func (v *Version) String() string {
	var b strings.Builder
	for i, n := range v.Main {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(n)
	}
	b.WriteString(v.Letter)
	for _, s := range v.Suffixes {
		b.WriteString(string(s.Label))
		b.WriteString(s.Number)
	}
	if v.Revision != "" {
		b.WriteString("-r")
		b.WriteString(v.Revision)
	}
	return b.String()
}

// Compare implements PMS version ordering: main components compared
// numerically component-by-component (with a leading-zero-sensitive
// fallback for components that look like decimal fractions), then the
// trailing letter lexicographically, then typed suffixes in order, then the
// revision numerically.
func (v *Version) Compare(o *Version) int {
	if cmp := compareNumericString(v.Main[0], o.Main[0]); cmp != 0 {
		return cmp
	}
	for i := 1; i < len(v.Main) && i < len(o.Main); i++ {
		a, b := v.Main[i], o.Main[i]
		if strings.HasPrefix(a, "0") || strings.HasPrefix(b, "0") {
			// A component with a leading zero is compared as a decimal
			// fraction: trailing zeros are insignificant, but the rest is
			// compared as a string so "10" sorts after "1" but "01" == "010".
			if cmp := strings.Compare(strings.TrimRight(a, "0"), strings.TrimRight(b, "0")); cmp != 0 {
				return cmp
			}
		} else if cmp := compareNumericString(a, b); cmp != 0 {
			return cmp
		}
	}
	if len(v.Main) != len(o.Main) {
		if len(v.Main) < len(o.Main) {
			return -1
		}
		return 1
	}

	if cmp := strings.Compare(v.Letter, o.Letter); cmp != 0 {
		return cmp
	}

	for i := 0; i < len(v.Suffixes) && i < len(o.Suffixes); i++ {
		if cmp := v.Suffixes[i].Compare(o.Suffixes[i]); cmp != 0 {
			return cmp
		}
	}
	if len(v.Suffixes) != len(o.Suffixes) {
		// A dangling "_p" suffix (e.g. "1.0_p1" vs "1.0") sorts above the
		// shorter version; any other dangling suffix sorts below it, since
		// _alpha/_beta/_pre/_rc all denote a pre-release of the shorter
		// version.
		if len(v.Suffixes) > len(o.Suffixes) {
			if v.Suffixes[len(v.Suffixes)-1].Label == SuffixP {
				return 1
			}
			return -1
		}
		if o.Suffixes[len(o.Suffixes)-1].Label == SuffixP {
			return -1
		}
		return 1
	}

	return compareNumericString(v.Revision, o.Revision)
}

// HasPrefix implements the wildcard-equality ("=pkg-1.0*") match: v matches
// the prefix if, after truncating v to the same number of main components,
// suffixes, and (if absent in prefix) letter/revision as prefix, the two
// compare equal.
func (v *Version) HasPrefix(prefix *Version) bool {
	dup := v.Clone()

	if prefix.Revision == "" {
		dup.Revision = ""

		if len(dup.Suffixes) > len(prefix.Suffixes) {
			dup.Suffixes = dup.Suffixes[:len(prefix.Suffixes)]
		}
		if len(prefix.Suffixes) == 0 {
			if prefix.Letter == "" {
				dup.Letter = ""
				if len(dup.Main) > len(prefix.Main) {
					dup.Main = dup.Main[:len(prefix.Main)]
				}
			}
		}
	}

	return dup.Compare(prefix) == 0
}

func compareNumericString(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

var (
	mainPattern     = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)*)$`)
	letterPattern   = regexp.MustCompile(`([a-z])$`)
	suffixPattern   = regexp.MustCompile(`(_(?:alpha|beta|pre|rc|p))([0-9]*)$`)
	revisionPattern = regexp.MustCompile(`-r([0-9]+)$`)
)

// ExtractSuffix strips a trailing Portage version from s, returning the
// unconsumed prefix and the parsed Version. It is used both by Parse and by
// the atom parser, which needs to separate a package name from the version
// suffix attached to it.
func ExtractSuffix(s string) (prefix string, ver *Version, err error) {
	revision := ""
	if m := revisionPattern.FindStringSubmatch(s); m != nil {
		revision = m[1]
		s = s[:len(s)-len(m[0])]
	}

	var suffixes []*Suffix
	for {
		m := suffixPattern.FindStringSubmatch(s)
		if m == nil {
			break
		}
		suffixes = append([]*Suffix{{Label: SuffixLabel(m[1]), Number: m[2]}}, suffixes...)
		s = s[:len(s)-len(m[0])]
	}

	var letter string
	if m := letterPattern.FindStringSubmatch(s); m != nil {
		letter = m[1]
		s = s[:len(s)-len(m[0])]
	}

	m := mainPattern.FindStringSubmatch(s)
	if m == nil {
		return "", nil, errors.New("invalid version: missing numeric main component")
	}
	main := strings.Split(m[1], ".")
	s = s[:len(s)-len(m[0])]
	s = strings.TrimSuffix(s, "-")

	return s, &Version{Main: main, Letter: letter, Suffixes: suffixes, Revision: revision}, nil
}

// Parse parses s as a standalone Portage version string, with no leading
// package-name prefix permitted.
func Parse(s string) (*Version, error) {
	rest, ver, err := ExtractSuffix(s)
	if err != nil {
		return nil, err
	}
	if rest != "" {
		return nil, fmt.Errorf("invalid version %q: unexpected prefix %q", s, rest)
	}
	return ver, nil
}
