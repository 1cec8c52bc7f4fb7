// Package useflags defines the USE-flag maps shared across configuration
// evaluation, atom matching, and dependency analysis.
package useflags

import "sort"

// UseMap maps a USE-flag name to whether it is enabled. Iteration order is
// irrelevant to semantics; Sorted returns a presentation-friendly order.
type UseMap map[string]bool

// Sorted returns the flag names in UseMap in ascending order.
func (m UseMap) Sorted() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns an independent copy of m.
func (m UseMap) Clone() UseMap {
	out := make(UseMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// FromTokens builds a UseMap from a "USE"-style token list, where a bare
// token enables the flag and a "-"-prefixed token disables it. Later tokens
// win on conflict, matching incremental-variable merge order.
func FromTokens(tokens []string) UseMap {
	m := make(UseMap)
	for _, t := range tokens {
		if len(t) > 0 && t[0] == '-' {
			m[t[1:]] = false
		} else {
			m[t] = true
		}
	}
	return m
}

// IUseMap maps a declared USE flag to its ebuild-declared default value
// (the "+" / "-" prefix in IUSE, or unset-default when absent from the map
// at all — callers distinguish "declared, no default" from "not declared"
// by checking map membership via the second return of a plain lookup, so
// IUseMap uses *bool plumbing conventions only at the edges that need it).
type IUseMap map[string]bool

// FromIUSETokens parses a raw "IUSE" token list ("+foo -bar baz") into the
// set of declared flags and their defaults. Flags with no +/- prefix are
// recorded with a false default (PMS treats them as declared but initially
// disabled).
func FromIUSETokens(tokens []string) IUseMap {
	m := make(IUseMap, len(tokens))
	for _, t := range tokens {
		switch {
		case len(t) > 0 && t[0] == '+':
			m[t[1:]] = true
		case len(t) > 0 && t[0] == '-':
			m[t[1:]] = false
		default:
			m[t] = false
		}
	}
	return m
}

// Sorted returns the declared flag names in ascending order.
func (m IUseMap) Sorted() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
