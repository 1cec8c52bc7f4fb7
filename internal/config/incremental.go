package config

import (
	"sort"
	"strings"
)

// MergeIncremental implements the PMS incremental-variable merge algorithm
// (spec 4.C): starting from defaults, each incoming token either clears the
// set ("-*"), removes a name ("-name"), or adds a name. The result is
// sorted and deduplicated, which also makes the operation idempotent:
// MergeIncremental(MergeIncremental(nil, t), nil) == MergeIncremental(nil, t).
func MergeIncremental(defaults []string, tokenLists ...[]string) []string {
	set := make(map[string]struct{}, len(defaults))
	for _, d := range defaults {
		set[d] = struct{}{}
	}
	for _, tokens := range tokenLists {
		for _, t := range tokens {
			switch {
			case t == "-*":
				set = make(map[string]struct{})
			case strings.HasPrefix(t, "-"):
				delete(set, t[1:])
			default:
				set[t] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// incrementalVarNames lists the general incremental variables computed
// once at ConfigBundle construction time and cached, per spec 3 (USE and
// ACCEPT_KEYWORDS are deliberately excluded: they vary per package).
var incrementalVarNames = []string{
	"USE_EXPAND",
	"USE_EXPAND_HIDDEN",
	"CONFIG_PROTECT",
	"CONFIG_PROTECT_MASK",
	"IUSE_IMPLICIT",
	"USE_EXPAND_IMPLICIT",
	"USE_EXPAND_UNPREFIXED",
	"ENV_UNSET",
}
