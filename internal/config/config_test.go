package config_test

import (
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"alchemist.dev/alloy/internal/config"
	"alchemist.dev/alloy/internal/depexpr"
	"alchemist.dev/alloy/internal/version"
)

func TestMergeIncrementalIdempotent(t *testing.T) {
	for _, tc := range [][]string{
		{"foo", "bar", "-foo", "baz"},
		{"foo", "-*", "bar"},
		{},
	} {
		once := config.MergeIncremental(nil, tc)
		twice := config.MergeIncremental(nil, once)
		if diff := cmp.Diff(once, twice); diff != "" {
			t.Errorf("MergeIncremental not idempotent for %v (-once +twice):\n%s", tc, diff)
		}
	}
}

func TestMergeIncrementalClear(t *testing.T) {
	got := config.MergeIncremental([]string{"a", "b"}, []string{"-*", "c"})
	want := []string{"c"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("MergeIncremental mismatch (-want +got):\n%s", diff)
	}
}

func mustVersion(t *testing.T, s string) *version.Version {
	t.Helper()
	v, err := version.Parse(s)
	if err != nil {
		t.Fatalf("version.Parse(%q) failed: %v", s, err)
	}
	return v
}

func mustAtom(t *testing.T, s string) *depexpr.Atom {
	t.Helper()
	a, err := depexpr.ParseAtom(s)
	if err != nil {
		t.Fatalf("ParseAtom(%q) failed: %v", s, err)
	}
	return a
}

func TestKeywordAcceptance(t *testing.T) {
	pkg := config.PackageRef{Name: "sys-apps/foo", Version: mustVersion(t, "1.0")}

	for _, tc := range []struct {
		name     string
		keywords []string
		accept   string
		want     bool
	}{
		{"no-keywords-wildcard", nil, "**", true},
		{"stable-star-accept", []string{"amd64"}, "*", true},
		{"unstable-star-accept-rejected", []string{"~amd64"}, "*", false},
		{"unstable-accept-tilde-star", []string{"~amd64"}, "~*", true},
		{"exact-match", []string{"amd64"}, "amd64", true},
		{"no-match", []string{"arm64"}, "amd64", false},
		{"star-keyword-matches-any-accept", []string{"*"}, "amd64", true},
		{"tilde-star-keyword-matches-tilde-accept", []string{"~*"}, "~amd64", true},
		{"tilde-star-keyword-rejects-stable-accept", []string{"~*"}, "amd64", false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := config.NewBundle([]config.Node{
				{Vars: &config.VarsUpdate{Vars: map[string]string{"ARCH": "amd64", "ACCEPT_KEYWORDS": tc.accept}}},
			})
			got, err := b.IsAccepted(pkg, tc.keywords)
			if err != nil {
				t.Fatalf("IsAccepted failed: %v", err)
			}
			if got != tc.want {
				t.Errorf("IsAccepted(keywords=%v, accept=%q) = %v; want %v", tc.keywords, tc.accept, got, tc.want)
			}
		})
	}
}

func TestUseMaskWinsOverForce(t *testing.T) {
	pkg := config.PackageRef{Name: "sys-apps/foo", Version: mustVersion(t, "1.0")}
	b := config.NewBundle([]config.Node{
		{Use: &config.UseUpdate{Kind: config.UseForce, Tokens: []string{"bar"}}},
		{Use: &config.UseUpdate{Kind: config.UseMask, Tokens: []string{"-bar"}}},
	})
	use, err := b.ComputeUse(pkg, nil)
	if err != nil {
		t.Fatalf("ComputeUse failed: %v", err)
	}
	if use["bar"] {
		t.Errorf("use[bar] = true; want false (mask should win over force)")
	}
}

func TestIUSEDefaultsEnableFlags(t *testing.T) {
	pkg := config.PackageRef{Name: "sys-apps/foo", Version: mustVersion(t, "1.0")}
	b := config.NewBundle(nil)
	use, err := b.ComputeUse(pkg, []string{"+foo", "bar"})
	if err != nil {
		t.Fatalf("ComputeUse failed: %v", err)
	}
	if !use["foo"] {
		t.Errorf("use[foo] = false; want true (declared with + default)")
	}
	if use["bar"] {
		t.Errorf("use[bar] = true; want false (declared with no default)")
	}
}

func TestPackageMaskLastMatchWins(t *testing.T) {
	pkg := config.PackageRef{Name: "sys-apps/foo", Version: mustVersion(t, "1.0")}
	b := config.NewBundle([]config.Node{
		{Mask: &config.MaskUpdate{Kind: config.MaskMask, Atom: mustAtom(t, "sys-apps/foo"), Source: "package.mask"}},
		{Mask: &config.MaskUpdate{Kind: config.MaskUnmask, Atom: mustAtom(t, "sys-apps/foo"), Source: "package.unmask"}},
	})
	masked, _ := b.IsMasked(pkg)
	if masked {
		t.Errorf("IsMasked() = true; want false (later unmask should win)")
	}
}

func TestProvidedPackagesFilter(t *testing.T) {
	b := config.NewBundle([]config.Node{
		{Provided: &config.ProvidedPackage{Name: "sys-devel/gcc", Version: mustVersion(t, "10")}},
		{Provided: &config.ProvidedPackage{Name: "sys-devel/clang", Version: mustVersion(t, "14")}},
	})
	got, err := b.FindProvidedPackages(mustAtom(t, "sys-devel/gcc"))
	if err != nil {
		t.Fatalf("FindProvidedPackages failed: %v", err)
	}
	if len(got) != 1 || got[0].Name != "sys-devel/gcc" {
		t.Errorf("FindProvidedPackages() = %v; want exactly sys-devel/gcc", got)
	}
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
