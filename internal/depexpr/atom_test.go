package depexpr_test

import (
	"testing"

	"alchemist.dev/alloy/internal/depexpr"
	"alchemist.dev/alloy/internal/useflags"
	"alchemist.dev/alloy/internal/version"
)

func mustVersion(t *testing.T, s string) *version.Version {
	t.Helper()
	v, err := version.Parse(s)
	if err != nil {
		t.Fatalf("version.Parse(%q) failed: %v", s, err)
	}
	return v
}

func TestAtomRoundTrip(t *testing.T) {
	for _, s := range []string{
		"dev-libs/9libs",
		"<=dev-libs/9libs-1.0",
		"=dev-rust/atomic-polyfill-0.1*",
		"=dev-rust/rustc-std-workspace-core-1.0.0:=",
		"~sys-apps/foo-1.2.3-r1",
		"!sys-apps/bar",
		"!!sys-apps/bar",
		"dev-libs/baz:2/2.1=",
		"dev-libs/baz[foo,-bar,baz(+)=,qux?]",
	} {
		a, err := depexpr.ParseAtom(s)
		if err != nil {
			t.Errorf("ParseAtom(%q) failed: %v", s, err)
			continue
		}
		if got := a.String(); got != s {
			t.Errorf("ParseAtom(%q).String() = %q; want %q", s, got, s)
			continue
		}
		b, err := depexpr.ParseAtom(got)
		if err != nil {
			t.Errorf("re-parsing %q failed: %v", got, err)
		}
		if b.String() != got {
			t.Errorf("re-parse of %q produced %q", got, b.String())
		}
	}
}

func TestAtomRejectsInvalidUseDeps(t *testing.T) {
	for _, s := range []string{
		"dev-libs/baz[-foo=]",
		"dev-libs/baz[!foo]",
	} {
		if _, err := depexpr.ParseAtom(s); err == nil {
			t.Errorf("ParseAtom(%q) succeeded; want error", s)
		}
	}
}

func TestAtomMatchWildcard(t *testing.T) {
	a, err := depexpr.ParseAtom("=dev-rust/atomic-polyfill-0.1*")
	if err != nil {
		t.Fatalf("ParseAtom failed: %v", err)
	}
	for _, tc := range []struct {
		target string
		want   bool
	}{
		{"0.1.0", true},
		{"0.1", true},
		{"0.1.1", true},
		{"0.2", false},
		{"1.1", false},
	} {
		ok, err := a.Match(&depexpr.TargetPackage{
			Name:    "dev-rust/atomic-polyfill",
			Version: mustVersion(t, tc.target),
		})
		if err != nil {
			t.Errorf("Match(%s) failed: %v", tc.target, err)
			continue
		}
		if ok != tc.want {
			t.Errorf("Match(%s) = %v; want %v", tc.target, ok, tc.want)
		}
	}
}

func TestAtomBlockNegatesMatch(t *testing.T) {
	a, err := depexpr.ParseAtom("!sys-apps/foo")
	if err != nil {
		t.Fatalf("ParseAtom failed: %v", err)
	}
	ok, err := a.Match(&depexpr.TargetPackage{Name: "sys-apps/foo", Version: mustVersion(t, "1.0")})
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if ok {
		t.Errorf("Match() = true for a package matched by the blocked body; want false")
	}
}

func TestAtomUseDepMissingFlagError(t *testing.T) {
	a, err := depexpr.ParseAtom("dev-libs/baz[foo]")
	if err != nil {
		t.Fatalf("ParseAtom failed: %v", err)
	}
	_, err = a.Match(&depexpr.TargetPackage{
		Name:    "dev-libs/baz",
		Version: mustVersion(t, "1.0"),
		Use:     useflags.UseMap{},
	})
	if err == nil {
		t.Errorf("Match() succeeded with a missing flag and no fallback; want error")
	}
}

func TestAtomUseDepFallback(t *testing.T) {
	a, err := depexpr.ParseAtom("dev-libs/baz[foo(+)]")
	if err != nil {
		t.Fatalf("ParseAtom failed: %v", err)
	}
	ok, err := a.Match(&depexpr.TargetPackage{
		Name:    "dev-libs/baz",
		Version: mustVersion(t, "1.0"),
		Use:     useflags.UseMap{},
	})
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if !ok {
		t.Errorf("Match() = false; want true via fallback")
	}
}
