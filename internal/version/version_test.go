package version_test

import (
	"testing"

	"alchemist.dev/alloy/internal/version"
)

func must(t *testing.T, s string) *version.Version {
	t.Helper()
	v, err := version.Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", s, err)
	}
	return v
}

func TestCompareOrdering(t *testing.T) {
	order := []string{
		"1",
		"1.0",
		"1.0.0",
	}
	for i := 0; i+1 < len(order); i++ {
		a, b := must(t, order[i]), must(t, order[i+1])
		if a.Compare(b) >= 0 {
			t.Errorf("%s should sort before %s", order[i], order[i+1])
		}
	}

	order2 := []string{
		"1.0_alpha",
		"1.0_beta",
		"1.0_pre",
		"1.0_rc",
		"1.0",
		"1.0_p1",
		"1.0-r1",
	}
	for i := 0; i+1 < len(order2); i++ {
		a, b := must(t, order2[i]), must(t, order2[i+1])
		if a.Compare(b) >= 0 {
			t.Errorf("%s should sort before %s", order2[i], order2[i+1])
		}
	}
}

func TestHasPrefixWildcard(t *testing.T) {
	prefix := must(t, "1.0")
	for _, tc := range []struct {
		v    string
		want bool
	}{
		{"1.0", true},
		{"1.0.1", true},
		{"1.1", false},
	} {
		if got := must(t, tc.v).HasPrefix(prefix); got != tc.want {
			t.Errorf("HasPrefix(%s, 1.0) = %v; want %v", tc.v, got, tc.want)
		}
	}
}

func TestCompareIdempotentUnderRoundTrip(t *testing.T) {
	for _, s := range []string{"1.0.0-r1", "2.3_pre4-r0", "1a_beta2"} {
		v := must(t, s)
		if v.String() != s {
			t.Errorf("round-trip mismatch: Parse(%q).String() = %q", s, v.String())
		}
	}
}
