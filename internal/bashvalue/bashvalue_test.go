package bashvalue_test

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"alchemist.dev/alloy/internal/bashvalue"
)

func TestParseScalars(t *testing.T) {
	const input = `FOO=bar
BAR='single quoted \n'
BAZ="double \"quoted\" $FOO"
QUX=$'c-style\tescape\141'
`
	values, err := bashvalue.Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}

	for name, want := range map[string]string{
		"FOO": "bar",
		"BAR": `single quoted \n`,
		"BAZ": `double "quoted" bar`,
		"QUX": "c-style\tescapea",
	} {
		v, ok := values[name]
		if !ok {
			t.Errorf("missing variable %s", name)
			continue
		}
		got, ok := v.Scalar()
		if !ok {
			t.Errorf("%s: not a scalar", name)
			continue
		}
		if got != want {
			t.Errorf("%s = %q; want %q", name, got, want)
		}
	}
}

func TestParseIndexedArray(t *testing.T) {
	values, err := bashvalue.Parse(strings.NewReader(`ARR=([0]=a [2]=c)` + "\n"))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	got, ok := values["ARR"].IndexedArray()
	if !ok {
		t.Fatalf("ARR is not an indexed array")
	}
	want := []string{"a", "", "c"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ARR mismatch (-want +got):\n%s", diff)
	}
}

func TestParseAssocArray(t *testing.T) {
	values, err := bashvalue.Parse(strings.NewReader(`ARR=([foo]=bar [1001]=baz)` + "\n"))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	got, ok := values["ARR"].AssocArray()
	if !ok {
		t.Fatalf("ARR is not an associative array")
	}
	want := map[string]string{"foo": "bar", "1001": "baz"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ARR mismatch (-want +got):\n%s", diff)
	}
}

func TestParseRejectsCalls(t *testing.T) {
	if _, err := bashvalue.Parse(strings.NewReader("echo hi\n")); err == nil {
		t.Errorf("Parse() succeeded on a command invocation; want error")
	}
}
