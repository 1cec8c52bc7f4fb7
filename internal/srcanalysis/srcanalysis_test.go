package srcanalysis_test

import (
	"bufio"
	"strings"
	"testing"

	"alchemist.dev/alloy/internal/bashvalue"
	"alchemist.dev/alloy/internal/pkgmeta"
	"alchemist.dev/alloy/internal/srcanalysis"
	"alchemist.dev/alloy/internal/useflags"
	"alchemist.dev/alloy/internal/version"
)

func mustVersion(t *testing.T, s string) *version.Version {
	t.Helper()
	v, err := version.Parse(s)
	if err != nil {
		t.Fatalf("version.Parse(%q): %v", s, err)
	}
	return v
}

func TestExtractWorkonSourcesPinnedTree(t *testing.T) {
	pkg := &pkgmeta.PackageDetails{
		Metadata: pkgmeta.Metadata{Category: "chromeos-base", FullName: "chromeos-base/foo", Version: mustVersion(t, "1.0")},
		Use:      useflags.UseMap{},
	}
	values := map[string]*bashvalue.Value{
		"CROS_WORKON_PROJECT":   bashvalue.NewScalar("cros/platform/foo"),
		"CROS_WORKON_LOCALNAME": bashvalue.NewScalar("foo"),
		"CROS_WORKON_TREE":      bashvalue.NewScalar("deadbeef"),
	}

	sources, err := srcanalysis.ExtractWorkonSources(pkg, values)
	if err != nil {
		t.Fatalf("ExtractWorkonSources: %v", err)
	}
	if len(sources.Repo) != 1 {
		t.Fatalf("Repo = %v, want 1 entry", sources.Repo)
	}
	got := sources.Repo[0]
	if got.Name != "tree-cros-platform-foo-deadbeef" {
		t.Errorf("Name = %q", got.Name)
	}
	if got.ProjectPath != "foo" {
		t.Errorf("ProjectPath = %q, want foo (chromeos-base verbatim rule)", got.ProjectPath)
	}
}

func TestExtractWorkonSourcesLengthMismatch(t *testing.T) {
	pkg := &pkgmeta.PackageDetails{
		Metadata: pkgmeta.Metadata{Category: "dev-libs", Version: mustVersion(t, "1.0")},
		Use:      useflags.UseMap{},
	}
	values := map[string]*bashvalue.Value{
		"CROS_WORKON_PROJECT":   bashvalue.NewIndexedArray([]string{"a", "b"}),
		"CROS_WORKON_LOCALNAME": bashvalue.NewIndexedArray([]string{"x", "y", "z"}),
	}
	if _, err := srcanalysis.ExtractWorkonSources(pkg, values); err == nil {
		t.Error("ExtractWorkonSources() succeeded with mismatched array lengths; want error")
	}
}

func TestParseManifest(t *testing.T) {
	data := "DIST foo-1.0.tar.gz 1234 SHA256 abcd SHA512 ef01\n# comment\n"
	m, err := srcanalysis.ParseManifest(bufio.NewScanner(strings.NewReader(data)))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	entry, ok := m["foo-1.0.tar.gz"]
	if !ok {
		t.Fatalf("missing entry for foo-1.0.tar.gz: %v", m)
	}
	if entry.Size() != 1234 {
		t.Errorf("size = %d, want 1234", entry.Size())
	}
}

func TestDedupeLocalSourcesPrefersBuildTarget(t *testing.T) {
	sources := []srcanalysis.PackageLocalSource{
		{Kind: srcanalysis.SourceDir, Path: "a"},
		{Kind: srcanalysis.BuildTarget, BuildTarget: "//a:src", Path: ""},
	}
	out := srcanalysis.DedupeLocalSources(sources)
	if len(out) != 2 {
		t.Fatalf("DedupeLocalSources() = %v, want 2 distinct entries", out)
	}
	if out[0].Kind != srcanalysis.BuildTarget {
		t.Errorf("out[0].Kind = %v, want BuildTarget to sort first", out[0].Kind)
	}
}
