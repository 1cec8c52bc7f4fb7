package resolver_test

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"alchemist.dev/alloy/internal/config"
	"alchemist.dev/alloy/internal/resolver"
)

// fakeEvaluator writes a tiny shell script standing in for the external
// ebuild evaluator: it ignores its argument and prints a fixed
// `set -o posix; set` style dump.
func fakeEvaluator(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("requires a POSIX shell")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "evaluator.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestShellEbuildLoaderLoad(t *testing.T) {
	evaluator := fakeEvaluator(t, `cat <<'EOF'
CATEGORY='dev-libs'
EAPI='7'
SLOT='2/2.1'
IUSE='foo bar'
KEYWORDS='amd64 ~arm64'
INHERITED='cmake'
EOF
`)

	bundle := config.NewBundle(nil)
	loader := &resolver.ShellEbuildLoader{EvaluatorPath: evaluator, Bundle: bundle}

	details, err := loader.Load("/repo/dev-libs/foo/foo-1.2.3-r4.ebuild", "myrepo")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if details.Metadata.Category != "dev-libs" || details.Metadata.ShortName != "foo" {
		t.Errorf("Metadata = %+v", details.Metadata)
	}
	if details.Metadata.FullName != "dev-libs/foo" {
		t.Errorf("FullName = %q", details.Metadata.FullName)
	}
	if details.Metadata.Version.String() != "1.2.3-r4" {
		t.Errorf("Version = %q", details.Metadata.Version.String())
	}
	if details.Metadata.RepoName != "myrepo" {
		t.Errorf("RepoName = %q", details.Metadata.RepoName)
	}
	if details.Slot.Main != "2" || details.Slot.Sub != "2.1" {
		t.Errorf("Slot = %+v", details.Slot)
	}
	if details.EAPI != "7" {
		t.Errorf("EAPI = %q", details.EAPI)
	}
	foo, fooDeclared := details.Use["foo"]
	bar, barDeclared := details.Use["bar"]
	if !fooDeclared || !barDeclared || foo || bar {
		t.Errorf("Use = %v, want foo and bar declared and disabled (bare IUSE flags)", details.Use)
	}
	if len(details.InheritedEclasses) != 1 || details.InheritedEclasses[0] != "cmake" {
		t.Errorf("InheritedEclasses = %v", details.InheritedEclasses)
	}
	if !details.Stable {
		t.Errorf("Stable = false, want true (amd64 is a stable keyword and no ACCEPT_KEYWORDS is configured)")
	}
}

func TestShellEbuildLoaderRejectsNonEbuildPath(t *testing.T) {
	loader := &resolver.ShellEbuildLoader{EvaluatorPath: "/bin/true", Bundle: config.NewBundle(nil)}
	if _, err := loader.Load("/repo/dev-libs/foo/foo-1.0", "myrepo"); err == nil {
		t.Fatal("Load succeeded on a non-.ebuild path, want error")
	}
}

func TestMemoryEbuildLoaderMissingEntry(t *testing.T) {
	loader := &resolver.MemoryEbuildLoader{}
	if _, err := loader.Load("nope.ebuild", "repo"); err == nil {
		t.Fatal("Load succeeded for an unconfigured path, want error")
	}
}
