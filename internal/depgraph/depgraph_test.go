package depgraph_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"alchemist.dev/alloy/internal/config"
	"alchemist.dev/alloy/internal/depanalysis"
	"alchemist.dev/alloy/internal/depexpr"
	"alchemist.dev/alloy/internal/depgraph"
	"alchemist.dev/alloy/internal/pkgmeta"
	"alchemist.dev/alloy/internal/repository"
	"alchemist.dev/alloy/internal/resolver"
	"alchemist.dev/alloy/internal/useflags"
	"alchemist.dev/alloy/internal/version"
)

// stubLoader resolves ebuild paths to hardcoded PackageDetails, keyed by
// path, so tests can assemble a small diamond-shaped graph without a real
// shell evaluator.
type stubLoader struct {
	byPath map[string]*pkgmeta.PackageDetails
}

func (l *stubLoader) Load(ebuildPath, repoName string) (*pkgmeta.PackageDetails, error) {
	return l.byPath[ebuildPath], nil
}

func writeEbuild(t *testing.T, repoDir, category, name, ver string) string {
	t.Helper()
	dir := filepath.Join(repoDir, category, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name+"-"+ver+".ebuild")
	if err := os.WriteFile(path, []byte("EAPI=7\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func mustVersion(t *testing.T, s string) *version.Version {
	t.Helper()
	v, err := version.Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

// TestDiamondDependency builds a small diamond graph (app -> {libA, libB} ->
// common) and checks every package is selected exactly once, per spec 8's
// diamond-dependency scenario.
func TestDiamondDependency(t *testing.T) {
	root := t.TempDir()
	metaDir := filepath.Join(root, "metadata")
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(metaDir, "layout.conf"), []byte("repo-name = test\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	appPath := writeEbuild(t, root, "app-cat", "app", "1.0")
	libAPath := writeEbuild(t, root, "dev-libs", "liba", "1.0")
	libBPath := writeEbuild(t, root, "dev-libs", "libb", "1.0")
	commonPath := writeEbuild(t, root, "dev-libs", "common", "1.0")

	details := func(path, fullName, category string) *pkgmeta.PackageDetails {
		return &pkgmeta.PackageDetails{
			Metadata: pkgmeta.Metadata{EbuildPath: path, Category: category, FullName: fullName, Version: mustVersion(t, "1.0")},
			Slot:     pkgmeta.Slot{Main: "0"},
			Use:      useflags.UseMap{},
			EAPI:     "7",
			RawVars:  map[string]string{},
		}
	}

	app := details(appPath, "app-cat/app", "app-cat")
	app.RawVars["DEPEND"] = "dev-libs/liba dev-libs/libb"
	liba := details(libAPath, "dev-libs/liba", "dev-libs")
	liba.RawVars["DEPEND"] = "dev-libs/common"
	libb := details(libBPath, "dev-libs/libb", "dev-libs")
	libb.RawVars["DEPEND"] = "dev-libs/common"
	common := details(commonPath, "dev-libs/common", "dev-libs")

	loader := &stubLoader{byPath: map[string]*pkgmeta.PackageDetails{
		appPath:    app,
		libAPath:   liba,
		libBPath:   libb,
		commonPath: common,
	}}

	repos, err := repository.NewSet([]string{root})
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	bundle := config.NewBundle([]config.Node{
		{Vars: &config.VarsUpdate{Vars: map[string]string{"ARCH": "amd64", "ACCEPT_KEYWORDS": "**"}}},
	})
	res := resolver.New(repos, bundle, loader)
	analyzer := depanalysis.New(depanalysis.Resolvers{Target: res})
	builder := depgraph.New(res, analyzer)

	rootAtom := depexpr.NewSimpleAtom("app-cat/app")
	g, err := builder.Build(context.Background(), []*depexpr.Atom{rootAtom})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if len(g.Nodes()) != 4 {
		t.Fatalf("Nodes() has %d entries, want 4 (no duplicate selection of common)", len(g.Nodes()))
	}

	commonKey := pkgmeta.SlotKey{Name: "dev-libs/common", MainSlot: "0"}
	if _, ok := g.Node(commonKey); !ok {
		t.Errorf("common package not found in graph")
	}
}
