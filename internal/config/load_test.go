package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"alchemist.dev/alloy/internal/config"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestResolveProfileChain(t *testing.T) {
	root := t.TempDir()
	base := filepath.Join(root, "base")
	mid := filepath.Join(root, "mid")
	leaf := filepath.Join(root, "leaf")
	writeFile(t, filepath.Join(mid, "parent"), "../base\n")
	writeFile(t, filepath.Join(leaf, "parent"), "../mid\n")
	os.MkdirAll(base, 0o755)

	chain, err := config.ResolveProfileChain(leaf)
	if err != nil {
		t.Fatalf("ResolveProfileChain: %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("chain = %v, want 3 entries", chain)
	}
	if filepath.Clean(chain[0]) != base || filepath.Clean(chain[2]) != leaf {
		t.Errorf("chain order = %v, want base first and leaf last", chain)
	}
}

func TestResolveProfileChainDetectsCycle(t *testing.T) {
	root := t.TempDir()
	a := filepath.Join(root, "a")
	b := filepath.Join(root, "b")
	writeFile(t, filepath.Join(a, "parent"), "../b\n")
	writeFile(t, filepath.Join(b, "parent"), "../a\n")

	if _, err := config.ResolveProfileChain(a); err == nil {
		t.Fatal("ResolveProfileChain succeeded on a cyclic chain, want error")
	}
}

func TestParseVarsFile(t *testing.T) {
	got, err := config.ParseVarsFile(strings.NewReader(`
# a comment
ARCH="amd64"
FEATURES="foo bar"
`), "make.conf")
	if err != nil {
		t.Fatalf("ParseVarsFile: %v", err)
	}
	if got["ARCH"] != "amd64" || got["FEATURES"] != "foo bar" {
		t.Errorf("ParseVarsFile = %v", got)
	}
}

func TestLoadDirMergesPackageUse(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "package.use"), "sys-apps/foo bar -baz\n")
	writeFile(t, filepath.Join(dir, "package.mask"), ">=sys-apps/foo-2\n")

	nodes, err := config.LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	var sawUse, sawMask bool
	for _, n := range nodes {
		if n.Use != nil {
			sawUse = true
		}
		if n.Mask != nil {
			sawMask = true
		}
	}
	if !sawUse || !sawMask {
		t.Errorf("LoadDir nodes = %+v, want both a Use and a Mask node", nodes)
	}
}
