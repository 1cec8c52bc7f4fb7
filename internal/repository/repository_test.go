package repository_test

import (
	"os"
	"path/filepath"
	"testing"

	"alchemist.dev/alloy/internal/repository"
)

func writeLayout(t *testing.T, dir, repoName, masters string) {
	t.Helper()
	metaDir := filepath.Join(dir, "metadata")
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		t.Fatal(err)
	}
	content := "repo-name = " + repoName + "\n"
	if masters != "" {
		content += "masters = " + masters + "\n"
	}
	if err := os.WriteFile(filepath.Join(metaDir, "layout.conf"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadRepoRequiresName(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "metadata"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata", "layout.conf"), []byte("masters = foo\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := repository.LoadRepo(dir); err == nil {
		t.Errorf("LoadRepo() succeeded without repo-name; want error")
	}
}

func TestSetRejectsPublicReferencingPrivateMaster(t *testing.T) {
	root := t.TempDir()
	privateDir := filepath.Join(root, "private")
	publicDir := filepath.Join(root, "public")
	writeLayout(t, privateDir, "foo-private", "")
	writeLayout(t, publicDir, "foo", "foo-private")

	if _, err := repository.NewSet([]string{privateDir, publicDir}); err == nil {
		t.Errorf("NewSet() succeeded with a public repo referencing a private master; want error")
	}
}

func TestPrimaryRepoSkipsChromeOS(t *testing.T) {
	root := t.TempDir()
	chromeosDir := filepath.Join(root, "chromeos")
	boardDir := filepath.Join(root, "board")
	writeLayout(t, chromeosDir, "chromeos", "")
	writeLayout(t, boardDir, "board-overlay", "chromeos")

	set, err := repository.NewSet([]string{chromeosDir, boardDir})
	if err != nil {
		t.Fatalf("NewSet failed: %v", err)
	}
	primary, ok := set.Primary()
	if !ok || primary.Name != "board-overlay" {
		t.Errorf("Primary() = %v, %v; want board-overlay", primary, ok)
	}
}

func TestDigestDeterministic(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "cat", "pkg"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "cat", "pkg", "pkg-1.0.ebuild"), []byte("EAPI=7\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	d1, err := repository.Digest(dir)
	if err != nil {
		t.Fatalf("Digest failed: %v", err)
	}
	d2, err := repository.Digest(dir)
	if err != nil {
		t.Fatalf("Digest failed: %v", err)
	}
	if d1 != d2 {
		t.Errorf("Digest() not deterministic: %s != %s", d1, d2)
	}
}
