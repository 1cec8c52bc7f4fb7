package installpipeline_test

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"alchemist.dev/alloy/internal/installpipeline"
)

func TestGenerateContents(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "usr", "bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "usr", "bin", "ok"), []byte("hello"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("ok", filepath.Join(root, "usr", "bin", "ok-link")); err != nil {
		t.Fatal(err)
	}

	zero := time.Unix(0, 0)
	for _, p := range []string{
		filepath.Join(root, "usr"),
		filepath.Join(root, "usr", "bin"),
		filepath.Join(root, "usr", "bin", "ok"),
	} {
		if err := os.Chtimes(p, zero, zero); err != nil {
			t.Fatal(err)
		}
	}
	// Chtimes follows symlinks, so the link keeps its own creation mtime.
	linkInfo, err := os.Lstat(filepath.Join(root, "usr", "bin", "ok-link"))
	if err != nil {
		t.Fatal(err)
	}

	entries, err := installpipeline.GenerateContents(root)
	if err != nil {
		t.Fatalf("GenerateContents: %v", err)
	}

	var buf bytes.Buffer
	if err := installpipeline.WriteContents(&buf, entries); err != nil {
		t.Fatalf("WriteContents: %v", err)
	}

	want := "dir /usr\n" +
		"dir /usr/bin\n" +
		"obj /usr/bin/ok 5d41402abc4b2a76b9719d911017c592 0\n" +
		fmt.Sprintf("sym /usr/bin/ok-link -> ok %d\n", linkInfo.ModTime().Unix())
	got := buf.String()
	if got != want {
		t.Errorf("CONTENTS mismatch:\ngot:\n%s\nwant:\n%s", got, want)
	}
}

func TestGenerateContentsOrdering(t *testing.T) {
	root := t.TempDir()
	// "a" sorts before "b/inner" which sorts before "b.txt" lexically among
	// siblings of root, and "b" (a directory) must precede its own content.
	mustMkdirAll(t, filepath.Join(root, "b"))
	mustWriteFile(t, filepath.Join(root, "a"), "x")
	mustWriteFile(t, filepath.Join(root, "b", "inner"), "y")
	mustWriteFile(t, filepath.Join(root, "b.txt"), "z")

	entries, err := installpipeline.GenerateContents(root)
	if err != nil {
		t.Fatalf("GenerateContents: %v", err)
	}
	var paths []string
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	want := []string{"/a", "/b", "/b/inner", "/b.txt"}
	if len(paths) != len(want) {
		t.Fatalf("got %d entries, want %d: %v", len(paths), len(want), paths)
	}
	for i, p := range want {
		if paths[i] != p {
			t.Errorf("entry %d: got %q, want %q (full: %v)", i, paths[i], p, paths)
		}
	}
}

func mustMkdirAll(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatal(err)
	}
}

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestPackageCacheDir(t *testing.T) {
	cases := []struct {
		root string
		want string
	}{
		{"/", "/var/lib/portage/pkgs"},
		{"/build/amd64-host", "/build/amd64-host/packages"},
	}
	for _, c := range cases {
		if got := installpipeline.PackageCacheDir(c.root); got != c.want {
			t.Errorf("PackageCacheDir(%q) = %q, want %q", c.root, got, c.want)
		}
	}
}
