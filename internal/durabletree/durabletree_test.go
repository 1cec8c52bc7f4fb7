package durabletree_test

import (
	"os"
	"path/filepath"
	"testing"

	"alchemist.dev/alloy/internal/durabletree"
)

func TestConvertAndOpen(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	if durabletree.IsDurableTree(dir) {
		t.Fatalf("IsDurableTree(%s) = true before Convert", dir)
	}
	if err := durabletree.Convert(dir); err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if !durabletree.IsDurableTree(dir) {
		t.Fatalf("IsDurableTree(%s) = false after Convert", dir)
	}

	tree, err := durabletree.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	lowers, err := tree.LowerDirs()
	if err != nil {
		t.Fatalf("LowerDirs: %v", err)
	}
	if len(lowers) != 1 {
		t.Fatalf("LowerDirs() = %v, want exactly one lower", lowers)
	}
	data, err := os.ReadFile(filepath.Join(lowers[0], "hello.txt"))
	if err != nil {
		t.Fatalf("reading moved file: %v", err)
	}
	if string(data) != "hi" {
		t.Errorf("moved file content = %q, want %q", data, "hi")
	}
}

func TestConvertIdempotent(t *testing.T) {
	dir := t.TempDir()
	if err := durabletree.Convert(dir); err != nil {
		t.Fatalf("first Convert: %v", err)
	}
	if err := durabletree.Convert(dir); err != nil {
		t.Fatalf("second Convert: %v", err)
	}
}
