package xpak_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"alchemist.dev/alloy/internal/xpak"
)

func writeTestPackage(t *testing.T, dir string, tarball []byte, meta xpak.XPAK) string {
	t.Helper()
	path := filepath.Join(dir, "pkg.tbz2")
	var buf bytes.Buffer
	buf.Write(tarball)
	buf.Write(xpak.Encode(meta))
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	meta := xpak.XPAK{
		"CATEGORY": []byte("dev-libs"),
		"PF":       []byte("foo-1.0"),
		"SLOT":     []byte("0"),
	}
	path := writeTestPackage(t, dir, []byte("fake tarball bytes"), meta)

	got, err := xpak.Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if diff := cmp.Diff(meta, got); diff != "" {
		t.Errorf("Read() mismatch (-want +got):\n%s", diff)
	}
}

func TestReplaceKeepsTarballPrefix(t *testing.T) {
	dir := t.TempDir()
	tarball := []byte("fake tarball bytes")
	path := writeTestPackage(t, dir, tarball, xpak.XPAK{"CATEGORY": []byte("dev-libs")})

	newMeta := xpak.XPAK{"CATEGORY": []byte("dev-libs"), "SLOT": []byte("1")}
	if err := xpak.Replace(path, newMeta); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	got, err := xpak.Read(path)
	if err != nil {
		t.Fatalf("Read after Replace: %v", err)
	}
	if diff := cmp.Diff(newMeta, got); diff != "" {
		t.Errorf("Read() after Replace mismatch (-want +got):\n%s", diff)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(raw, tarball) {
		t.Errorf("Replace() did not preserve the tarball prefix")
	}
}

func TestEncodeSortsKeys(t *testing.T) {
	x1 := xpak.Encode(xpak.XPAK{"B": []byte("2"), "A": []byte("1")})
	x2 := xpak.Encode(xpak.XPAK{"A": []byte("1"), "B": []byte("2")})
	if !bytes.Equal(x1, x2) {
		t.Errorf("Encode() is not stable under input key ordering")
	}
}
