// Package binarypkg wraps a .tbz2 binary package: a zstd-compressed tar
// archive of the installed file tree, followed by an XPAK metadata block
// (spec's promoted xpak/binarypkg component).
package binarypkg

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"alchemist.dev/alloy/internal/version"
	"alchemist.dev/alloy/internal/xpak"
)

// requiredKeys are the XPAK entries every valid binary package must carry.
var requiredKeys = []string{"CATEGORY", "PF", "SLOT", "environment.bz2"}

// Package is an opened .tbz2 file: its XPAK metadata, plus the byte range
// of the leading tarball.
type Package struct {
	path      string
	xpakStart int64
	Metadata  xpak.XPAK
}

// Open parses path's trailing XPAK block and validates the mandatory keys.
func Open(path string) (*Package, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}

	meta, err := xpak.ReadFrom(f)
	if err != nil {
		return nil, err
	}
	for _, key := range requiredKeys {
		if _, ok := meta[key]; !ok {
			return nil, fmt.Errorf("%s: missing mandatory XPAK key %q", path, key)
		}
	}

	xpakOffset, err := xpakOffsetOf(f, size)
	if err != nil {
		return nil, err
	}

	return &Package{path: path, xpakStart: size - 8 - int64(xpakOffset), Metadata: meta}, nil
}

func xpakOffsetOf(f *os.File, size int64) (uint32, error) {
	if _, err := f.Seek(size-8, io.SeekStart); err != nil {
		return 0, err
	}
	var buf [4]byte
	if _, err := io.ReadFull(f, buf[:]); err != nil {
		return 0, err
	}
	return beUint32(buf[:]), nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Version derives the package version from the PF (package-full) XPAK key,
// which is "<shortname>-<version>".
func (p *Package) Version(shortName string) (*version.Version, error) {
	pf := string(p.Metadata["PF"])
	prefix := shortName + "-"
	if len(pf) <= len(prefix) || pf[:len(prefix)] != prefix {
		return nil, fmt.Errorf("PF %q does not start with %q", pf, prefix)
	}
	return version.Parse(pf[len(prefix):])
}

// TarballReader returns a reader over the leading tarball section (before
// the XPAK block), independent of the Package's own file handle.
func (p *Package) TarballReader() (io.ReadCloser, error) {
	f, err := os.Open(p.path)
	if err != nil {
		return nil, err
	}
	return struct {
		io.Reader
		io.Closer
	}{io.LimitReader(f, p.xpakStart), f}, nil
}

// Extract decompresses and unpacks the package's tarball into destDir.
// Ownership is not preserved; callers that need faithful uid/gid need to
// run this step under a privileged re-exec (see cmd/action_wrapper).
func (p *Package) Extract(destDir string) error {
	tarball, err := p.TarballReader()
	if err != nil {
		return err
	}
	defer tarball.Close()

	zr, err := zstd.NewReader(tarball)
	if err != nil {
		return fmt.Errorf("opening zstd stream: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar entry: %w", err)
		}
		if err := extractEntry(destDir, hdr, tr); err != nil {
			return fmt.Errorf("extracting %s: %w", hdr.Name, err)
		}
	}
}

func extractEntry(destDir string, hdr *tar.Header, r io.Reader) error {
	target := filepath.Join(destDir, hdr.Name)
	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, os.FileMode(hdr.Mode))
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.Symlink(hdr.Linkname, target)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(f, r)
		return err
	default:
		return nil
	}
}

// Writer builds a .tbz2 file incrementally: a zstd-compressed tar stream
// followed by an XPAK block.
type Writer struct {
	f      *os.File
	zw     *zstd.Encoder
	tw     *tar.Writer
	xpak   xpak.XPAK
}

// Create opens path for writing a new binary package.
func Create(path string, meta xpak.XPAK) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Writer{f: f, zw: zw, tw: tar.NewWriter(zw), xpak: meta}, nil
}

// WriteHeader and Write delegate to the underlying tar.Writer.
func (w *Writer) WriteHeader(hdr *tar.Header) error { return w.tw.WriteHeader(hdr) }
func (w *Writer) Write(p []byte) (int, error)       { return w.tw.Write(p) }

// Close finalizes the tarball and appends the XPAK block.
func (w *Writer) Close() error {
	if err := w.tw.Close(); err != nil {
		return err
	}
	if err := w.zw.Close(); err != nil {
		return err
	}
	if _, err := w.f.Write(xpak.Encode(w.xpak)); err != nil {
		return err
	}
	return w.f.Close()
}
