package installpipeline

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// EntryKind discriminates a VDB CONTENTS line (spec 4.J, "VDB CONTENTS
// format").
type EntryKind int

const (
	EntryDir EntryKind = iota
	EntryObj
	EntrySym
)

// ContentsEntry is one line of a VDB CONTENTS manifest.
type ContentsEntry struct {
	Kind   EntryKind
	Path   string // relative from the install root, leading "/"
	MD5    string // EntryObj only, lowercase hex
	Target string // EntrySym only
	MTime  int64  // unix seconds, 0 if unknown
}

// GenerateContents walks root and produces its VDB CONTENTS entries.
// filepath.WalkDir already visits a directory before its children and
// visits siblings in lexical order, which is exactly the ordering CONTENTS
// requires (spec 4.J: "directories appear before their contents; siblings
// are sorted by name").
func GenerateContents(root string) ([]ContentsEntry, error) {
	var entries []ContentsEntry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = "/" + filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			entries = append(entries, ContentsEntry{Kind: EntrySym, Path: rel, Target: target, MTime: info.ModTime().Unix()})
		case d.IsDir():
			entries = append(entries, ContentsEntry{Kind: EntryDir, Path: rel})
		default:
			sum, err := md5File(path)
			if err != nil {
				return err
			}
			entries = append(entries, ContentsEntry{Kind: EntryObj, Path: rel, MD5: sum, MTime: info.ModTime().Unix()})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}
	return entries, nil
}

func md5File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// WriteContents serializes entries in VDB CONTENTS format.
func WriteContents(w io.Writer, entries []ContentsEntry) error {
	for _, e := range entries {
		var err error
		switch e.Kind {
		case EntryDir:
			_, err = fmt.Fprintf(w, "dir %s\n", e.Path)
		case EntryObj:
			_, err = fmt.Fprintf(w, "obj %s %s %d\n", e.Path, e.MD5, e.MTime)
		case EntrySym:
			_, err = fmt.Fprintf(w, "sym %s -> %s %d\n", e.Path, e.Target, e.MTime)
		default:
			err = fmt.Errorf("unknown CONTENTS entry kind %d", e.Kind)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// VDBDir returns the on-disk VDB directory for a package under rootDir
// ("/" for the host sysroot, "/build/$BOARD" for a target one).
func VDBDir(rootDir, category, pf string) string {
	return filepath.Join(rootDir, "var", "db", "pkg", category, pf)
}

// PackageCacheDir returns the directory binary packages are cached under
// for rootDir, mirroring Portage's PKGDIR layout (spec 4.J step 2).
func PackageCacheDir(rootDir string) string {
	if rootDir == "/" {
		return "/var/lib/portage/pkgs"
	}
	return filepath.Join(rootDir, "packages")
}
