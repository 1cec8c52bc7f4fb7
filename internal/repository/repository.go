// Package repository loads overlay metadata/layout.conf, resolves master
// ordering, enumerates ebuilds, and computes per-repository content digests
// (spec component 4.D).
package repository

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"alchemist.dev/alloy/internal/version"
)

// Ebuild is one discovered package version within a repository.
type Ebuild struct {
	Path    string
	Version *version.Version
}

// Repo is a single overlay: a name, a base directory, and an ordered list
// of master (parent) repositories from least to most preferred.
type Repo struct {
	Name    string
	BaseDir string
	Masters []string
}

func readLayoutConf(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	kvs := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("%s: malformed line %q", path, line)
		}
		kvs[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return kvs, nil
}

// LoadRepo reads metadata/layout.conf under baseDir. "repo-name" is
// required; "masters" is a space-separated list, least to most preferred.
func LoadRepo(baseDir string) (*Repo, error) {
	layout, err := readLayoutConf(filepath.Join(baseDir, "metadata", "layout.conf"))
	if err != nil {
		return nil, fmt.Errorf("loading repository at %s: %w", baseDir, err)
	}
	name, ok := layout["repo-name"]
	if !ok || name == "" {
		return nil, fmt.Errorf("loading repository at %s: missing required repo-name", baseDir)
	}
	var masters []string
	if m := strings.TrimSpace(layout["masters"]); m != "" {
		masters = strings.Fields(m)
	}
	return &Repo{Name: name, BaseDir: baseDir, Masters: masters}, nil
}

// FindEbuilds enumerates every *.ebuild file under baseDir/category/package.
func (r *Repo) FindEbuilds(packageName string) ([]*Ebuild, error) {
	dir := filepath.Join(r.BaseDir, packageName)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	shortName := filepath.Base(packageName)
	prefix := shortName + "-"
	var out []*Ebuild
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".ebuild") || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		verStr := strings.TrimSuffix(strings.TrimPrefix(e.Name(), prefix), ".ebuild")
		ver, err := version.Parse(verStr)
		if err != nil {
			continue // non-version-shaped filename; not an ebuild for this package
		}
		out = append(out, &Ebuild{Path: filepath.Join(dir, e.Name()), Version: ver})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version.Compare(out[j].Version) > 0 })
	return out, nil
}

// digestExcluded names directories excluded from the repo digest walk.
var digestExcluded = map[string]bool{".git": true, "md5-cache": true}

// Digest computes a SHA-256 over a deterministic sorted sequence of
// (relative path, content hash) pairs beneath baseDir, per spec 4.D.
// Symlinks are hashed by the concatenation of their link-target chain plus
// the final resolved file's content, if any; dangling symlinks hash by
// chain only.
func Digest(baseDir string) (string, error) {
	type entry struct {
		relPath string
		hash    string
	}
	var entries []entry

	err := filepath.WalkDir(baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(baseDir, path)
		if rerr != nil {
			return rerr
		}
		if d.IsDir() {
			if digestExcluded[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		h, herr := hashEntry(path, d)
		if herr != nil {
			return herr
		}
		entries = append(entries, entry{relPath: filepath.ToSlash(rel), hash: h})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("digesting repository at %s: %w", baseDir, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].relPath < entries[j].relPath })

	h := sha256.New()
	for _, e := range entries {
		fmt.Fprintf(h, "%s\x00%s\n", e.relPath, e.hash)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashEntry(path string, d fs.DirEntry) (string, error) {
	if d.Type()&fs.ModeSymlink != 0 {
		return hashSymlinkChain(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashSymlinkChain hashes the concatenation of every link target along the
// chain starting at path, plus the final resolved file's content if the
// chain terminates at an existing regular file. A dangling chain is hashed
// by its targets alone, which is explicitly permitted.
func hashSymlinkChain(path string) (string, error) {
	h := sha256.New()
	cur := path
	for {
		target, err := os.Readlink(cur)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s\x00", target)

		next := target
		if !filepath.IsAbs(next) {
			next = filepath.Join(filepath.Dir(cur), next)
		}
		fi, err := os.Lstat(next)
		if os.IsNotExist(err) {
			return hex.EncodeToString(h.Sum(nil)), nil // dangling: hash chain only
		}
		if err != nil {
			return "", err
		}
		if fi.Mode()&fs.ModeSymlink == 0 {
			f, err := os.Open(next)
			if err != nil {
				if os.IsNotExist(err) {
					return hex.EncodeToString(h.Sum(nil)), nil
				}
				return "", err
			}
			defer f.Close()
			if _, err := io.Copy(h, f); err != nil {
				return "", err
			}
			return hex.EncodeToString(h.Sum(nil)), nil
		}
		cur = next
	}
}
