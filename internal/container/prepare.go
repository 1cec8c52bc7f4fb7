package container

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// maxLowersPerOverlay is the largest lowerdir= list the kernel's overlayfs
// option-string parser reliably accepts in one mount; stacks past this are
// chunked and re-stacked through a second overlay level (spec 4.I step 3).
const maxLowersPerOverlay = 500

// mountGuard unmounts one mount point when released, unless leaked; the
// mount point directory itself is removed later with the stage directory.
// Guards are tracked LIFO so PreparedContainer tears itself down in the
// reverse order it was built.
type mountGuard struct {
	path     string
	isMount  bool
	leaked   bool
}

func (g *mountGuard) Leak() { g.leaked = true }

func (g *mountGuard) release() error {
	if g.leaked {
		return nil
	}
	if g.isMount {
		if err := unix.Unmount(g.path, unix.MNT_DETACH); err != nil && err != unix.EINVAL {
			return fmt.Errorf("unmounting %s: %w", g.path, err)
		}
	}
	return nil
}

// PreparedContainer is a staged container root with its overlayfs and bind
// mounts already in place, ready to run commands via Command().
type PreparedContainer struct {
	settings *ContainerSettings
	stageDir string
	rootDir  string
	upperDir string
	workDir  string

	guards        []*mountGuard
	controlServer *ControlServer
}

// Prepare builds a PreparedContainer per spec 4.I steps 1-5, starting from
// an empty upper directory.
func (c *ContainerSettings) Prepare() (*PreparedContainer, error) {
	return c.prepare("")
}

// PrepareWithUpperDir behaves like Prepare, but seeds the overlay's upper
// directory from an existing directory tree (moved into place) instead of
// starting empty, so that a later phase sees writes accumulated by an
// earlier one (spec 4.J step 5, the preinst-to-postinst handoff).
func (c *ContainerSettings) PrepareWithUpperDir(initialUpper string) (*PreparedContainer, error) {
	if initialUpper == "" {
		return nil, fmt.Errorf("container: PrepareWithUpperDir requires a non-empty initial upper dir")
	}
	return c.prepare(initialUpper)
}

func (c *ContainerSettings) prepare(initialUpper string) (*PreparedContainer, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	stageDir, err := os.MkdirTemp(c.MutableBaseDir, "container.*")
	if err != nil {
		return nil, err
	}

	p := &PreparedContainer{settings: c, stageDir: stageDir}

	for _, name := range []string{"dev", "proc", "sys", "tmp", "host"} {
		if err := os.MkdirAll(filepath.Join(stageDir, name), 0o755); err != nil {
			return nil, err
		}
	}
	if err := os.WriteFile(filepath.Join(stageDir, ".setup.sh"), []byte("#!/bin/sh\nexec \"$@\"\n"), 0o755); err != nil {
		return nil, err
	}

	for _, bm := range c.BindMounts {
		if err := p.precreateMountPoint(bm); err != nil {
			return nil, p.failAndCleanup(err)
		}
	}

	lowerDirs, err := p.stageLowerDirs()
	if err != nil {
		return nil, p.failAndCleanup(err)
	}

	rootDir := filepath.Join(stageDir, "merged")
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, p.failAndCleanup(err)
	}
	p.rootDir = rootDir
	p.workDir = filepath.Join(stageDir, "work")
	if initialUpper != "" {
		p.upperDir = filepath.Join(stageDir, "upper")
		if err := os.Rename(initialUpper, p.upperDir); err != nil {
			return nil, p.failAndCleanup(fmt.Errorf("seeding upper dir: %w", err))
		}
	} else {
		p.upperDir = filepath.Join(stageDir, "upper")
		if err := os.MkdirAll(p.upperDir, 0o755); err != nil {
			return nil, p.failAndCleanup(err)
		}
	}
	if err := os.MkdirAll(p.workDir, 0o755); err != nil {
		return nil, p.failAndCleanup(err)
	}

	if err := p.mountOverlay(rootDir, p.upperDir, p.workDir, lowerDirs); err != nil {
		return nil, p.failAndCleanup(err)
	}

	for _, bm := range c.BindMounts {
		if err := p.performBindMount(bm); err != nil {
			return nil, p.failAndCleanup(err)
		}
	}

	if err := p.bindHostDir("/dev", filepath.Join(rootDir, "dev")); err != nil {
		return nil, p.failAndCleanup(err)
	}
	if err := p.bindHostDir("/sys", filepath.Join(rootDir, "sys")); err != nil {
		return nil, p.failAndCleanup(err)
	}

	if c.LoginMode != LoginNever {
		cs, err := StartControlServer(loginNotifier(c.LoginMode))
		if err != nil {
			return nil, p.failAndCleanup(fmt.Errorf("starting login control channel: %w", err))
		}
		p.controlServer = cs
	}

	return p, nil
}

// RootDir returns the merged overlayfs mountpoint, usable for inspecting the
// container's filesystem from the host without entering any namespace.
func (p *PreparedContainer) RootDir() string { return p.rootDir }

func (p *PreparedContainer) failAndCleanup(err error) error {
	if cerr := p.Close(); cerr != nil {
		return fmt.Errorf("%w (additionally failed to clean up: %v)", err, cerr)
	}
	return err
}

func (p *PreparedContainer) precreateMountPoint(bm BindMount) error {
	target := filepath.Join(p.stageDir, "merged-pending", bm.MountPath)
	info, err := os.Stat(bm.Source)
	if err != nil {
		return fmt.Errorf("stat bind mount source %s: %w", bm.Source, err)
	}
	if info.IsDir() {
		return os.MkdirAll(target, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// stageLowerDirs bind-mounts each declared lower directory into a short
// per-index name under a scratch lowers/ directory, so the overlayfs
// option string built later stays well under kernel limits (spec 4.I step
// 2), then returns the final top-level lowerdir list, chunking through a
// second overlay stack if there are more than maxLowersPerOverlay entries
// (spec 4.I step 3).
func (p *PreparedContainer) stageLowerDirs() ([]string, error) {
	lowersDir := filepath.Join(p.stageDir, "lowers")
	if err := os.MkdirAll(lowersDir, 0o755); err != nil {
		return nil, err
	}

	var flat []string
	idx := 0
	mergedArchiveDir := ""
	for _, layer := range p.settings.Layers {
		switch layer.Kind {
		case LayerArchive:
			// Adjacent archive layers merge into one extraction dir.
			if mergedArchiveDir == "" {
				mergedArchiveDir = filepath.Join(p.stageDir, "archives", strconv.Itoa(idx))
				if err := os.MkdirAll(mergedArchiveDir, 0o755); err != nil {
					return nil, err
				}
				flat = append(flat, mergedArchiveDir)
				idx++
			}
			if err := extractArchive(layer.Path, mergedArchiveDir); err != nil {
				return nil, fmt.Errorf("extracting archive layer %s: %w", layer.Path, err)
			}
			continue
		case LayerDirectory:
			flat = append(flat, layer.Path)
		case LayerDurableTree:
			dirs, err := layer.Tree.LowerDirs()
			if err != nil {
				return nil, fmt.Errorf("expanding durable tree layer: %w", err)
			}
			flat = append(flat, dirs...)
		}
		mergedArchiveDir = ""
	}

	shortened := make([]string, len(flat))
	for i, dir := range flat {
		name := filepath.Join(lowersDir, strconv.Itoa(i))
		if err := os.Mkdir(name, 0o755); err != nil {
			return nil, err
		}
		if err := unix.Mount(dir, name, "", unix.MS_BIND, ""); err != nil {
			return nil, fmt.Errorf("bind-mounting lower %s: %w", dir, err)
		}
		p.guards = append(p.guards, &mountGuard{path: name, isMount: true})
		shortened[i] = name
	}

	return p.chunkLowers(shortened)
}

// chunkLowers implements the 500-lower, two-level overlay stacking rule. A
// chunk of size 1 is degenerate and is passed through without wrapping in
// another overlay, since overlayfs refuses a single-entry lowerdir list
// stacked on nothing useful.
func (p *PreparedContainer) chunkLowers(lowers []string) ([]string, error) {
	if len(lowers) <= maxLowersPerOverlay {
		return lowers, nil
	}

	var chunkMounts []string
	for i := 0; i < len(lowers); i += maxLowersPerOverlay {
		end := i + maxLowersPerOverlay
		if end > len(lowers) {
			end = len(lowers)
		}
		chunk := lowers[i:end]
		if len(chunk) == 1 {
			chunkMounts = append(chunkMounts, chunk[0])
			continue
		}
		chunkRoot := filepath.Join(p.stageDir, "chunks", strconv.Itoa(i))
		if err := os.MkdirAll(chunkRoot, 0o755); err != nil {
			return nil, err
		}
		if err := unix.Mount("none", chunkRoot, "overlay", 0, "lowerdir="+strings.Join(chunk, ":")); err != nil {
			return nil, fmt.Errorf("mounting chunk overlay: %w", err)
		}
		p.guards = append(p.guards, &mountGuard{path: chunkRoot, isMount: true})
		chunkMounts = append(chunkMounts, chunkRoot)
	}
	return chunkMounts, nil
}

func (p *PreparedContainer) mountOverlay(rootDir, upperDir, workDir string, lowerDirs []string) error {
	options := fmt.Sprintf("upperdir=%s,workdir=%s,lowerdir=%s", upperDir, workDir, strings.Join(lowerDirs, ":"))
	if err := unix.Mount("none", rootDir, "overlay", 0, options); err != nil {
		return fmt.Errorf("mounting overlayfs: %w", err)
	}
	p.guards = append(p.guards, &mountGuard{path: rootDir, isMount: true})
	return nil
}

func (p *PreparedContainer) performBindMount(bm BindMount) error {
	target := filepath.Join(p.rootDir, bm.MountPath)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if err := unix.Mount(bm.Source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind-mounting %s to %s: %w", bm.Source, target, err)
	}
	p.guards = append(p.guards, &mountGuard{path: target, isMount: true})

	if !bm.ReadWrite {
		var st unix.Statfs_t
		if err := unix.Statfs(target, &st); err != nil {
			return fmt.Errorf("statfs %s: %w", target, err)
		}
		flags := uintptr(unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY | unix.MS_NODEV | unix.MS_NOEXEC | unix.MS_NOSUID)
		if err := unix.Mount("none", target, "", flags, ""); err != nil {
			return fmt.Errorf("remounting %s read-only: %w", target, err)
		}
	}
	return nil
}

func (p *PreparedContainer) bindHostDir(source, target string) error {
	if err := os.MkdirAll(target, 0o755); err != nil {
		return err
	}
	if err := unix.Mount(source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind-mounting %s: %w", source, err)
	}
	p.guards = append(p.guards, &mountGuard{path: target, isMount: true})
	return nil
}

// Close tears down every mount this PreparedContainer made, LIFO.
func (p *PreparedContainer) Close() error {
	var firstErr error
	if p.controlServer != nil {
		if err := p.controlServer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for i := len(p.guards) - 1; i >= 0; i-- {
		if err := p.guards[i].release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.guards = nil
	if err := os.RemoveAll(p.stageDir); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// IntoUpperDir transfers ownership of the upper directory out of the
// container, leaking its mounts (the caller now owns cleanup of the
// directory tree itself) so a subsequent layer can be built from it (spec
// 4.I, "into_upper_dir").
func (p *PreparedContainer) IntoUpperDir() (string, error) {
	for _, g := range p.guards {
		g.Leak()
	}
	upper := p.upperDir
	if err := unix.Unmount(p.rootDir, unix.MNT_DETACH); err != nil {
		return "", fmt.Errorf("unmounting overlay root before handoff: %w", err)
	}
	return upper, nil
}
