// Package installpipeline orchestrates the setup/preinst/postinst phases
// around binary packages and emits per-package preinst/postinst durable-tree
// layers (spec component 4.J).
package installpipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"alchemist.dev/alloy/internal/binarypkg"
	"alchemist.dev/alloy/internal/container"
	"alchemist.dev/alloy/internal/durabletree"
)

// stageDirName is the in-container mount point package files to be
// installed are staged under before pkg_preinst runs, matching the $D
// convention ("/.image") so pkg_preinst can modify them in place.
const stageDirName = ".image"

// Spec names one package to install: the binary package to read, its
// previously-extracted installed-contents and staged-contents directories,
// and the two output directories its preinst/postinst layers are written
// to.
type Spec struct {
	BinaryPackagePath    string
	InstalledContentsDir string
	StagedContentsDir    string
	PreinstOutDir        string
	PostinstOutDir       string
}

// NewSettings builds a fresh ContainerSettings sharing this pipeline's base
// policy (mutable base dir, network access, bind mounts already applied by
// the caller) but with no layers yet. Each install phase needs its own
// layer stack, so the pipeline calls this once per phase rather than
// reusing a single ContainerSettings.
type Pipeline struct {
	NewSettings func() *container.ContainerSettings
	RootDir     string
}

// Install runs spec 4.J steps 1-6 for every spec, in order: packages that
// install later see the filesystem effects of packages installed earlier by
// inheriting their preinst/postinst layers as additional lower directories.
func (p *Pipeline) Install(ctx context.Context, specs []Spec) error {
	var priorLayers []string

	for _, spec := range specs {
		preinstDir, postinstDir, installedWithoutHooks, err := p.installOne(ctx, spec, priorLayers)
		if err != nil {
			return fmt.Errorf("installing %s: %w", filepath.Base(spec.BinaryPackagePath), err)
		}
		if installedWithoutHooks {
			priorLayers = append(priorLayers, spec.InstalledContentsDir)
			continue
		}
		priorLayers = append(priorLayers, preinstDir, postinstDir)
	}

	for _, spec := range specs {
		if err := p.normalize(spec); err != nil {
			return fmt.Errorf("normalizing %s: %w", filepath.Base(spec.BinaryPackagePath), err)
		}
	}
	return nil
}

// installOne runs spec 4.J steps 1-5 for one package and returns whether
// hooks were skipped (step 1).
func (p *Pipeline) installOne(ctx context.Context, spec Spec, priorLayers []string) (preinstDir, postinstDir string, skippedHooks bool, err error) {
	bp, err := binarypkg.Open(spec.BinaryPackagePath)
	if err != nil {
		return "", "", false, fmt.Errorf("opening binary package: %w", err)
	}
	category := string(bp.Metadata["CATEGORY"])
	pf := string(bp.Metadata["PF"])
	categoryPF := category + "/" + pf

	hasHooks, err := HasDeclaredHooks(bp.Metadata["environment.bz2"])
	if err != nil {
		return "", "", false, fmt.Errorf("checking %s for install hooks: %w", categoryPF, err)
	}
	if !hasHooks {
		return "", "", true, nil
	}

	if err := os.MkdirAll(spec.PreinstOutDir, 0o755); err != nil {
		return "", "", false, err
	}
	if err := os.MkdirAll(spec.PostinstOutDir, 0o755); err != nil {
		return "", "", false, err
	}

	preSettings := p.baseSettings(priorLayers)
	preSettings.AddBindMount(spec.BinaryPackagePath, filepath.Join(PackageCacheDir(p.RootDir), category, pf+".tbz2"), false)
	preSettings.AddDirectoryLayer(spec.StagedContentsDir)

	if err := p.runPhase(ctx, preSettings, categoryPF, "", spec.PreinstOutDir, "setup", "preinst"); err != nil {
		return "", "", false, fmt.Errorf("pkg_setup/pkg_preinst: %w", err)
	}

	postinstUpper, err := p.mangleLayer(spec.PreinstOutDir, category, pf)
	if err != nil {
		return "", "", false, fmt.Errorf("mangling preinst layer: %w", err)
	}
	// Hide /.image from the postinst layer; removed again during normalize.
	if err := os.WriteFile(filepath.Join(postinstUpper, stageDirName), nil, 0o644); err != nil {
		return "", "", false, err
	}

	postSettings := p.baseSettings(append(append([]string(nil), priorLayers...), spec.PreinstOutDir, spec.InstalledContentsDir))
	if err := p.runPhase(ctx, postSettings, categoryPF, postinstUpper, spec.PostinstOutDir, "postinst"); err != nil {
		return "", "", false, fmt.Errorf("pkg_postinst: %w", err)
	}

	return spec.PreinstOutDir, spec.PostinstOutDir, false, nil
}

func (p *Pipeline) baseSettings(layers []string) *container.ContainerSettings {
	s := p.NewSettings()
	for _, l := range layers {
		s.AddDirectoryLayer(l)
	}
	return s
}

// runPhase prepares a container (fresh, or seeded from initialUpper), runs
// the named hook phases in it via the fakeroot-wrapped driver script, and
// moves the resulting upper directory to outDir. The move happens before
// the container is closed: IntoUpperDir leaves the upper directory sitting
// inside the container's (about-to-be-removed) stage directory, so the
// handoff must complete first.
func (p *Pipeline) runPhase(ctx context.Context, settings *container.ContainerSettings, categoryPF, initialUpper, outDir string, phases ...string) error {
	var prepared *container.PreparedContainer
	var err error
	if initialUpper == "" {
		prepared, err = settings.Prepare()
	} else {
		prepared, err = settings.PrepareWithUpperDir(initialUpper)
	}
	if err != nil {
		return err
	}

	cmd := prepared.Command("/usr/bin/fakeroot", append([]string{
		"/usr/bin/drive_binary_package.sh",
		"-r", p.RootDir,
		"-d", "/" + stageDirName,
		"-p", categoryPF,
	}, phases...)...)
	if err := cmd.Run(ctx); err != nil {
		prepared.Close()
		return fmt.Errorf("running hook phases %v: %w", phases, err)
	}

	upper, err := prepared.IntoUpperDir()
	if err != nil {
		prepared.Close()
		return err
	}
	if err := moveDirectory(upper, outDir); err != nil {
		prepared.Close()
		return err
	}
	return prepared.Close()
}

// mangleLayer implements spec 4.J step 4: fold a preinst layer's /.image
// modifications into a fresh upper directory for postinst, recomputing the
// VDB CONTENTS manifest if /.image was touched.
func (p *Pipeline) mangleLayer(preinstDir, category, pf string) (string, error) {
	postinstUpper, err := os.MkdirTemp(filepath.Dir(preinstDir), "postinst-upper.*")
	if err != nil {
		return "", err
	}

	preinstImageDir := filepath.Join(preinstDir, stageDirName)
	var recomputed []ContentsEntry
	if info, statErr := os.Stat(preinstImageDir); statErr == nil && info.IsDir() {
		settings := p.NewSettings()
		settings.AddDirectoryLayer(preinstDir)
		prepared, err := settings.Prepare()
		if err != nil {
			return "", err
		}
		recomputed, err = GenerateContents(filepath.Join(prepared.RootDir(), stageDirName))
		prepared.Close()
		if err != nil {
			return "", fmt.Errorf("recomputing CONTENTS: %w", err)
		}

		postinstRootDir := filepath.Join(postinstUpper, trimLeadingSlash(p.RootDir))
		if err := os.MkdirAll(postinstRootDir, 0o755); err != nil {
			return "", err
		}
		if err := moveDirectory(preinstImageDir, postinstRootDir); err != nil {
			return "", err
		}
	}

	relVDB, err := filepath.Rel("/", VDBDir(p.RootDir, category, pf))
	if err != nil {
		return "", err
	}
	preinstVDBDir := filepath.Join(preinstDir, relVDB)
	postinstVDBDir := filepath.Join(postinstUpper, relVDB)
	if err := os.MkdirAll(postinstVDBDir, 0o755); err != nil {
		return "", err
	}
	if _, err := os.Stat(preinstVDBDir); err == nil {
		if err := moveDirectory(preinstVDBDir, postinstVDBDir); err != nil {
			return "", err
		}
	}

	if recomputed != nil {
		f, err := os.Create(filepath.Join(postinstVDBDir, "CONTENTS"))
		if err != nil {
			return "", err
		}
		werr := WriteContents(f, recomputed)
		cerr := f.Close()
		if werr != nil {
			return "", werr
		}
		if cerr != nil {
			return "", cerr
		}
	}

	removeEmptyAncestors(preinstVDBDir, preinstDir)

	return postinstUpper, nil
}

// normalize implements spec 4.J step 6: remove the hiding /.image file left
// behind in each layer and convert preinst/postinst into durable-tree form.
func (p *Pipeline) normalize(spec Spec) error {
	for _, dir := range []string{spec.PreinstOutDir, spec.PostinstOutDir} {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		imageFile := filepath.Join(dir, stageDirName)
		if info, err := os.Stat(imageFile); err == nil && !info.IsDir() {
			if err := os.Remove(imageFile); err != nil {
				return err
			}
		}
		if err := durabletree.Convert(dir); err != nil {
			return fmt.Errorf("converting %s to durable tree: %w", dir, err)
		}
	}
	return nil
}

func moveDirectory(source, target string) error {
	if err := os.RemoveAll(target); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return os.Rename(source, target)
}

func removeEmptyAncestors(start, stopAt string) {
	for dir := start; dir != stopAt && dir != "." && dir != "/"; dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			return // not empty, or already gone: stop climbing
		}
	}
}

func trimLeadingSlash(p string) string {
	for len(p) > 0 && p[0] == '/' {
		p = p[1:]
	}
	return p
}
