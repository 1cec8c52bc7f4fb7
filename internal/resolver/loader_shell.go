// The shell ebuild evaluator itself lives outside this module's scope (spec
// section 1, "treated as external collaborator; only its interface is
// described"); ShellEbuildLoader only knows how to invoke it and decode its
// output.
package resolver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"alchemist.dev/alloy/internal/bashvalue"
	"alchemist.dev/alloy/internal/config"
	"alchemist.dev/alloy/internal/naming"
	"alchemist.dev/alloy/internal/pkgmeta"
	"alchemist.dev/alloy/internal/version"
)

// ShellEbuildLoader implements EbuildLoader by execing an external
// evaluator binary that sources an ebuild (plus its eclasses and profile)
// inside a restricted bash and prints `set -o posix; set` to stdout.
//
// Everything downstream of that raw variable dump -- USE computation,
// keyword/mask evaluation -- is this module's job, driven by Bundle.
type ShellEbuildLoader struct {
	// EvaluatorPath is the external evaluator binary. It is invoked as
	// `EvaluatorPath <ebuildPath>` and must print `set -o posix; set`
	// output on stdout; a non-zero exit is treated as "unparsable ebuild",
	// which callers report as a masked package rather than an error.
	EvaluatorPath string

	// Bundle supplies USE computation, masking, and keyword acceptance.
	Bundle *config.Bundle
}

// Load implements EbuildLoader.
func (l *ShellEbuildLoader) Load(ebuildPath, repoName string) (*pkgmeta.PackageDetails, error) {
	meta, err := metadataFromPath(ebuildPath, repoName)
	if err != nil {
		return nil, fmt.Errorf("parsing ebuild path %s: %w", ebuildPath, err)
	}

	vars, err := l.evaluate(ebuildPath)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &pkgmeta.PackageDetails{
				Metadata:   meta,
				Readiness:  pkgmeta.Masked,
				MaskReason: fmt.Sprintf("unparsable ebuild: %v", err),
			}, nil
		}
		return nil, fmt.Errorf("evaluating %s: %w", ebuildPath, err)
	}

	raw := make(map[string]string, len(vars))
	for name, v := range vars {
		if s, ok := v.Scalar(); ok {
			raw[name] = s
		}
	}

	slot := parseSlot(raw["SLOT"])

	ref := config.PackageRef{Name: meta.FullName, Version: meta.Version}
	use, err := l.Bundle.ComputeUse(ref, strings.Fields(raw["IUSE"]))
	if err != nil {
		return nil, fmt.Errorf("computing USE for %s: %w", ebuildPath, err)
	}

	keywords := strings.Fields(raw["KEYWORDS"])
	stable, err := l.Bundle.IsStable(ref, keywords)
	if err != nil {
		return nil, fmt.Errorf("evaluating keyword stability for %s: %w", ebuildPath, err)
	}

	var eclasses []string
	if inherited, ok := vars["INHERITED"]; ok {
		if s, ok := inherited.Scalar(); ok {
			eclasses = strings.Fields(s)
		} else if arr, ok := inherited.IndexedArray(); ok {
			eclasses = arr
		}
	}

	return &pkgmeta.PackageDetails{
		Metadata:          meta,
		Slot:              slot,
		Use:               use,
		Stable:            stable,
		Readiness:         pkgmeta.Ok,
		InheritedEclasses: eclasses,
		EAPI:              raw["EAPI"],
		RawVars:           raw,
	}, nil
}

// Values runs the external evaluator and returns its full decoded variable
// set, arrays included. Load only keeps the scalar subset (PackageDetails.
// RawVars); callers that need CROS_WORKON_* arrays for source analysis
// (spec 4.G) call Values directly for the same ebuild path, relying on it
// re-running the (cheap, side-effect-free) evaluator rather than threading
// a second return value through the EbuildLoader interface.
func (l *ShellEbuildLoader) Values(ebuildPath string) (map[string]*bashvalue.Value, error) {
	return l.evaluate(ebuildPath)
}

// evaluate runs the external evaluator and decodes its `set -o posix; set`
// output.
func (l *ShellEbuildLoader) evaluate(ebuildPath string) (map[string]*bashvalue.Value, error) {
	cmd := exec.CommandContext(context.Background(), l.EvaluatorPath, ebuildPath)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w (stderr: %s)", l.EvaluatorPath, err, strings.TrimSpace(stderr.String()))
	}
	vars, err := bashvalue.Parse(&stdout)
	if err != nil {
		return nil, fmt.Errorf("decoding evaluator output: %w", err)
	}
	return vars, nil
}

// metadataFromPath derives category, short name, and version from an
// ebuild's path, of the form ".../category/short-name/short-name-version.ebuild".
func metadataFromPath(ebuildPath, repoName string) (pkgmeta.Metadata, error) {
	base := filepath.Base(ebuildPath)
	stem := strings.TrimSuffix(base, ".ebuild")
	if stem == base {
		return pkgmeta.Metadata{}, fmt.Errorf("not an .ebuild file")
	}

	shortName, ver, err := version.ExtractSuffix(stem)
	if err != nil {
		return pkgmeta.Metadata{}, fmt.Errorf("parsing version from %q: %w", stem, err)
	}

	category := filepath.Base(filepath.Dir(filepath.Dir(ebuildPath)))
	if err := naming.CheckCategory(category); err != nil {
		return pkgmeta.Metadata{}, err
	}
	if err := naming.CheckPackageName(shortName); err != nil {
		return pkgmeta.Metadata{}, err
	}

	return pkgmeta.Metadata{
		EbuildPath: ebuildPath,
		RepoName:   repoName,
		Category:   category,
		ShortName:  shortName,
		FullName:   category + "/" + shortName,
		Version:    ver,
	}, nil
}

// parseSlot splits a raw SLOT value ("main/sub" or "main") into its two
// components, defaulting both to "0" per PMS when the ebuild declares none.
func parseSlot(raw string) pkgmeta.Slot {
	if raw == "" {
		raw = "0"
	}
	if main, sub, ok := strings.Cut(raw, "/"); ok {
		return pkgmeta.Slot{Main: main, Sub: sub}
	}
	return pkgmeta.Slot{Main: raw, Sub: raw}
}
