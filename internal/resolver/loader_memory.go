package resolver

import (
	"fmt"

	"alchemist.dev/alloy/internal/pkgmeta"
)

// MemoryEbuildLoader serves a fixed, caller-supplied PackageDetails per
// ebuild path, keyed identically to how a real loader would be invoked.
// Used by tests of every component downstream of the resolver so they don't
// need a real ebuild tree on disk.
type MemoryEbuildLoader struct {
	Details map[string]*pkgmeta.PackageDetails
}

// Load implements EbuildLoader.
func (l *MemoryEbuildLoader) Load(ebuildPath, repoName string) (*pkgmeta.PackageDetails, error) {
	details, ok := l.Details[ebuildPath]
	if !ok {
		return nil, fmt.Errorf("no canned PackageDetails for %s", ebuildPath)
	}
	return details, nil
}
