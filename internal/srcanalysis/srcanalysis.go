// Package srcanalysis extracts CROS_WORKON_*, SRC_URI, and Manifest data
// into local, repo, and dist sources (spec component 4.G).
package srcanalysis

import (
	"bufio"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"alchemist.dev/alloy/internal/bashvalue"
	"alchemist.dev/alloy/internal/depexpr"
	"alchemist.dev/alloy/internal/pkgmeta"
	"alchemist.dev/alloy/internal/useflags"
	"alchemist.dev/alloy/internal/version"
)

// PackageRepoSource is a pinned Git subtree source.
type PackageRepoSource struct {
	Name        string // tree-<project-with-slashes-replaced>-<hash>
	Project     string
	TreeHash    string
	ProjectPath string
	Subtree     string
}

// LocalSourceKind discriminates PackageLocalSource variants. The order of
// these constants is the sort order used to dedupe local sources so that
// build-target variants win ties (spec 3, "PackageLocalSource").
type LocalSourceKind int

const (
	BuildTarget LocalSourceKind = iota
	SourceDir
	SourceFile
	ChromiteTree
	ChromeTree
	DepotToolsTree
)

// PackageLocalSource is a tagged local-source variant.
type PackageLocalSource struct {
	Kind LocalSourceKind

	BuildTarget string // BuildTarget

	Path string // SourceDir / SourceFile

	// ChromeTree
	ChromeVersion  string
	ChromeGitHash  string
	ChromeInternal bool
}

func (s PackageLocalSource) sortKey() string {
	return fmt.Sprintf("%d\x00%s\x00%s", s.Kind, s.BuildTarget, s.Path)
}

// DedupeLocalSources removes duplicate local sources, keeping the
// highest-priority (lowest Kind) variant for each distinct path/target.
func DedupeLocalSources(sources []PackageLocalSource) []PackageLocalSource {
	sorted := append([]PackageLocalSource(nil), sources...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].sortKey() < sorted[j].sortKey() })
	seen := make(map[string]bool, len(sorted))
	var out []PackageLocalSource
	for _, s := range sorted {
		key := s.BuildTarget + "\x00" + s.Path
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}

// DistAlgorithm names a hash algorithm used for distfiles in a Manifest.
type DistAlgorithm string

const (
	SHA512  DistAlgorithm = "SHA512"
	SHA256  DistAlgorithm = "SHA256"
	BLAKE2B DistAlgorithm = "BLAKE2B"
)

// PackageDistSource is a fetchable distfile.
type PackageDistSource struct {
	URLs      []string
	FileName  string
	Size      int
	Hashes    map[DistAlgorithm]string
	Integrity string // <algo-lower>-<base64(hash-bytes)>, preferring SHA512
}

// Sources is the full extraction result for one package.
type Sources struct {
	Repo  []PackageRepoSource
	Local []PackageLocalSource
	Dist  []PackageDistSource
}

// hardcodedLocalNameOverrides fixes up well-known ebuilds whose
// CROS_WORKON_PROJECT/LOCALNAME pair doesn't resolve to the right path.
var hardcodedLocalNameOverrides = map[[2]string]string{
	{"cros/platform/chromiumos-assets", "chromiumos-assets"}: "platform/chromiumos-assets",
}

// ExtractWorkonSources implements spec 4.G's CROS_WORKON_* handling.
func ExtractWorkonSources(pkg *pkgmeta.PackageDetails, values map[string]*bashvalue.Value) (Sources, error) {
	var out Sources

	projects := stringArray(values, "CROS_WORKON_PROJECT")
	if len(projects) == 0 {
		return out, nil
	}

	localNames, err := replicateTo("CROS_WORKON_LOCALNAME", stringArray(values, "CROS_WORKON_LOCALNAME"), len(projects))
	if err != nil {
		return out, err
	}
	subtrees, err := replicateTo("CROS_WORKON_SUBTREE", stringArray(values, "CROS_WORKON_SUBTREE"), len(projects))
	if err != nil {
		return out, err
	}
	optionalCheckouts, err := replicateTo("CROS_WORKON_OPTIONAL_CHECKOUT", stringArray(values, "CROS_WORKON_OPTIONAL_CHECKOUT"), len(projects))
	if err != nil {
		return out, err
	}
	treeHashes := stringArray(values, "CROS_WORKON_TREE")

	treeCursor := 0
	for i, project := range projects {
		localName := localNames[i]
		subtree := subtrees[i]

		if override, ok := hardcodedLocalNameOverrides[[2]string{project, localName}]; ok {
			localName = override
		}

		if expr := optionalCheckouts[i]; expr != "" {
			enabled, err := evalOptionalCheckout(expr, pkg.Use)
			if err != nil {
				return out, fmt.Errorf("CROS_WORKON_OPTIONAL_CHECKOUT[%d]: %w", i, err)
			}
			if !enabled {
				if len(treeHashes) > 0 && treeCursor < len(treeHashes) {
					treeCursor++
				}
				continue
			}
		}

		localPath := deriveLocalPath(pkg, project, localName)

		if len(treeHashes) > 0 {
			if treeCursor >= len(treeHashes) {
				return out, fmt.Errorf("CROS_WORKON_TREE has too few entries for %d projects", len(projects))
			}
			hash := treeHashes[treeCursor]
			treeCursor++

			name := "tree-" + strings.ReplaceAll(project, "/", "-") + "-" + hash
			out.Repo = append(out.Repo, PackageRepoSource{
				Name:        name,
				Project:     project,
				TreeHash:    hash,
				ProjectPath: localPath,
				Subtree:     subtree,
			})
			continue
		}

		path := localPath
		if subtree != "" {
			path = filepath.Join(localPath, subtree)
		}
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue // subtree manifests may contain dead entries
			}
			return out, err
		}
		if info.IsDir() {
			out.Local = append(out.Local, PackageLocalSource{Kind: SourceDir, Path: path})
		} else {
			out.Local = append(out.Local, PackageLocalSource{Kind: SourceFile, Path: path})
		}
	}

	return out, nil
}

// deriveLocalPath implements spec 4.G's local-path derivation rule.
func deriveLocalPath(pkg *pkgmeta.PackageDetails, project, localName string) string {
	if localName == "" {
		if strings.HasPrefix(project, "cros/") {
			return strings.TrimPrefix(project, "cros/")
		}
		return project
	}
	if pkg.Metadata.Category == "chromeos-base" {
		return localName
	}
	if strings.HasPrefix(localName, "../") {
		return strings.TrimPrefix(localName, "../")
	}
	return "third_party/" + localName
}

func stringArray(values map[string]*bashvalue.Value, name string) []string {
	v, ok := values[name]
	if !ok {
		return nil
	}
	if s, ok := v.Scalar(); ok {
		if s == "" {
			return nil
		}
		return []string{s}
	}
	if arr, ok := v.IndexedArray(); ok {
		return arr
	}
	return nil
}

// replicateTo implements the "parallel array of length 1 is replicated"
// rule; a mismatched nonempty/non-1 length is a typed error.
func replicateTo(name string, values []string, n int) ([]string, error) {
	if len(values) == 0 {
		return make([]string, n), nil
	}
	if len(values) == 1 {
		out := make([]string, n)
		for i := range out {
			out[i] = values[0]
		}
		return out, nil
	}
	if len(values) != n {
		return nil, fmt.Errorf("%s has %d elements, want 1 or %d", name, len(values), n)
	}
	return values, nil
}

// evalOptionalCheckout evaluates a tiny boolean expression over use: names,
// "!" negation, "&&" conjunction, "||" disjunction. "&&" binds tighter than
// "||"; parentheses are not supported.
func evalOptionalCheckout(expr string, use useflags.UseMap) (bool, error) {
	orParts := strings.Split(expr, "||")
	for _, orPart := range orParts {
		andParts := strings.Split(orPart, "&&")
		all := true
		for _, term := range andParts {
			term = strings.TrimSpace(term)
			if term == "" {
				continue
			}
			negate := false
			if strings.HasPrefix(term, "!") {
				negate = true
				term = strings.TrimPrefix(term, "!")
			}
			v := use[term]
			if negate {
				v = !v
			}
			if !v {
				all = false
				break
			}
		}
		if all {
			return true, nil
		}
	}
	return false, nil
}

type manifestEntry struct {
	size   int
	hashes map[DistAlgorithm]string
}

// Size returns the distfile size recorded in the Manifest.
func (e manifestEntry) Size() int { return e.size }

// ParseManifest parses a Portage Manifest file's DIST lines.
func ParseManifest(r *bufio.Scanner) (map[string]manifestEntry, error) {
	out := make(map[string]manifestEntry)
	for r.Scan() {
		fields := strings.Fields(r.Text())
		if len(fields) < 3 || fields[0] != "DIST" {
			continue
		}
		name, err := url.PathUnescape(fields[1])
		if err != nil {
			return nil, fmt.Errorf("Manifest: invalid filename %q: %w", fields[1], err)
		}
		size, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("Manifest: invalid size for %s: %w", name, err)
		}
		hashes := make(map[DistAlgorithm]string)
		for i := 3; i+1 < len(fields); i += 2 {
			hashes[DistAlgorithm(fields[i])] = fields[i+1]
		}
		out[name] = manifestEntry{size: size, hashes: hashes}
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func integrityString(hashes map[DistAlgorithm]string) (string, error) {
	for _, algo := range []DistAlgorithm{SHA512, SHA256, BLAKE2B} {
		hexHash, ok := hashes[algo]
		if !ok {
			continue
		}
		raw, err := hex.DecodeString(hexHash)
		if err != nil {
			return "", err
		}
		return strings.ToLower(string(algo)) + "-" + base64.StdEncoding.EncodeToString(raw), nil
	}
	return "", fmt.Errorf("no recognized hash algorithm in %v", hashes)
}

// mirrorAllowedSchemes are the only URL schemes accepted in SRC_URI.
var mirrorAllowedSchemes = map[string]bool{"http": true, "https": true, "cipd": true, "gs": true}

// gsPublicBuckets maps a small allow list of gs:// buckets to their
// https://storage.googleapis.com/ equivalent.
var gsPublicBuckets = map[string]bool{
	"chromeos-localmirror": true,
	"chromeos-mirror":      true,
}

// ExtractDistSources implements spec 4.G's SRC_URI/Manifest handling.
func ExtractDistSources(pkg *pkgmeta.PackageDetails, manifestReader *bufio.Scanner, mirrors []string, isPortageStable bool) ([]PackageDistSource, error) {
	srcURI := pkg.RawVars["SRC_URI"]
	if srcURI == "" {
		return nil, nil
	}

	expr, err := depexpr.Parse(srcURI)
	if err != nil {
		return nil, fmt.Errorf("parsing SRC_URI: %w", err)
	}
	expr = depexpr.ElideUseConditions(expr, pkg.Use)
	expr = depexpr.Simplify(expr)

	leaves, ok := depexpr.FlattenLeaves(expr)
	if !ok {
		return nil, fmt.Errorf("SRC_URI did not reduce to a flat list")
	}
	if len(leaves) == 0 {
		return nil, nil
	}

	manifest, err := ParseManifest(manifestReader)
	if err != nil {
		return nil, err
	}

	mirrorEnabled := !strings.Contains(pkg.RawVars["RESTRICT"], "mirror")

	byFile := make(map[string][]string)
	var order []string
	for _, leaf := range leaves {
		uri, fileName, err := parseURILeaf(leaf.String())
		if err != nil {
			return nil, err
		}
		if _, seen := byFile[fileName]; !seen {
			order = append(order, fileName)
		}
		byFile[fileName] = append(byFile[fileName], uri)
	}

	sortedMirrors := orderMirrors(mirrors, isPortageStable)

	var out []PackageDistSource
	for _, fileName := range order {
		entry, ok := manifest[fileName]
		if !ok {
			return nil, fmt.Errorf("cannot find %s in Manifest", fileName)
		}
		integrity, err := integrityString(entry.hashes)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fileName, err)
		}

		var urls []string
		if mirrorEnabled && len(sortedMirrors) > 0 {
			for _, m := range sortedMirrors {
				urls = append(urls, strings.TrimSuffix(m, "/")+"/distfiles/"+fileName)
			}
		} else {
			for _, raw := range byFile[fileName] {
				u, err := rewriteURL(raw)
				if err != nil {
					return nil, err
				}
				urls = append(urls, u)
			}
		}

		out = append(out, PackageDistSource{
			URLs:      urls,
			FileName:  fileName,
			Size:      entry.size,
			Hashes:    entry.hashes,
			Integrity: integrity,
		})
	}
	return out, nil
}

func parseURILeaf(raw string) (uri, fileName string, err error) {
	parts := strings.SplitN(raw, "->", 2)
	uri = strings.TrimSpace(parts[0])
	if len(parts) == 2 {
		fileName = strings.TrimSpace(parts[1])
		return uri, fileName, nil
	}
	parsed, err := url.ParseRequestURI(uri)
	if err != nil {
		return "", "", fmt.Errorf("SRC_URI leaf %q is not a URI: %w", raw, err)
	}
	return uri, filepath.Base(parsed.Path), nil
}

func rewriteURL(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if !mirrorAllowedSchemes[parsed.Scheme] {
		return "", fmt.Errorf("unsupported SRC_URI scheme %q in %q", parsed.Scheme, raw)
	}
	if parsed.Scheme == "gs" && gsPublicBuckets[parsed.Host] {
		path := collapseSlashes(parsed.Path)
		return "https://storage.googleapis.com/" + parsed.Host + path, nil
	}
	parsed.Path = collapseSlashes(parsed.Path)
	return parsed.String(), nil
}

func collapseSlashes(p string) string {
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	return p
}

func orderMirrors(mirrors []string, isPortageStable bool) []string {
	out := append([]string(nil), mirrors...)
	idx := -1
	for i, m := range out {
		if strings.Contains(m, "chromeos-mirror/gentoo") {
			idx = i
			break
		}
	}
	if idx < 0 {
		return out
	}
	gentoo := out[idx]
	rest := append(out[:idx:idx], out[idx+1:]...)
	if isPortageStable {
		return append([]string{gentoo}, rest...)
	}
	return append(rest, gentoo)
}

// chromiteWellKnownEbuilds names packages that need the chromite tree even
// though they don't inherit an eclass that would otherwise imply it.
var chromiteWellKnownEbuilds = map[string]bool{
	"dev-libs/gobject-introspection": true,
}

// ApplyWorkarounds implements spec 4.G's orthogonal workaround passes:
// chromium-source Chrome tree injection, and the chromite tree for packages
// that call into chromite at build time. No depot_tools tree is added.
func ApplyWorkarounds(pkg *pkgmeta.PackageDetails, sources *Sources) {
	if hasEclass(pkg, "chromium-source") && !allComponentsAre(pkg.Metadata.Version, "9999") {
		internal := pkg.Use["chrome_internal"]
		sources.Local = append(sources.Local, PackageLocalSource{
			Kind:           ChromeTree,
			ChromeVersion:  chromeVersionString(pkg),
			ChromeGitHash:  pkg.RawVars["GIT_COMMIT"],
			ChromeInternal: internal,
		})
	}

	if chromiteWellKnownEbuilds[pkg.Metadata.FullName] || hasEclass(pkg, "platform") || hasEclass(pkg, "dlc") {
		sources.Local = append(sources.Local, PackageLocalSource{Kind: ChromiteTree, Path: "chromite"})
	}
}

func chromeVersionString(pkg *pkgmeta.PackageDetails) string {
	v := pkg.Metadata.Version
	s := strings.Join(v.Main, ".")
	for _, suf := range v.Suffixes {
		if suf.Label == version.SuffixPre {
			s += "_pre" + suf.Number
		}
	}
	return s
}

func allComponentsAre(v *version.Version, want string) bool {
	for _, c := range v.Main {
		if c != want {
			return false
		}
	}
	return true
}

func hasEclass(pkg *pkgmeta.PackageDetails, name string) bool {
	for _, e := range pkg.InheritedEclasses {
		if e == name {
			return true
		}
	}
	return false
}
