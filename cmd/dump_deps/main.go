// Command dump_deps resolves an ordered list of root atoms against a
// repository set and prints the transitive dependency graph as JSON, keyed
// by Bazel-style package label (spec section 6, "dependency-dump tool").
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/urfave/cli/v2"

	"alchemist.dev/alloy/internal/bashvalue"
	"alchemist.dev/alloy/internal/cliutil"
	"alchemist.dev/alloy/internal/config"
	"alchemist.dev/alloy/internal/depanalysis"
	"alchemist.dev/alloy/internal/depexpr"
	"alchemist.dev/alloy/internal/depgraph"
	"alchemist.dev/alloy/internal/pkgmeta"
	"alchemist.dev/alloy/internal/repository"
	"alchemist.dev/alloy/internal/resolver"
	"alchemist.dev/alloy/internal/srcanalysis"
)

// valuesLoader is implemented by EbuildLoader's that can additionally
// return an ebuild's full decoded variable set, arrays included, for
// CROS_WORKON_* source extraction.
type valuesLoader interface {
	Values(ebuildPath string) (map[string]*bashvalue.Value, error)
}

// packageLabel is the Bazel-style label this tool attributes to one
// resolved package, grounded on the "//internal/overlays/..." and
// "//internal/sources/..." label conventions used throughout the original
// repo-generation tool.
func packageLabel(m pkgmeta.Metadata) string {
	return fmt.Sprintf("//internal/overlays/%s/%s:%s-%s", m.RepoName, m.FullName, m.ShortName, m.Version)
}

// localSourceLabel converts one extracted local source into a label; only
// the BuildTarget variant already carries one, everything else is
// attributed to a synthesized per-path tarball target.
func localSourceLabel(s srcanalysis.PackageLocalSource) string {
	if s.Kind == srcanalysis.BuildTarget {
		return s.BuildTarget
	}
	if s.Path == "" {
		return ""
	}
	return fmt.Sprintf("//internal/sources/%s:__tarballs__", strings.Trim(s.Path, "/"))
}

type distfileOutput struct {
	URIs      []string `json:"uris"`
	Size      int      `json:"size"`
	Integrity string   `json:"integrity"`
	SHA256    string   `json:"SHA256,omitempty"`
	SHA512    string   `json:"SHA512,omitempty"`
}

type packageOutput struct {
	Name         string                    `json:"name"`
	MainSlot     string                    `json:"main_slot"`
	EbuildPath   string                    `json:"ebuild_path"`
	Version      string                    `json:"version"`
	BuildDeps    []string                  `json:"build_deps"`
	RuntimeDeps  []string                  `json:"runtime_deps"`
	PostDeps     []string                  `json:"post_deps"`
	LocalSources []string                  `json:"local_sources"`
	Distfiles    map[string]distfileOutput `json:"distfiles"`
}

func sortedUniqueLabels(g *depgraph.Graph, keys []pkgmeta.SlotKey) []string {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		node, ok := g.Node(k)
		if !ok {
			continue
		}
		set[packageLabel(node.Details.Metadata)] = true
	}
	out := make([]string, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// extractSources best-effort computes the local and dist sources for one
// package; failures are tolerated (returning no sources) since source
// extraction is an enrichment on top of the core graph, not load-bearing
// for dependency resolution.
func extractSources(loader resolver.EbuildLoader, mirrors []string, details *pkgmeta.PackageDetails) ([]string, map[string]distfileOutput) {
	var labels []string
	dist := make(map[string]distfileOutput)

	if vl, ok := loader.(valuesLoader); ok {
		if values, err := vl.Values(details.Metadata.EbuildPath); err == nil {
			if sources, err := srcanalysis.ExtractWorkonSources(details, values); err == nil {
				for _, l := range srcanalysis.DedupeLocalSources(sources.Local) {
					if label := localSourceLabel(l); label != "" {
						labels = append(labels, label)
					}
				}
				for _, r := range sources.Repo {
					labels = append(labels, fmt.Sprintf("//internal/sources/%s:__tarballs__", r.Name))
				}
			}
		}
	}

	manifestPath := filepath.Join(filepath.Dir(details.Metadata.EbuildPath), "Manifest")
	if f, err := os.Open(manifestPath); err == nil {
		defer f.Close()
		distSources, err := srcanalysis.ExtractDistSources(details, bufio.NewScanner(f), mirrors, details.Stable)
		if err == nil {
			for _, d := range distSources {
				dist[d.FileName] = distfileOutput{
					URIs:      d.URLs,
					Size:      d.Size,
					Integrity: d.Integrity,
					SHA256:    d.Hashes[srcanalysis.SHA256],
					SHA512:    d.Hashes[srcanalysis.SHA512],
				}
			}
		}
	}

	sort.Strings(labels)
	return labels, dist
}

var app = &cli.App{
	Name:      "dump_deps",
	Usage:     "Resolve root atoms to their transitive dependency graph and print it as JSON",
	ArgsUsage: "<atom>...",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:     "overlay",
			Usage:    "Repository root directory, lowest-priority first; repeatable",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "profile",
			Usage: "Leaf make.profile directory; its full parent chain is loaded",
		},
		&cli.StringFlag{
			Name:  "package-root",
			Usage: "/etc/portage-style directory of package.* overrides, merged last",
		},
		&cli.StringFlag{
			Name:     "evaluator",
			Usage:    "External ebuild evaluator binary (see EbuildLoader)",
			Required: true,
		},
	},
	Action: func(c *cli.Context) error {
		atomStrings := c.Args().Slice()
		if len(atomStrings) == 0 {
			return cli.Exit("dump_deps requires at least one root atom", 2)
		}
		atoms := make([]*depexpr.Atom, 0, len(atomStrings))
		for _, s := range atomStrings {
			a, err := depexpr.ParseAtom(s)
			if err != nil {
				return fmt.Errorf("invalid root atom %q: %w", s, err)
			}
			atoms = append(atoms, a)
		}

		repos, err := repository.NewSet(c.StringSlice("overlay"))
		if err != nil {
			return err
		}

		var dirs []string
		if profile := c.String("profile"); profile != "" {
			chain, err := config.ResolveProfileChain(profile)
			if err != nil {
				return err
			}
			dirs = append(dirs, chain...)
		}
		if root := c.String("package-root"); root != "" {
			dirs = append(dirs, root)
		}
		bundle, err := config.LoadBundle(dirs)
		if err != nil {
			return err
		}

		loader := &resolver.ShellEbuildLoader{EvaluatorPath: c.String("evaluator"), Bundle: bundle}
		res := resolver.New(repos, bundle, loader)
		analyzer := depanalysis.New(depanalysis.Resolvers{Target: res})
		builder := depgraph.New(res, analyzer)

		graph, err := builder.Build(context.Background(), atoms)
		if err != nil {
			return err
		}

		mirrors := strings.Fields(bundle.Var("GENTOO_MIRRORS"))

		out := make(map[string]packageOutput, len(graph.Nodes()))
		for _, node := range graph.Nodes() {
			localSources, distfiles := extractSources(loader, mirrors, node.Details)
			out[packageLabel(node.Details.Metadata)] = packageOutput{
				Name:         node.Details.Metadata.FullName,
				MainSlot:     node.Details.Slot.Main,
				EbuildPath:   node.Details.Metadata.EbuildPath,
				Version:      node.Details.Metadata.Version.String(),
				BuildDeps:    sortedUniqueLabels(graph, node.Edges.Build),
				RuntimeDeps:  sortedUniqueLabels(graph, node.Edges.Runtime),
				PostDeps:     sortedUniqueLabels(graph, node.Edges.Post),
				LocalSources: localSources,
				Distfiles:    distfiles,
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func main() {
	cliutil.Exit(app.Run(os.Args))
}
