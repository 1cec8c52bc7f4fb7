// Package depgraph walks atoms transitively, detects cycles, and computes
// install sets and host-tool sets (spec component 4.H).
package depgraph

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"alchemist.dev/alloy/internal/depanalysis"
	"alchemist.dev/alloy/internal/depexpr"
	"alchemist.dev/alloy/internal/pkgmeta"
	"alchemist.dev/alloy/internal/resolver"
)

// searchPath is an immutable cons-list snapshot of the atoms along the
// current DFS branch, cloned (O(1)) on every recursive step so parallel
// recursion never shares or mutates a parent's path.
type searchPath struct {
	key    pkgmeta.SlotKey
	parent *searchPath
}

func (p *searchPath) push(key pkgmeta.SlotKey) (*searchPath, error) {
	for cur := p; cur != nil; cur = cur.parent {
		if cur.key == key {
			return nil, &CycleError{Key: key, Path: p.list(key)}
		}
	}
	return &searchPath{key: key, parent: p}, nil
}

func (p *searchPath) list(head pkgmeta.SlotKey) []pkgmeta.SlotKey {
	out := []pkgmeta.SlotKey{head}
	for cur := p; cur != nil; cur = cur.parent {
		out = append(out, cur.key)
	}
	return out
}

// CycleError reports a direct cycle through build_deps or runtime_deps.
type CycleError struct {
	Key  pkgmeta.SlotKey
	Path []pkgmeta.SlotKey
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle reaching %v: %v", e.Key, e.Path)
}

// ConsistencyError reports two atoms selecting conflicting versions under
// the same PackageSlotKey.
type ConsistencyError struct {
	Key      pkgmeta.SlotKey
	Existing string
	New      string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("inconsistent selection for %v: already %s, now %s", e.Key, e.Existing, e.New)
}

// Edges lists a node's neighbor keys by edge class.
type Edges struct {
	Build       []pkgmeta.SlotKey
	Runtime     []pkgmeta.SlotKey
	Post        []pkgmeta.SlotKey
	BuildHost   []pkgmeta.SlotKey
	InstallHost []pkgmeta.SlotKey
}

// Node is one selected package in the graph.
type Node struct {
	Key     pkgmeta.SlotKey
	Details *pkgmeta.PackageDetails
	Edges   Edges
}

// Graph is the fully-resolved transitive dependency graph.
type Graph struct {
	nodes map[pkgmeta.SlotKey]*Node
	order []pkgmeta.SlotKey
}

func (g *Graph) Node(key pkgmeta.SlotKey) (*Node, bool) {
	n, ok := g.nodes[key]
	return n, ok
}

// Nodes returns every node, in the order it was first selected.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, k := range g.order {
		out = append(out, g.nodes[k])
	}
	return out
}

// Builder performs the parallel BFS dependency-graph construction.
type Builder struct {
	resolver *resolver.Resolver
	analyzer *depanalysis.Analyzer

	mu       sync.Mutex
	selected map[pkgmeta.SlotKey]*Node
	order    []pkgmeta.SlotKey

	pendingPostDeps map[pkgmeta.SlotKey][]*depexpr.Atom
}

func New(res *resolver.Resolver, analyzer *depanalysis.Analyzer) *Builder {
	return &Builder{
		resolver:        res,
		analyzer:        analyzer,
		selected:        make(map[pkgmeta.SlotKey]*Node),
		pendingPostDeps: make(map[pkgmeta.SlotKey][]*depexpr.Atom),
	}
}

// Build walks roots to a fixed point and returns the completed Graph.
func (b *Builder) Build(ctx context.Context, roots []*depexpr.Atom) (*Graph, error) {
	eg, egctx := errgroup.WithContext(ctx)
	for _, atom := range roots {
		atom := atom
		eg.Go(func() error { return b.walk(egctx, atom, nil) })
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	if err := b.resolvePostDeps(ctx); err != nil {
		return nil, err
	}

	g := &Graph{nodes: b.selected, order: b.order}
	return g, nil
}

// walk implements spec 4.H steps 1-4 for one atom on the current DFS
// branch: select a concrete package, key it, analyze its dependencies, and
// recurse on build_deps/runtime_deps in parallel. post_deps atoms are
// recorded for the deferred second pass.
func (b *Builder) walk(ctx context.Context, atom *depexpr.Atom, path *searchPath) error {
	if provided, err := b.resolver.FindProvidedPackages(atom); err == nil && len(provided) > 0 {
		return nil // provided packages short-circuit and produce no graph node
	}

	details, err := b.resolver.Resolve(atom)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", atom, err)
	}

	key := pkgmeta.SlotKey{Name: details.Metadata.FullName, MainSlot: details.Slot.Main}

	childPath, err := path.push(key)
	if err != nil {
		return err
	}

	isNew, err := b.claim(key, details)
	if err != nil {
		return err
	}
	if !isNew {
		return nil
	}

	deps, err := b.analyzer.Analyze(details)
	if err != nil {
		return fmt.Errorf("analyzing %s: %w", key, err)
	}

	edges := Edges{}
	for _, d := range deps.BuildDeps {
		edges.Build = append(edges.Build, slotKeyOf(d))
	}
	for _, d := range deps.RuntimeDeps {
		edges.Runtime = append(edges.Runtime, slotKeyOf(d))
	}
	for _, d := range deps.BuildHostDeps {
		edges.BuildHost = append(edges.BuildHost, slotKeyOf(d))
	}
	for _, d := range deps.InstallHostDeps {
		edges.InstallHost = append(edges.InstallHost, slotKeyOf(d))
	}

	b.mu.Lock()
	b.selected[key].Edges = edges
	b.mu.Unlock()

	b.recordPostDeps(key, deps.PostDeps)

	eg, egctx := errgroup.WithContext(ctx)
	for _, d := range deps.BuildDeps {
		d := d
		eg.Go(func() error { return b.walk(egctx, detailsAtom(d), childPath) })
	}
	for _, d := range deps.RuntimeDeps {
		d := d
		eg.Go(func() error { return b.walk(egctx, detailsAtom(d), childPath) })
	}
	return eg.Wait()
}

// claim registers key's selection under the lock, returning isNew=false
// (and no error) if key was already selected with a matching version, or a
// ConsistencyError if it was selected with a different one.
func (b *Builder) claim(key pkgmeta.SlotKey, details *pkgmeta.PackageDetails) (isNew bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.selected[key]; ok {
		if existing.Details.Metadata.Version.Compare(details.Metadata.Version) != 0 {
			return false, &ConsistencyError{
				Key:      key,
				Existing: existing.Details.Metadata.Version.String(),
				New:      details.Metadata.Version.String(),
			}
		}
		return false, nil
	}

	b.selected[key] = &Node{Key: key, Details: details}
	b.order = append(b.order, key)
	return true, nil
}

func (b *Builder) recordPostDeps(key pkgmeta.SlotKey, postDeps []*pkgmeta.PackageDetails) {
	if len(postDeps) == 0 {
		return
	}
	atoms := make([]*depexpr.Atom, len(postDeps))
	for i, d := range postDeps {
		atoms[i] = detailsAtom(d)
	}
	b.mu.Lock()
	b.pendingPostDeps[key] = atoms
	b.mu.Unlock()
}

// resolvePostDeps implements spec 4.H step 5: after the primary walk
// stabilizes, resolve every node's post_deps against the closed selection.
// post_deps are explicitly permitted to re-enter already-selected nodes.
func (b *Builder) resolvePostDeps(ctx context.Context) error {
	eg, egctx := errgroup.WithContext(ctx)
	for key, atoms := range b.pendingPostDeps {
		key, atoms := key, atoms
		eg.Go(func() error {
			var postKeys []pkgmeta.SlotKey
			for _, atom := range atoms {
				if err := b.walk(egctx, atom, nil); err != nil {
					return err
				}
				details, err := b.resolver.Resolve(atom)
				if err != nil {
					return err
				}
				postKeys = append(postKeys, slotKeyOf(details))
			}
			b.mu.Lock()
			node := b.selected[key]
			node.Edges.Post = postKeys
			b.mu.Unlock()
			return nil
		})
	}
	return eg.Wait()
}

func slotKeyOf(d *pkgmeta.PackageDetails) pkgmeta.SlotKey {
	return pkgmeta.SlotKey{Name: d.Metadata.FullName, MainSlot: d.Slot.Main}
}

func detailsAtom(d *pkgmeta.PackageDetails) *depexpr.Atom {
	a := depexpr.NewSimpleAtom(d.Metadata.FullName)
	a.Slot = &depexpr.SlotConstraint{Main: d.Slot.Main, Sub: d.Slot.Sub}
	return a
}

// InstallSet computes the least fixed point of runtime_deps and post_deps
// unioned with root itself (spec 3, "install_set").
func InstallSet(g *Graph, root pkgmeta.SlotKey) map[pkgmeta.SlotKey]bool {
	set := map[pkgmeta.SlotKey]bool{root: true}
	queue := []pkgmeta.SlotKey{root}
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		node, ok := g.Node(key)
		if !ok {
			continue
		}
		for _, next := range append(append([]pkgmeta.SlotKey(nil), node.Edges.Runtime...), node.Edges.Post...) {
			if !set[next] {
				set[next] = true
				queue = append(queue, next)
			}
		}
	}
	return set
}

// BuildHostSet computes the least fixed point of build_host and
// install_host edges together with install_set propagation through them
// (spec 3, "build_host_set"): required for hermetic SDK layers.
func BuildHostSet(g *Graph, root pkgmeta.SlotKey) map[pkgmeta.SlotKey]bool {
	set := map[pkgmeta.SlotKey]bool{}
	queue := []pkgmeta.SlotKey{root}
	visitedRoots := map[pkgmeta.SlotKey]bool{}
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		node, ok := g.Node(key)
		if !ok {
			continue
		}
		for _, hostKey := range append(append([]pkgmeta.SlotKey(nil), node.Edges.BuildHost...), node.Edges.InstallHost...) {
			for installed := range InstallSet(g, hostKey) {
				if !set[installed] {
					set[installed] = true
				}
			}
			if !visitedRoots[hostKey] {
				visitedRoots[hostKey] = true
				queue = append(queue, hostKey)
			}
		}
	}
	return set
}
