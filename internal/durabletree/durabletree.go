// Package durabletree implements the on-disk layered-snapshot directory
// format referred to throughout spec section 3 as a "durable tree": opaque
// to the core except that it exposes an ordered list of lower-directory
// paths once opened (spec 4.I, 4.J "normalize ... into durable-tree form").
package durabletree

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// manifestName is the marker file that distinguishes a converted durable
// tree from a plain directory layer.
const manifestName = ".durable_tree.json"

// manifest records the ordered, tree-relative lower directories a durable
// tree expands to.
type manifest struct {
	Lowers []string `json:"lowers"`
}

// Tree is an opened durable tree: a directory plus its manifest.
type Tree struct {
	root string
	m    manifest
}

// IsDurableTree reports whether dir has already been converted.
func IsDurableTree(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, manifestName))
	return err == nil
}

// Convert normalizes a plain directory (typically a container's upper
// directory, handed off via PreparedContainer.IntoUpperDir) into durable
// tree form in place: its current contents become the tree's single lower
// directory, content-addressed only by position, and a manifest is written
// recording that layer. Calling Convert on an already-converted tree is a
// no-op.
func Convert(dir string) error {
	if IsDurableTree(dir) {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	layerDir := filepath.Join(dir, "layers", "0")
	if err := os.MkdirAll(filepath.Dir(layerDir), 0o755); err != nil {
		return err
	}
	if err := os.Mkdir(layerDir, 0o755); err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.Rename(filepath.Join(dir, e.Name()), filepath.Join(layerDir, e.Name())); err != nil {
			return fmt.Errorf("durabletree: moving %s into layer: %w", e.Name(), err)
		}
	}

	m := manifest{Lowers: []string{filepath.Join("layers", "0")}}
	return writeManifest(dir, m)
}

func writeManifest(dir string, m manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, manifestName), data, 0o644)
}

// Open reads an existing durable tree's manifest.
func Open(dir string) (*Tree, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, fmt.Errorf("durabletree: %s is not a durable tree: %w", dir, err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("durabletree: parsing manifest in %s: %w", dir, err)
	}
	return &Tree{root: dir, m: m}, nil
}

// LowerDirs implements container.DurableTree: it returns the tree's ordered
// absolute lower-directory paths.
func (t *Tree) LowerDirs() ([]string, error) {
	return t.mustLowerDirs(), nil
}

func (t *Tree) mustLowerDirs() []string {
	out := make([]string, len(t.m.Lowers))
	for i, rel := range t.m.Lowers {
		out[i] = filepath.Join(t.root, rel)
	}
	return out
}
