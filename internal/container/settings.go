// Package container mounts stacked overlayfs filesystems, applies bind
// mounts, and runs commands inside a namespace helper process (spec
// component 4.I).
package container

import (
	"fmt"
)

// LoginMode controls whether an interactive shell is spawned around a
// container run.
type LoginMode int

const (
	LoginNever LoginMode = iota
	LoginBeforeBuild
	LoginAfterBuild
	LoginAfterFailure
)

// LayerKind discriminates the three layer shapes a ContainerSettings may
// stack.
type LayerKind int

const (
	LayerArchive LayerKind = iota
	LayerDirectory
	LayerDurableTree
)

// Layer is one entry in a container's ordered filesystem stack.
type Layer struct {
	Kind LayerKind

	// LayerArchive / LayerDirectory
	Path string

	// LayerDurableTree
	Tree DurableTree
}

// DurableTree is an on-disk directory whose structure encodes a
// content-addressed layered snapshot; opaque to this package except that
// it exposes an ordered list of lower-directory paths (spec 3).
type DurableTree interface {
	LowerDirs() ([]string, error)
}

// BindMount is one bind mount to perform inside the prepared container.
type BindMount struct {
	Source    string
	MountPath string
	ReadWrite bool
}

// ContainerSettings is a builder for a container's filesystem layout and
// execution policy. The zero value has network access disabled and no
// login mode, matching spec 4.I's stated defaults.
type ContainerSettings struct {
	MutableBaseDir     string
	AllowNetworkAccess bool
	LoginMode          LoginMode
	KeepHostMount      bool

	Layers     []Layer
	BindMounts []BindMount
}

// New returns a ContainerSettings with AllowNetworkAccess defaulted false,
// as spec 4.I requires.
func New(mutableBaseDir string) *ContainerSettings {
	return &ContainerSettings{MutableBaseDir: mutableBaseDir}
}

// AddArchiveLayer appends an archive layer (.tar, .tar.gz, .tar.zst).
// Adjacent archive layers are merged into a single extraction directory by
// prepare().
func (c *ContainerSettings) AddArchiveLayer(path string) *ContainerSettings {
	c.Layers = append(c.Layers, Layer{Kind: LayerArchive, Path: path})
	return c
}

// AddDirectoryLayer appends a plain directory layer, used as-is.
func (c *ContainerSettings) AddDirectoryLayer(path string) *ContainerSettings {
	c.Layers = append(c.Layers, Layer{Kind: LayerDirectory, Path: path})
	return c
}

// AddDurableTreeLayer appends a durable-tree layer, expanding at prepare()
// time to one or more ordered lower-directory paths.
func (c *ContainerSettings) AddDurableTreeLayer(tree DurableTree) *ContainerSettings {
	c.Layers = append(c.Layers, Layer{Kind: LayerDurableTree, Tree: tree})
	return c
}

// AddBindMount records a bind mount to be performed after the overlayfs is
// up.
func (c *ContainerSettings) AddBindMount(source, mountPath string, readWrite bool) *ContainerSettings {
	c.BindMounts = append(c.BindMounts, BindMount{Source: source, MountPath: mountPath, ReadWrite: readWrite})
	return c
}

func (c *ContainerSettings) validate() error {
	if c.MutableBaseDir == "" {
		return fmt.Errorf("container: MutableBaseDir must be set (overlayfs requires the upper dir's filesystem)")
	}
	return nil
}
