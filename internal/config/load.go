// File-based config sources (spec section 6, "Config sources consumed"):
// make.conf, the make.profile parent chain, and the package.* override
// files. This turns on-disk profile trees into the Node values Bundle
// already knows how to merge.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/syntax"

	"alchemist.dev/alloy/internal/depexpr"
)

// ConstSource wraps a pre-built Node list, for configuration that does not
// come from a file on disk; its Nodes can be passed to LoadBundle as extra
// nodes.
type ConstSource struct {
	Nodes []Node
}

// ResolveProfileChain walks a make.profile directory's "parent" file
// recursively, returning every ancestor profile directory in
// least-specific-first order (the root of the chain first, leafDir last).
// A profile with no "parent" file is a chain of one. Multiple
// whitespace-separated parents on distinct lines are each expanded in the
// order listed, depth-first, matching the PMS profile stacking rule; a
// directory that recurs in its own ancestry is an error.
func ResolveProfileChain(leafDir string) ([]string, error) {
	var out []string
	seen := map[string]bool{}
	var visit func(dir string) error
	visit = func(dir string) error {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return err
		}
		if seen[abs] {
			return fmt.Errorf("profile %s: cyclic parent chain", dir)
		}
		seen[abs] = true
		defer delete(seen, abs)

		parentFile := filepath.Join(dir, "parent")
		data, err := os.ReadFile(parentFile)
		if err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				line = strings.TrimSpace(stripComment(line))
				if line == "" {
					continue
				}
				if err := visit(filepath.Join(dir, line)); err != nil {
					return err
				}
			}
		} else if !os.IsNotExist(err) {
			return err
		}

		out = append(out, dir)
		return nil
	}
	if err := visit(leafDir); err != nil {
		return nil, err
	}
	return out, nil
}

func stripComment(line string) string {
	if idx := strings.IndexByte(line, '#'); idx >= 0 {
		return line[:idx]
	}
	return line
}

// ParseVarsFile decodes a make.conf / make.defaults style file: shell-quoted
// KEY=VALUE assignments, one per logical line, blank lines and
// '#'-comments ignored. An optional leading "export " is accepted and
// stripped.
func ParseVarsFile(r io.Reader, source string) (map[string]string, error) {
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(r, source)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", source, err)
	}

	env := map[string]string{}
	out := make(map[string]string)
	for _, stmt := range file.Stmts {
		var assigns []*syntax.Assign
		switch cmd := stmt.Cmd.(type) {
		case *syntax.CallExpr:
			if len(cmd.Args) == 0 {
				assigns = cmd.Assigns
			}
		case *syntax.DeclClause:
			if cmd.Variant != nil && cmd.Variant.Value == "export" {
				assigns = cmd.Args
			}
		}
		if assigns == nil {
			return nil, fmt.Errorf("%s:%s: unsupported statement, only KEY=VALUE assignments are allowed", source, stmt.Pos())
		}
		for _, assign := range assigns {
			if assign.Array != nil {
				return nil, fmt.Errorf("%s:%s: array assignments are not supported here", source, assign.Pos())
			}
			val := ""
			if assign.Value != nil {
				cfg := &expand.Config{Env: mapEnviron(env)}
				val, err = expand.Literal(cfg, assign.Value)
				if err != nil {
					return nil, fmt.Errorf("%s:%s: %w", source, assign.Pos(), err)
				}
			}
			out[assign.Name.Value] = val
			env[assign.Name.Value] = val
		}
	}
	return out, nil
}

type mapEnviron map[string]string

func (e mapEnviron) Get(name string) expand.Variable {
	v, ok := e[name]
	if !ok {
		return expand.Variable{}
	}
	return expand.Variable{Local: true, Kind: expand.String, Str: v}
}

func (e mapEnviron) Each(f func(name string, v expand.Variable) bool) {
	for name, v := range e {
		if !f(name, expand.Variable{Local: true, Kind: expand.String, Str: v}) {
			return
		}
	}
}

// eachLine scans non-blank, non-comment lines of r, trimming trailing
// comments, and calls f for each.
func eachLine(r io.Reader, f func(line string) error) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(stripComment(scanner.Text()))
		if line == "" {
			continue
		}
		if err := f(line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// ParsePackageUseFile decodes one package.use / package.use.mask /
// package.use.force / package.use.stable.* style file: each line is an
// atom followed by space-separated USE tokens.
func ParsePackageUseFile(r io.Reader, kind UseUpdateKind, stableOnly bool, source string) ([]Node, error) {
	var nodes []Node
	err := eachLine(r, func(line string) error {
		fields := strings.Fields(line)
		atom, err := depexpr.ParseAtom(fields[0])
		if err != nil {
			return fmt.Errorf("%s: %w", source, err)
		}
		nodes = append(nodes, Node{Use: &UseUpdate{
			Kind:       kind,
			Filter:     atom,
			StableOnly: stableOnly,
			Tokens:     append([]string(nil), fields[1:]...),
			Source:     source,
		}})
		return nil
	})
	return nodes, err
}

// ParseGlobalUseFile decodes use.mask / use.force / their *.stable.*
// counterparts: bare USE tokens, one or more per line, applying to every
// package (no atom filter).
func ParseGlobalUseFile(r io.Reader, kind UseUpdateKind, stableOnly bool, source string) ([]Node, error) {
	var tokens []string
	if err := eachLine(r, func(line string) error {
		tokens = append(tokens, strings.Fields(line)...)
		return nil
	}); err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, nil
	}
	return []Node{{Use: &UseUpdate{Kind: kind, StableOnly: stableOnly, Tokens: tokens, Source: source}}}, nil
}

// ParsePackageMaskFile decodes package.mask / package.unmask: one atom per
// line.
func ParsePackageMaskFile(r io.Reader, kind MaskUpdateKind, source string) ([]Node, error) {
	var nodes []Node
	err := eachLine(r, func(line string) error {
		atom, err := depexpr.ParseAtom(line)
		if err != nil {
			return fmt.Errorf("%s: %w", source, err)
		}
		nodes = append(nodes, Node{Mask: &MaskUpdate{Kind: kind, Atom: atom, Source: source}})
		return nil
	})
	return nodes, err
}

// ParsePackageProvidedFile decodes package.provided: one fully-versioned
// atom ("cat/pkg-1.2.3") per line.
func ParsePackageProvidedFile(r io.Reader, source string) ([]Node, error) {
	var nodes []Node
	err := eachLine(r, func(line string) error {
		atom, err := depexpr.ParseAtom("=" + line)
		if err != nil {
			return fmt.Errorf("%s: %w", source, err)
		}
		nodes = append(nodes, Node{Provided: &ProvidedPackage{Name: atom.PackageName, Version: atom.Version, Source: source}})
		return nil
	})
	return nodes, err
}

// ParsePackageAcceptKeywordsFile decodes package.accept_keywords: an atom
// followed by zero or more accepted keyword tokens (an empty list defaults
// to "~$ARCH" per Bundle.AcceptedKeywords).
func ParsePackageAcceptKeywordsFile(r io.Reader, source string) ([]Node, error) {
	var nodes []Node
	err := eachLine(r, func(line string) error {
		fields := strings.Fields(line)
		atom, err := depexpr.ParseAtom(fields[0])
		if err != nil {
			return fmt.Errorf("%s: %w", source, err)
		}
		nodes = append(nodes, Node{Keyword: &KeywordUpdate{Filter: atom, Accept: append([]string(nil), fields[1:]...), Source: source}})
		return nil
	})
	return nodes, err
}

// profileFiles lists the package.* override files recognized directly
// under a profile or /etc/portage directory, in the fixed precedence order
// spec 4.C expects them folded into the Node list.
var profileFiles = []struct {
	name string
	kind string
}{
	{"make.defaults", "vars"},
	{"use.mask", "use.mask"},
	{"use.force", "use.force"},
	{"use.stable.mask", "use.stable.mask"},
	{"use.stable.force", "use.stable.force"},
	{"package.use", "package.use"},
	{"package.use.mask", "package.use.mask"},
	{"package.use.force", "package.use.force"},
	{"package.use.stable.mask", "package.use.stable.mask"},
	{"package.use.stable.force", "package.use.stable.force"},
	{"package.mask", "package.mask"},
	{"package.unmask", "package.unmask"},
	{"package.provided", "package.provided"},
	{"package.accept_keywords", "package.accept_keywords"},
}

// LoadDir parses every recognized config file directly present in dir
// (files and package.*/use.* directories of the same name are both
// accepted, matching Portage's historical layout), in precedence order,
// and returns the Nodes they contribute.
func LoadDir(dir string) ([]Node, error) {
	var nodes []Node
	for _, pf := range profileFiles {
		path := filepath.Join(dir, pf.name)
		entries, err := concatEntries(path)
		if err != nil {
			return nil, err
		}
		if entries == "" {
			continue
		}
		r := strings.NewReader(entries)
		switch pf.kind {
		case "vars":
			vars, err := ParseVarsFile(r, path)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, Node{Vars: &VarsUpdate{Vars: vars, Source: path}})
		case "use.mask":
			n, err := ParseGlobalUseFile(r, UseMask, false, path)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, n...)
		case "use.force":
			n, err := ParseGlobalUseFile(r, UseForce, false, path)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, n...)
		case "use.stable.mask":
			n, err := ParseGlobalUseFile(r, UseMask, true, path)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, n...)
		case "use.stable.force":
			n, err := ParseGlobalUseFile(r, UseForce, true, path)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, n...)
		case "package.use":
			n, err := ParsePackageUseFile(r, UseSet, false, path)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, n...)
		case "package.use.mask":
			n, err := ParsePackageUseFile(r, UseMask, false, path)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, n...)
		case "package.use.force":
			n, err := ParsePackageUseFile(r, UseForce, false, path)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, n...)
		case "package.use.stable.mask":
			n, err := ParsePackageUseFile(r, UseMask, true, path)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, n...)
		case "package.use.stable.force":
			n, err := ParsePackageUseFile(r, UseForce, true, path)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, n...)
		case "package.mask":
			n, err := ParsePackageMaskFile(r, MaskMask, path)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, n...)
		case "package.unmask":
			n, err := ParsePackageMaskFile(r, MaskUnmask, path)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, n...)
		case "package.provided":
			n, err := ParsePackageProvidedFile(r, path)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, n...)
		case "package.accept_keywords":
			n, err := ParsePackageAcceptKeywordsFile(r, path)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, n...)
		}
	}
	return nodes, nil
}

// concatEntries reads path, which may be a plain file or (per Portage's
// historical layout) a directory of files concatenated in name order. It
// returns "" if path does not exist.
func concatEntries(path string) (string, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		data, err := os.ReadFile(path)
		return string(data), err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(path, e.Name()))
		if err != nil {
			return "", err
		}
		b.Write(data)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// LoadBundle builds a Bundle from an ordered list of directories (profile
// chain entries, then /etc/portage, least to most specific), plus any
// additional synthetic nodes (e.g. from ConstSource) appended last.
func LoadBundle(dirs []string, extra ...Node) (*Bundle, error) {
	var nodes []Node
	for _, dir := range dirs {
		n, err := LoadDir(dir)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n...)
	}
	nodes = append(nodes, extra...)
	return NewBundle(nodes), nil
}
