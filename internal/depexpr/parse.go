package depexpr

import (
	"fmt"
	"strings"

	"alchemist.dev/alloy/internal/depexpr/internal/grammar"
)

// Parse parses a DEPEND/RDEPEND/BDEPEND/IDEPEND/PDEPEND-shaped string into
// a PackageDependency tree of atom leaves.
func Parse(s string) (Expr, error) {
	g, err := grammar.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("dependency expression: %w", err)
	}
	return compileAllOf(g, compileAtomLeaf)
}

// compileAllOf and friends are generic over leaf compilation so the same
// grammar serves both the atom-dependency language and the URI-dependency
// language used by SRC_URI (see srcanalysis).
func compileAllOf(g *grammar.AllOf, leaf func(string) (Expr, error)) (Expr, error) {
	children, err := compileChildren(g.Children, leaf)
	if err != nil {
		return nil, err
	}
	return &AllOf{Children: children}, nil
}

func compileChildren(nodes []*grammar.Node, leaf func(string) (Expr, error)) ([]Expr, error) {
	var out []Expr
	for _, n := range nodes {
		e, err := compileNode(n, leaf)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func compileNode(n *grammar.Node, leaf func(string) (Expr, error)) (Expr, error) {
	switch {
	case n.AllOf != nil:
		return compileAllOf(n.AllOf, leaf)
	case n.AnyOf != nil:
		children, err := compileChildren(n.AnyOf.Children, leaf)
		if err != nil {
			return nil, err
		}
		return &AnyOf{Children: children}, nil
	case n.UseConditional != nil:
		cond := n.UseConditional.Condition
		expected := true
		if strings.HasPrefix(cond, "!") {
			expected = false
			cond = cond[1:]
		}
		flag := strings.TrimSuffix(cond, "?")
		children, err := compileChildren(n.UseConditional.Child.Children, leaf)
		if err != nil {
			return nil, err
		}
		return &UseConditional{Flag: flag, Expected: expected, Children: children}, nil
	case n.Leaf != nil:
		return leaf(n.Leaf.Raw)
	default:
		return nil, fmt.Errorf("dependency expression: empty grammar node")
	}
}

func compileAtomLeaf(raw string) (Expr, error) {
	atom, err := ParseAtom(raw)
	if err != nil {
		return nil, err
	}
	return &Leaf{Atom: atom}, nil
}
