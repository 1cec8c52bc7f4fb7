package depexpr

import (
	"fmt"
	"strings"
)

// Expr is a node of a PackageDependency tree: a leaf atom, or one of the
// AllOf/AnyOf/UseConditional/Constant composites. After Simplify runs,
// Constant nodes may only appear at the root (see Simplify's doc comment).
type Expr interface {
	isExpr()
	String() string
}

// Leaf wraps a single package atom.
type Leaf struct {
	Atom *Atom
}

func (*Leaf) isExpr() {}
func (l *Leaf) String() string { return l.Atom.String() }

// AllOf requires every child to hold.
type AllOf struct {
	Children []Expr
}

func (*AllOf) isExpr() {}
func (n *AllOf) String() string { return wrap("", n.Children) }

// AnyOf requires at least one child to hold.
type AnyOf struct {
	Children []Expr
}

func (*AnyOf) isExpr() {}
func (n *AnyOf) String() string { return wrap("||", n.Children) }

// UseConditional guards Children on the package's own USE flag Flag being
// set to Expected.
type UseConditional struct {
	Flag     string
	Expected bool
	Children []Expr
}

func (*UseConditional) isExpr() {}
func (n *UseConditional) String() string {
	cond := n.Flag
	if !n.Expected {
		cond = "!" + cond
	}
	return cond + "? " + wrap("", n.Children)
}

// Constant stands for a branch whose truth value is already known. Leaf
// rewrites (RewriteLeaves callbacks) produce it, e.g. for an atom satisfied
// by a provided package or for a blocker, and Simplify and ResolveAnyOf
// produce it when folding branches.
type Constant struct {
	Truth  bool
	Reason string
}

func (*Constant) isExpr() {}
func (n *Constant) String() string {
	if n.Truth {
		return fmt.Sprintf("<true: %s>", n.Reason)
	}
	return fmt.Sprintf("<false: %s>", n.Reason)
}

func wrap(prefix string, children []Expr) string {
	parts := make([]string, len(children))
	for i, c := range children {
		parts[i] = c.String()
	}
	body := "( " + strings.Join(parts, " ") + " )"
	if prefix == "" {
		return body
	}
	return prefix + " " + body
}

// Leaves returns every Leaf node reachable from e, in depth-first order.
func Leaves(e Expr) []*Leaf {
	var out []*Leaf
	var walk func(Expr)
	walk = func(e Expr) {
		switch n := e.(type) {
		case *Leaf:
			out = append(out, n)
		case *AllOf:
			for _, c := range n.Children {
				walk(c)
			}
		case *AnyOf:
			for _, c := range n.Children {
				walk(c)
			}
		case *UseConditional:
			for _, c := range n.Children {
				walk(c)
			}
		}
	}
	walk(e)
	return out
}
