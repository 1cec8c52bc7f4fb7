package depexpr

import "alchemist.dev/alloy/internal/useflags"

// ElideUseConditions replaces every UseConditional node with its children
// (when the condition holds against use) or an empty AllOf (when it does
// not), per spec invariant: after this pass no UseConditional remains.
func ElideUseConditions(e Expr, use useflags.UseMap) Expr {
	switch n := e.(type) {
	case *Leaf, *Constant:
		return n
	case *AllOf:
		return &AllOf{Children: elideChildren(n.Children, use)}
	case *AnyOf:
		return &AnyOf{Children: elideChildren(n.Children, use)}
	case *UseConditional:
		if use[n.Flag] == n.Expected {
			return &AllOf{Children: elideChildren(n.Children, use)}
		}
		return &AllOf{}
	default:
		return n
	}
}

func elideChildren(children []Expr, use useflags.UseMap) []Expr {
	out := make([]Expr, len(children))
	for i, c := range children {
		out[i] = ElideUseConditions(c, use)
	}
	return out
}

// RewriteLeaves maps a replacement function over every Leaf node, used by
// the dependency analyzer to turn leaves into Constants based on resolver
// outcomes (spec 4.F step 4).
func RewriteLeaves(e Expr, f func(*Leaf) Expr) Expr {
	switch n := e.(type) {
	case *Leaf:
		return f(n)
	case *Constant:
		return n
	case *AllOf:
		return &AllOf{Children: rewriteChildren(n.Children, f)}
	case *AnyOf:
		return &AnyOf{Children: rewriteChildren(n.Children, f)}
	case *UseConditional:
		return &UseConditional{Flag: n.Flag, Expected: n.Expected, Children: rewriteChildren(n.Children, f)}
	default:
		return n
	}
}

func rewriteChildren(children []Expr, f func(*Leaf) Expr) []Expr {
	out := make([]Expr, len(children))
	for i, c := range children {
		out[i] = RewriteLeaves(c, f)
	}
	return out
}

// Simplify implements spec 4.F step 5: Constants propagate through AllOf
// (any false child makes the whole AllOf false; true children are
// dropped), AnyOf short-circuits on a true child (and drops false
// children), empty AllOf becomes Constant(true), empty AnyOf becomes
// Constant(false), and a single-child AllOf/AnyOf collapses to that child.
func Simplify(e Expr) Expr {
	switch n := e.(type) {
	case *Leaf, *Constant:
		return n
	case *UseConditional:
		// UseConditional should already be elided by the time Simplify
		// runs; if not, simplify its body in place.
		return &UseConditional{Flag: n.Flag, Expected: n.Expected, Children: simplifyChildren(n.Children)}
	case *AllOf:
		return simplifyAllOf(simplifyChildren(n.Children))
	case *AnyOf:
		return simplifyAnyOf(simplifyChildren(n.Children))
	default:
		return n
	}
}

func simplifyChildren(children []Expr) []Expr {
	out := make([]Expr, len(children))
	for i, c := range children {
		out[i] = Simplify(c)
	}
	return out
}

func simplifyAllOf(children []Expr) Expr {
	var kept []Expr
	for _, c := range children {
		if cst, ok := c.(*Constant); ok {
			if !cst.Truth {
				return cst
			}
			continue // drop Constant(true) children
		}
		kept = append(kept, c)
	}
	switch len(kept) {
	case 0:
		return &Constant{Truth: true, Reason: "empty all-of"}
	case 1:
		return kept[0]
	default:
		return &AllOf{Children: kept}
	}
}

func simplifyAnyOf(children []Expr) Expr {
	var kept []Expr
	for _, c := range children {
		if cst, ok := c.(*Constant); ok {
			if cst.Truth {
				return cst
			}
			continue // drop Constant(false) children
		}
		kept = append(kept, c)
	}
	switch len(kept) {
	case 0:
		return &Constant{Truth: false, Reason: "empty any-of"}
	case 1:
		return kept[0]
	default:
		return &AnyOf{Children: kept}
	}
}

// ResolveAnyOf implements spec 4.F step 6: each surviving AnyOf is replaced
// by its first child, matching upstream Portage's any-of selection
// behavior (see spec section 9, "any-of -> first child").
func ResolveAnyOf(e Expr) Expr {
	switch n := e.(type) {
	case *Leaf, *Constant:
		return n
	case *AllOf:
		children := make([]Expr, len(n.Children))
		for i, c := range n.Children {
			children[i] = ResolveAnyOf(c)
		}
		return &AllOf{Children: children}
	case *AnyOf:
		if len(n.Children) == 0 {
			return &Constant{Truth: false, Reason: "empty any-of"}
		}
		return ResolveAnyOf(n.Children[0])
	case *UseConditional:
		children := make([]Expr, len(n.Children))
		for i, c := range n.Children {
			children[i] = ResolveAnyOf(c)
		}
		return &UseConditional{Flag: n.Flag, Expected: n.Expected, Children: children}
	default:
		return n
	}
}

// FlattenLeaves asserts the post-simplification invariant from spec 4.F
// step 7 (the result must be a single Constant or a flat AllOf of leaves)
// and returns the leaves, or nil and false if the invariant is violated.
func FlattenLeaves(e Expr) ([]*Leaf, bool) {
	switch n := e.(type) {
	case *Constant:
		return nil, true
	case *Leaf:
		return []*Leaf{n}, true
	case *AllOf:
		var out []*Leaf
		for _, c := range n.Children {
			leaf, ok := c.(*Leaf)
			if !ok {
				return nil, false
			}
			out = append(out, leaf)
		}
		return out, true
	default:
		return nil, false
	}
}
