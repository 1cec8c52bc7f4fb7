// Package grammar defines the tokenization and recursive grammar for
// Portage dependency expressions (DEPEND/RDEPEND/SRC_URI-shaped strings),
// shared by the atom-dependency and URI-dependency compilers.
package grammar

import (
	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

var lex = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "whitespace", Pattern: `\s+`},
	{Name: "Paren", Pattern: `[()]`},
	{Name: "AnyOf", Pattern: `\|\|`},
	{Name: "Condition", Pattern: `!?[A-Za-z0-9][A-Za-z0-9+_@-]*\?`},
	{Name: "Token", Pattern: `\S+`},
})

var parser = participle.MustBuild[AllOf](participle.Lexer(lex))

// Parse parses s into the raw grammar tree; callers compile this into
// either a package-dependency Expr or a URI-dependency Expr.
func Parse(s string) (*AllOf, error) {
	return parser.ParseString("", s)
}

type Node struct {
	AllOf          *AllOf          `parser:"'(' @@ ')'"`
	AnyOf          *AnyOf          `parser:"| '||' '(' @@ ')'"`
	UseConditional *UseConditional `parser:"| @@"`
	Leaf           *Leaf           `parser:"| @@"`
}

type AllOf struct {
	Children []*Node `parser:"@@*"`
}

type AnyOf struct {
	Children []*Node `parser:"@@*"`
}

type UseConditional struct {
	Condition string `parser:"@Condition"`
	Child     *AllOf `parser:"'(' @@ ')'"`
}

type Leaf struct {
	Raw string `parser:"@Token"`
}
