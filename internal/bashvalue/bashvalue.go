// Package bashvalue decodes the output of `set -o posix; set` into typed
// scalar, indexed-array, and associative-array values.
//
// The heavy lifting of tokenizing bash's quoting rules (unquoted escapes,
// single quotes, double quotes, and $'...' C-style escapes) is delegated to
// mvdan.cc/sh/v3, the same shell-syntax library the wider dependency and
// makevars machinery in this module uses for expansion.
package bashvalue

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/syntax"
)

// Kind distinguishes the three shapes a decoded bash value can take.
type Kind int

const (
	Scalar Kind = iota
	IndexedArray
	AssocArray
)

// Value is a decoded right-hand side of one `set` assignment.
type Value struct {
	kind    Kind
	scalar  string
	indexed []string
	assoc   map[string]string
}

func (v *Value) Kind() Kind { return v.kind }

// NewScalar builds a scalar Value directly, for callers constructing
// synthetic variable maps (tests, and callers that already have a decoded
// value from some other source).
func NewScalar(s string) *Value { return &Value{kind: Scalar, scalar: s} }

// NewIndexedArray builds an indexed-array Value directly.
func NewIndexedArray(elems []string) *Value { return &Value{kind: IndexedArray, indexed: elems} }

// NewAssocArray builds an associative-array Value directly.
func NewAssocArray(m map[string]string) *Value { return &Value{kind: AssocArray, assoc: m} }

// Scalar returns the decoded string and true if v holds a scalar value.
func (v *Value) Scalar() (string, bool) {
	if v.kind != Scalar {
		return "", false
	}
	return v.scalar, true
}

// IndexedArray returns the decoded element slice and true if v holds an
// indexed array. Sparse holes in the source ("([2]=x)") are filled with the
// empty string so the result is always dense from index 0.
func (v *Value) IndexedArray() ([]string, bool) {
	if v.kind != IndexedArray {
		return nil, false
	}
	return v.indexed, true
}

// AssocArray returns the decoded key/value map and true if v holds an
// associative array.
func (v *Value) AssocArray() (map[string]string, bool) {
	if v.kind != AssocArray {
		return nil, false
	}
	return v.assoc, true
}

// ParseError reports a syntactic failure decoding one variable's value,
// naming the offending variable.
type ParseError struct {
	Variable string
	Reason   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("bashvalue: variable %q: %s", e.Variable, e.Reason)
}

// maxIndexedArrayKey is the exclusive upper bound on integer keys that are
// still considered an indexed (rather than associative) array, matching the
// cutoff the set-output grammar uses to avoid quadratic blowups on sparse
// associative arrays that happen to use numeric keys.
const maxIndexedArrayKey = 1000

// Parse decodes the full output of `set -o posix; set` into a name->Value
// map. Statements that are not plain variable assignments (function
// definitions, command invocations) are rejected.
func Parse(r io.Reader) (map[string]*Value, error) {
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(r, "")
	if err != nil {
		return nil, &ParseError{Reason: err.Error()}
	}

	env := environ{}
	values := make(map[string]*Value)

	for _, stmt := range file.Stmts {
		call, ok := stmt.Cmd.(*syntax.CallExpr)
		if !ok {
			return nil, &ParseError{Reason: fmt.Sprintf("%s: unsupported statement", stmt.Pos())}
		}
		if len(call.Args) > 0 {
			return nil, &ParseError{Reason: fmt.Sprintf("%s: unsupported command invocation", call.Pos())}
		}

		for _, assign := range call.Assigns {
			name := assign.Name.Value
			val, err := decodeAssign(name, assign, env)
			if err != nil {
				return nil, err
			}
			values[name] = val
			if scalar, ok := val.Scalar(); ok {
				env[name] = scalar
			}
		}
	}

	return values, nil
}

func decodeAssign(name string, assign *syntax.Assign, env environ) (*Value, error) {
	if assign.Append || assign.Naked {
		return nil, &ParseError{Variable: name, Reason: "unsupported assignment form"}
	}

	cfg := &expand.Config{Env: env}

	if assign.Array == nil {
		if assign.Value == nil {
			return &Value{kind: Scalar, scalar: ""}, nil
		}
		s, err := expand.Literal(cfg, assign.Value)
		if err != nil {
			return nil, &ParseError{Variable: name, Reason: err.Error()}
		}
		return &Value{kind: Scalar, scalar: s}, nil
	}

	return decodeArray(name, assign.Array, cfg)
}

func decodeArray(name string, arr *syntax.ArrayExpr, cfg *expand.Config) (*Value, error) {
	type entry struct {
		key   string
		value string
	}
	var entries []entry
	nextImplicit := 0

	for _, elem := range arr.Elems {
		val, err := expand.Literal(cfg, elem.Value)
		if err != nil {
			return nil, &ParseError{Variable: name, Reason: err.Error()}
		}

		key := ""
		if elem.Index != nil {
			lit, ok := elem.Index.(*syntax.Word)
			if !ok {
				return nil, &ParseError{Variable: name, Reason: "unsupported array index expression"}
			}
			k, err := expand.Literal(cfg, lit)
			if err != nil {
				return nil, &ParseError{Variable: name, Reason: err.Error()}
			}
			key = k
		} else {
			key = strconv.Itoa(nextImplicit)
		}
		if n, err := strconv.Atoi(key); err == nil {
			if n >= nextImplicit {
				nextImplicit = n + 1
			}
		}

		entries = append(entries, entry{key: key, value: val})
	}

	// Determine whether every key is a non-negative integer below the
	// indexed/associative cutoff.
	indexed := true
	maxIdx := -1
	for _, e := range entries {
		n, err := strconv.Atoi(e.key)
		if err != nil || n < 0 || n >= maxIndexedArrayKey {
			indexed = false
			break
		}
		if n > maxIdx {
			maxIdx = n
		}
	}

	if indexed {
		out := make([]string, maxIdx+1)
		for _, e := range entries {
			n, _ := strconv.Atoi(e.key)
			out[n] = e.value
		}
		return &Value{kind: IndexedArray, indexed: out}, nil
	}

	assoc := make(map[string]string, len(entries))
	for _, e := range entries {
		assoc[e.key] = e.value
	}
	return &Value{kind: AssocArray, assoc: assoc}, nil
}

// environ is a minimal string-only expand.Environ backed by a map, used
// while decoding a value that references an earlier scalar assignment.
type environ map[string]string

func (e environ) Get(name string) expand.Variable {
	v, ok := e[name]
	if !ok {
		return expand.Variable{}
	}
	return expand.Variable{Local: true, Kind: expand.String, Str: v}
}

func (e environ) Each(f func(name string, v expand.Variable) bool) {
	names := make([]string, 0, len(e))
	for name := range e {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !f(name, e.Get(name)) {
			return
		}
	}
}
