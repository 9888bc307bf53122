package actor

import (
	"fmt"
	"reflect"
)

// Wildcard is a pattern token matching any value. The two tokens differ only
// in whether the matched value is extracted as a binding.
type Wildcard uint8

const (
	// Any matches any value and binds it.
	Any Wildcard = iota

	// Ignore matches any value and binds nothing.
	Ignore
)

// String returns the token name.
func (w Wildcard) String() string {
	switch w {
	case Any:
		return "Any"
	case Ignore:
		return "Ignore"
	default:
		return fmt.Sprintf("Wildcard(%d)", uint8(w))
	}
}

// Tuple is the ordered, heterogeneous sequence the protocol messages are
// shaped as. Used as a pattern, a Tuple matches only a Tuple value of exactly
// the same length, element-wise.
type Tuple []any

// TypeToken is a pattern that matches any value of a particular dynamic
// type, binding the value. Construct one with TypeOf.
type TypeToken struct {
	t reflect.Type
}

// TypeOf returns a pattern token matching values assignable to T. For an
// interface type T, any value implementing it matches.
func TypeOf[T any]() TypeToken {
	return TypeToken{t: reflect.TypeOf((*T)(nil)).Elem()}
}

// String returns a human-readable form of the token.
func (tt TypeToken) String() string {
	return fmt.Sprintf("TypeOf[%s]", tt.t)
}

// Pattern is a compiled pattern. Compilation validates the pattern's shape
// once, up front, so that matching is total: Match never fails, it only
// declines.
type Pattern struct {
	node patternNode
}

// Compile validates and compiles a pattern. The grammar is: the wildcard
// tokens Any and Ignore, a TypeToken, a Tuple of sub-patterns, or a literal
// compared by deep equality. Anything else (notably function and channel
// values, which have no useful equality) is rejected with ErrInvalidPattern.
func Compile(pattern any) (*Pattern, error) {
	node, err := compileNode(pattern)
	if err != nil {
		return nil, err
	}

	return &Pattern{node: node}, nil
}

// MustCompile is Compile for patterns known statically to be valid; it
// panics on an invalid pattern.
func MustCompile(pattern any) *Pattern {
	p, err := Compile(pattern)
	if err != nil {
		panic(err)
	}

	return p
}

// Match matches a value against the pattern. On success it returns the
// ordered bindings extracted by Any tokens, type tokens, and their
// descendants. Match is total: it never panics, regardless of the value.
func (p *Pattern) Match(value any) ([]any, bool) {
	binds := make([]any, 0, 4)
	if !p.node.match(value, &binds) {
		return nil, false
	}

	return binds, true
}

// patternNode is a single node of a compiled pattern tree.
type patternNode interface {
	match(value any, binds *[]any) bool
}

func compileNode(pattern any) (patternNode, error) {
	switch p := pattern.(type) {
	case Wildcard:
		switch p {
		case Any:
			return anyNode{}, nil
		case Ignore:
			return ignoreNode{}, nil
		default:
			return nil, fmt.Errorf("%w: unknown wildcard %d",
				ErrInvalidPattern, uint8(p))
		}

	case TypeToken:
		if p.t == nil {
			return nil, fmt.Errorf("%w: zero TypeToken",
				ErrInvalidPattern)
		}

		return typeNode{t: p.t}, nil

	case Tuple:
		elems := make([]patternNode, len(p))
		for i, sub := range p {
			node, err := compileNode(sub)
			if err != nil {
				return nil, fmt.Errorf("tuple element %d: %w",
					i, err)
			}
			elems[i] = node
		}

		return tupleNode{elems: elems}, nil

	default:
		// Everything else is a literal. Values without meaningful
		// equality are a configuration error, caught here rather than
		// at match time.
		switch reflect.ValueOf(pattern).Kind() {
		case reflect.Func, reflect.Chan:
			return nil, fmt.Errorf("%w: %T literal has no equality",
				ErrInvalidPattern, pattern)
		}

		return literalNode{value: pattern}, nil
	}
}

// anyNode matches anything and binds the value.
type anyNode struct{}

func (anyNode) match(value any, binds *[]any) bool {
	*binds = append(*binds, value)
	return true
}

// ignoreNode matches anything and binds nothing.
type ignoreNode struct{}

func (ignoreNode) match(any, *[]any) bool {
	return true
}

// typeNode matches values whose dynamic type is assignable to t, binding the
// value. Type tokens are checked before literal equality by construction:
// a TypeToken in a pattern always compiles to a typeNode, never a literal.
type typeNode struct {
	t reflect.Type
}

func (n typeNode) match(value any, binds *[]any) bool {
	rt := reflect.TypeOf(value)
	if rt == nil || !rt.AssignableTo(n.t) {
		return false
	}

	*binds = append(*binds, value)

	return true
}

// literalNode matches values deep-equal to the literal, binding nothing.
type literalNode struct {
	value any
}

func (n literalNode) match(value any, _ *[]any) bool {
	return reflect.DeepEqual(value, n.value)
}

// tupleNode matches a Tuple of exactly the same arity, element-wise. The
// empty tuple pattern matches only the empty tuple. Bindings are the
// in-order concatenation of the element bindings.
type tupleNode struct {
	elems []patternNode
}

func (n tupleNode) match(value any, binds *[]any) bool {
	tup, ok := value.(Tuple)
	if !ok || len(tup) != len(n.elems) {
		return false
	}

	// Match elements against a scratch binding list so a partial match
	// leaves the caller's bindings untouched.
	scratch := make([]any, 0, len(n.elems))
	for i, elem := range n.elems {
		if !elem.match(tup[i], &scratch) {
			return false
		}
	}

	*binds = append(*binds, scratch...)

	return true
}
