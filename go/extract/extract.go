// Package extract implements the field-pattern mini-language used to pull
// values out of arbitrary webhook payloads.
//
// A field-pattern expression is a comma-separated list of patterns, where
// each pattern is an identifier optionally followed by brace groups that
// descend into nested objects:
//
//	action
//	pull_request{title,user{login}}
//	locations{search_id,asset_type}
//
// Applying an expression to a decoded JSON value produces a map from dotted
// path (e.g. "pull_request.user.login") to the value(s) found there. Arrays
// fan out: the descent is applied to every element in order and all values
// reached under the same dotted path are collected into one ordered list.
// Paths that match nothing are absent from the result, never an error; JSON
// nulls are treated as nothing found.
package extract

import (
	"errors"
	"unicode"

	"go.skia.org/infra/go/skerr"
)

// ErrBadPattern is the root cause of every parse failure returned by
// ParsePatterns.
var ErrBadPattern = errors.New("invalid field pattern")

// Node is a single identifier in a parsed field pattern. A Node without
// children marks a terminal extraction; a Node with children descends into
// the named member.
type Node struct {
	Name     string
	Children []*Node
}

// Values maps a dotted path to its extracted value, either a single scalar
// (string, float64, bool) or an ordered []interface{} when the path matched
// two or more leaves.
type Values map[string]interface{}

// ParsePatterns parses a field-pattern expression into a forest of Nodes.
// The grammar is:
//
//	patternlist := pattern ("," pattern)*
//	pattern     := IDENT ( "{" patternlist "}" )*
//
// Identifiers may contain any runes other than braces, commas and
// whitespace. Successive brace groups on the same identifier are a
// conjunction of descents; their children are concatenated under that
// identifier. All syntax errors wrap ErrBadPattern.
func ParsePatterns(expr string) ([]*Node, error) {
	p := &parser{input: []rune(expr)}
	nodes, err := p.patternList()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return nil, skerr.Wrapf(ErrBadPattern, "unexpected %q at offset %d in %q", p.input[p.pos], p.pos, expr)
	}
	return nodes, nil
}

// Extract parses expr and applies it to a decoded JSON value, typically the
// result of json.Unmarshal into an interface{}. The only possible error is a
// parse failure; a payload in which nothing matches yields an empty map.
func Extract(payload interface{}, expr string) (Values, error) {
	nodes, err := ParsePatterns(expr)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return ExtractParsed(payload, nodes), nil
}

// ExtractParsed applies an already-parsed pattern forest to a decoded JSON
// value. Accumulations of exactly one value collapse to the scalar itself.
func ExtractParsed(payload interface{}, nodes []*Node) Values {
	acc := map[string][]interface{}{}
	for _, n := range nodes {
		walk(payload, n, "", acc)
	}
	ret := Values{}
	for path, vals := range acc {
		if len(vals) == 1 {
			ret[path] = vals[0]
		} else {
			ret[path] = vals
		}
	}
	return ret
}

// walk descends one pattern node into value. prefix is the dotted path of
// the nodes already traversed, "" at the root.
func walk(value interface{}, node *Node, prefix string, acc map[string][]interface{}) {
	path := node.Name
	if prefix != "" {
		path = prefix + "." + node.Name
	}
	switch v := value.(type) {
	case map[string]interface{}:
		child, ok := v[node.Name]
		if !ok {
			return
		}
		if len(node.Children) == 0 {
			record(child, path, acc)
			return
		}
		for _, c := range node.Children {
			walk(child, c, path, acc)
		}
	case []interface{}:
		// Fan out. Indices never appear in the dotted path, so every
		// element contributes under the same keys, in array order.
		for _, elem := range v {
			walk(elem, node, prefix, acc)
		}
	default:
		// Scalar where an object or array was expected.
	}
}

// record accumulates the leaf values found under path. Arrays fan out
// transitively; objects under a terminal pattern and JSON nulls contribute
// nothing.
func record(value interface{}, path string, acc map[string][]interface{}) {
	switch v := value.(type) {
	case []interface{}:
		for _, elem := range v {
			record(elem, path, acc)
		}
	case map[string]interface{}:
	case nil:
	default:
		acc[path] = append(acc[path], v)
	}
}

type parser struct {
	input []rune
	pos   int
}

func (p *parser) patternList() ([]*Node, error) {
	var nodes []*Node
	for {
		n, err := p.pattern()
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
		p.skipSpace()
		if p.peek() != ',' {
			return nodes, nil
		}
		p.pos++
	}
}

func (p *parser) pattern() (*Node, error) {
	p.skipSpace()
	name := p.ident()
	if name == "" {
		return nil, skerr.Wrapf(ErrBadPattern, "missing identifier at offset %d", p.pos)
	}
	n := &Node{Name: name}
	p.skipSpace()
	for p.peek() == '{' {
		p.pos++
		children, err := p.patternList()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.peek() != '}' {
			return nil, skerr.Wrapf(ErrBadPattern, "missing closing brace for %q at offset %d", name, p.pos)
		}
		p.pos++
		n.Children = append(n.Children, children...)
		p.skipSpace()
	}
	return n, nil
}

// ident consumes the longest run of identifier runes at the current
// position, possibly empty.
func (p *parser) ident() string {
	start := p.pos
	for p.pos < len(p.input) {
		r := p.input[p.pos]
		if r == '{' || r == '}' || r == ',' || unicode.IsSpace(r) {
			break
		}
		p.pos++
	}
	return string(p.input[start:p.pos])
}

func (p *parser) peek() rune {
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *parser) skipSpace() {
	for p.pos < len(p.input) && unicode.IsSpace(p.input[p.pos]) {
		p.pos++
	}
}
