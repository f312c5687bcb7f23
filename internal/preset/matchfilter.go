// Match-filter grammar for spec.md §4.5: a small boolean expression
// language over an info mapping, mirroring the downloader tool's own
// --match-filter syntax. Grounded on the participle-based expression-DSL
// pattern referenced in the example pack's manifests (cuemby/warren,
// GoogleCloudPlatform/prometheus-engine) for small boolean/selector
// grammars, adapted here to this domain's operators.
package preset

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

var filterLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Whitespace", Pattern: `\s+`},
	{Name: "Op", Pattern: `(!=|>=|<=|~=|[=><&|!()?])`},
	{Name: "String", Pattern: `'[^']*'`},
	{Name: "Number", Pattern: `-?\d+(\.\d+)?`},
	{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_]*`},
})

// expr grammar (lowest to highest precedence): Or -> And -> Unary -> Atom
type orExpr struct {
	Left  *andExpr `parser:"@@"`
	Right []*andExpr `parser:"('|' @@)*"`
}

type andExpr struct {
	Left  *unaryExpr `parser:"@@"`
	Right []*unaryExpr `parser:"('&' @@)*"`
}

type unaryExpr struct {
	Not  bool      `parser:"@'!'?"`
	Atom *atomExpr `parser:"@@"`
}

type atomExpr struct {
	Paren      *orExpr     `parser:"( '(' @@ ')'"`
	Comparison *comparison `parser:"| @@"`
	Presence   *presence   `parser:"| @@"`
	Bare       *string     `parser:"| @Ident )"`
}

type presence struct {
	Key string `parser:"@Ident '?'"`
}

type comparison struct {
	Key   string  `parser:"@Ident"`
	Op    string  `parser:"@Op"`
	Value *value  `parser:"@@"`
}

type value struct {
	String *string  `parser:"  @String"`
	Number *float64 `parser:"| @Number"`
	Ident  *string  `parser:"| @Ident"`
}

var filterParser = participle.MustBuild[orExpr](
	participle.Lexer(filterLexer),
	participle.UseLookahead(2),
	participle.Elide("Whitespace"),
)

// Filter is a parsed, reusable match-filter expression.
type Filter struct {
	tree *orExpr
	src  string
}

// ParseFilter parses a match-filter expression string.
func ParseFilter(expr string) (*Filter, error) {
	if strings.TrimSpace(expr) == "" {
		return &Filter{src: expr}, nil
	}
	tree, err := filterParser.ParseString("", expr)
	if err != nil {
		return nil, fmt.Errorf("preset: parse filter %q: %w", expr, err)
	}
	return &Filter{tree: tree, src: expr}, nil
}

// Match evaluates the filter against an info mapping. An empty filter
// always matches (useful for "no filter configured").
func (f *Filter) Match(info map[string]any) bool {
	if f == nil || f.tree == nil {
		return true
	}
	return evalOr(f.tree, info)
}

func (f *Filter) String() string { return f.src }

func evalOr(e *orExpr, info map[string]any) bool {
	result := evalAnd(e.Left, info)
	for _, r := range e.Right {
		result = result || evalAnd(r, info)
	}
	return result
}

func evalAnd(e *andExpr, info map[string]any) bool {
	result := evalUnary(e.Left, info)
	for _, r := range e.Right {
		result = result && evalUnary(r, info)
	}
	return result
}

func evalUnary(e *unaryExpr, info map[string]any) bool {
	v := evalAtom(e.Atom, info)
	if e.Not {
		return !v
	}
	return v
}

func evalAtom(e *atomExpr, info map[string]any) bool {
	switch {
	case e.Paren != nil:
		return evalOr(e.Paren, info)
	case e.Presence != nil:
		_, ok := info[e.Presence.Key]
		return ok
	case e.Comparison != nil:
		return evalComparison(e.Comparison, info)
	case e.Bare != nil:
		return truthy(info, *e.Bare)
	default:
		return false
	}
}

// truthy implements the "!key for absent/falsy" half of key presence: a
// bare key used as a condition is true when present and not a false/zero/
// empty value.
func truthy(info map[string]any, key string) bool {
	v, ok := info[key]
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case nil:
		return false
	default:
		return true
	}
}

func evalComparison(c *comparison, info map[string]any) bool {
	actual, present := info[c.Key]

	if !present {
		// Unknown keys evaluate to "absent"; comparisons against absent keys
		// are always false, per spec.md §4.5.
		return false
	}

	switch c.Op {
	case "~=":
		pattern := literalString(c.Value)
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(fmt.Sprintf("%v", actual))
	case "=", "!=", ">", "<", ">=", "<=":
		return compareValues(actual, c.Value, c.Op)
	default:
		return false
	}
}

func literalString(v *value) string {
	switch {
	case v.String != nil:
		return strings.Trim(*v.String, "'")
	case v.Number != nil:
		return strconv.FormatFloat(*v.Number, 'f', -1, 64)
	case v.Ident != nil:
		return *v.Ident
	default:
		return ""
	}
}

func compareValues(actual any, v *value, op string) bool {
	if v.Number != nil {
		af, ok := toFloat(actual)
		if !ok {
			return op == "!="
		}
		return applyNumericOp(af, *v.Number, op)
	}

	as := fmt.Sprintf("%v", actual)
	vs := literalString(v)
	switch op {
	case "=":
		return as == vs
	case "!=":
		return as != vs
	case ">":
		return as > vs
	case "<":
		return as < vs
	case ">=":
		return as >= vs
	case "<=":
		return as <= vs
	default:
		return false
	}
}

func applyNumericOp(a, b float64, op string) bool {
	switch op {
	case "=":
		return a == b
	case "!=":
		return a != b
	case ">":
		return a > b
	case "<":
		return a < b
	case ">=":
		return a >= b
	case "<=":
		return a <= b
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
