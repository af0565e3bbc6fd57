// Package query parses the filter strings accepted by list operations into
// SQL WHERE clauses.
//
// The language is a flat chain of comparisons joined by AND/OR, evaluated
// left to right:
//
//	label LIKE 'si_%' AND pk > 10
//	state == 'excepted' OR state == 'finished'
//	label NOT IN ('a', 'b')
//
// Supported operators are ==, !=, <, <=, >, >=, LIKE, IN, NOT LIKE and
// NOT IN. Values are single-quoted strings (with '' escaping a quote),
// numbers, TRUE, FALSE and NULL. Keywords are case-insensitive. Column
// names are checked against a caller-supplied whitelist, so untrusted
// filter strings can never reference arbitrary columns.
package query

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// Columns maps the column names accepted in filter strings to the SQL
// expressions they select. Only mapped names may appear in a filter.
type Columns map[string]string

// FilterError reports a filter string that could not be parsed or compiled.
type FilterError struct {
	Input  string
	Reason string
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("invalid filter %q: %s", e.Input, e.Reason)
}

// Filter is a compiled filter, ready to be passed to a list operation.
type Filter struct {
	sql  string
	args []any
}

// Clause returns the SQL condition and its bind arguments.
func (f *Filter) Clause() (string, []any) {
	return f.sql, f.args
}

// ─────────────────────────────────────────────────────────────────────────────
// Grammar
// ─────────────────────────────────────────────────────────────────────────────

type expression struct {
	First *condition `parser:"@@"`
	Rest  []*joined  `parser:"@@*"`
}

type joined struct {
	Op   string     `parser:"@('AND' | 'OR')"`
	Cond *condition `parser:"@@"`
}

type condition struct {
	Column string   `parser:"@Ident"`
	Not    bool     `parser:"@'NOT'?"`
	Op     string   `parser:"@('==' | '!=' | '<=' | '>=' | '<' | '>' | 'LIKE' | 'IN')"`
	List   []*value `parser:"( '(' @@ ( ',' @@ )* ')'"`
	Value  *value   `parser:"| @@ )"`
}

type value struct {
	Str    *string `parser:"  @String"`
	Number *string `parser:"| @Number"`
	True   bool    `parser:"| @'TRUE'"`
	False  bool    `parser:"| @'FALSE'"`
	Null   bool    `parser:"| @'NULL'"`
}

var filterLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Keyword", Pattern: `(?i)\b(AND|OR|NOT|LIKE|IN|TRUE|FALSE|NULL)\b`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "String", Pattern: `'(?:[^']|'')*'`},
	{Name: "Number", Pattern: `[-+]?\d+(?:\.\d+)?`},
	{Name: "Operator", Pattern: `==|!=|<=|>=|<|>`},
	{Name: "Punct", Pattern: `[(),]`},
	{Name: "whitespace", Pattern: `\s+`},
})

var filterParser = participle.MustBuild[expression](
	participle.Lexer(filterLexer),
	participle.CaseInsensitive("Keyword"),
)

// ─────────────────────────────────────────────────────────────────────────────
// Compilation
// ─────────────────────────────────────────────────────────────────────────────

// Parse compiles input against the allowed columns. An empty input returns a
// nil Filter, meaning "no filter".
func Parse(input string, cols Columns) (*Filter, error) {
	if strings.TrimSpace(input) == "" {
		return nil, nil
	}
	expr, err := filterParser.ParseString("", input)
	if err != nil {
		return nil, &FilterError{Input: input, Reason: err.Error()}
	}

	sql, args, err := compileCondition(expr.First, cols)
	if err != nil {
		return nil, &FilterError{Input: input, Reason: err.Error()}
	}
	for _, j := range expr.Rest {
		right, rightArgs, err := compileCondition(j.Cond, cols)
		if err != nil {
			return nil, &FilterError{Input: input, Reason: err.Error()}
		}
		// Chains are grouped left to right, so "a OR b AND c" reads as
		// "(a OR b) AND c" rather than following SQL precedence.
		sql = fmt.Sprintf("(%s %s %s)", sql, strings.ToUpper(j.Op), right)
		args = append(args, rightArgs...)
	}
	return &Filter{sql: sql, args: args}, nil
}

func compileCondition(c *condition, cols Columns) (string, []any, error) {
	col, ok := cols[c.Column]
	if !ok {
		return "", nil, fmt.Errorf("unknown column %q (allowed: %s)",
			c.Column, strings.Join(allowedNames(cols), ", "))
	}
	op := strings.ToUpper(c.Op)
	if c.Not && op != "LIKE" && op != "IN" {
		return "", nil, fmt.Errorf("NOT may only prefix LIKE or IN, not %q", c.Op)
	}

	if op == "IN" {
		if len(c.List) == 0 {
			return "", nil, fmt.Errorf("IN requires a parenthesized value list")
		}
		placeholders := make([]string, 0, len(c.List))
		args := make([]any, 0, len(c.List))
		for _, v := range c.List {
			arg, err := v.arg()
			if err != nil {
				return "", nil, err
			}
			if arg == nil {
				return "", nil, fmt.Errorf("NULL is not allowed in an IN list")
			}
			placeholders = append(placeholders, "?")
			args = append(args, arg)
		}
		keyword := "IN"
		if c.Not {
			keyword = "NOT IN"
		}
		return fmt.Sprintf("%s %s (%s)", col, keyword, strings.Join(placeholders, ", ")), args, nil
	}

	if c.Value == nil {
		return "", nil, fmt.Errorf("value lists are only allowed with IN")
	}
	arg, err := c.Value.arg()
	if err != nil {
		return "", nil, err
	}

	if c.Value.Null {
		switch op {
		case "==":
			return col + " IS NULL", nil, nil
		case "!=":
			return col + " IS NOT NULL", nil, nil
		default:
			return "", nil, fmt.Errorf("NULL may only be compared with == or !=")
		}
	}

	switch op {
	case "==":
		return col + " = ?", []any{arg}, nil
	case "!=":
		return col + " <> ?", []any{arg}, nil
	case "<", "<=", ">", ">=":
		return col + " " + op + " ?", []any{arg}, nil
	case "LIKE":
		if _, isString := arg.(string); !isString {
			return "", nil, fmt.Errorf("LIKE requires a string pattern")
		}
		keyword := "LIKE"
		if c.Not {
			keyword = "NOT LIKE"
		}
		return col + " " + keyword + " ?", []any{arg}, nil
	default:
		return "", nil, fmt.Errorf("unsupported operator %q", c.Op)
	}
}

// arg converts a parsed value to its bind argument. NULL converts to nil.
func (v *value) arg() (any, error) {
	switch {
	case v.Str != nil:
		return unquote(*v.Str), nil
	case v.Number != nil:
		if i, err := strconv.ParseInt(*v.Number, 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(*v.Number, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", *v.Number)
		}
		return f, nil
	case v.True:
		return true, nil
	case v.False:
		return false, nil
	case v.Null:
		return nil, nil
	default:
		return nil, fmt.Errorf("missing value")
	}
}

// unquote strips the surrounding single quotes and collapses '' escapes.
func unquote(s string) string {
	s = s[1 : len(s)-1]
	return strings.ReplaceAll(s, "''", "'")
}

func allowedNames(cols Columns) []string {
	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
