package filter

import (
	"strings"
	"time"

	"github.com/ongoingai/console/internal/sqlutil"
)

// Predicate is a node of a WHERE expression. Column expressions come from a
// Table and are trusted; every value is bound as an argument.
type Predicate interface {
	render(b *Builder) string
}

// Compare renders `expr op value`.
type Compare struct {
	Expr  string
	Op    string
	Value any
}

// In renders `expr IN (...)`, or NOT IN when Negate is set.
type In struct {
	Expr   string
	Values []any
	Negate bool
}

// Like renders a case-insensitive pattern match. Pattern is already escaped
// with EscapeLike.
type Like struct {
	Expr    string
	Pattern string
	Negate  bool
}

// IsNull renders `expr IS NULL`, or IS NOT NULL when Negate is set.
type IsNull struct {
	Expr   string
	Negate bool
}

// And joins its terms; an empty And is true.
type And []Predicate

// Or joins its terms; an empty Or is false.
type Or []Predicate

var comparisonOperators = map[string]struct{}{
	"=":  {},
	"<>": {},
	">":  {},
	"<":  {},
	">=": {},
	"<=": {},
}

func (c Compare) render(b *Builder) string {
	op := c.Op
	if _, ok := comparisonOperators[op]; !ok {
		// Unreachable through Compile; keep the query valid and empty.
		return "1=0"
	}
	return c.Expr + " " + op + " " + b.Arg(c.Value)
}

func (n In) render(b *Builder) string {
	if len(n.Values) == 0 {
		if n.Negate {
			return "1=1"
		}
		return "1=0"
	}
	placeholders := make([]string, 0, len(n.Values))
	for _, value := range n.Values {
		placeholders = append(placeholders, b.Arg(value))
	}
	op := " IN ("
	if n.Negate {
		op = " NOT IN ("
	}
	return n.Expr + op + strings.Join(placeholders, ", ") + ")"
}

func (l Like) render(b *Builder) string {
	op := " LIKE "
	if b.dialect == sqlutil.Postgres {
		op = " ILIKE "
	}
	if l.Negate {
		op = " NOT" + op
	}
	return l.Expr + op + b.Arg(l.Pattern) + ` ESCAPE '\'`
}

func (n IsNull) render(_ *Builder) string {
	if n.Negate {
		return n.Expr + " IS NOT NULL"
	}
	return n.Expr + " IS NULL"
}

func (a And) render(b *Builder) string {
	parts := make([]string, 0, len(a))
	for _, term := range a {
		if term == nil {
			continue
		}
		if nested, ok := term.(And); ok && len(nested) == 0 {
			continue
		}
		parts = append(parts, term.render(b))
	}
	switch len(parts) {
	case 0:
		return "1=1"
	case 1:
		return parts[0]
	default:
		return "(" + strings.Join(parts, " AND ") + ")"
	}
}

func (o Or) render(b *Builder) string {
	parts := make([]string, 0, len(o))
	for _, term := range o {
		if term == nil {
			continue
		}
		parts = append(parts, term.render(b))
	}
	switch len(parts) {
	case 0:
		return "1=0"
	case 1:
		return parts[0]
	default:
		return "(" + strings.Join(parts, " OR ") + ")"
	}
}

// Builder accumulates bound arguments for one statement. Build a fresh
// Builder per statement; placeholders are numbered from 1.
type Builder struct {
	dialect sqlutil.Dialect
	args    []any
}

func NewBuilder(dialect sqlutil.Dialect) *Builder {
	return &Builder{
		dialect: dialect,
		args:    make([]any, 0, 8),
	}
}

// Arg binds value and returns its placeholder.
func (b *Builder) Arg(value any) string {
	if t, ok := value.(time.Time); ok {
		value = b.dialect.TimeArg(t)
	}
	b.args = append(b.args, value)
	return b.dialect.Placeholder(len(b.args))
}

// Where renders p for use after WHERE.
func (b *Builder) Where(p Predicate) string {
	if p == nil {
		return "1=1"
	}
	return p.render(b)
}

func (b *Builder) Args() []any {
	return b.args
}

func (b *Builder) Dialect() sqlutil.Dialect {
	return b.dialect
}

// EscapeLike escapes LIKE wildcards so value matches literally.
func EscapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}
