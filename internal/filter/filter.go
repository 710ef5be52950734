package filter

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidFilter marks filter or order input that does not compile.
var ErrInvalidFilter = errors.New("invalid filter")

// ColumnType is the value kind a column holds and the wire type of a
// condition.
type ColumnType string

const (
	TypeString          ColumnType = "string"
	TypeStringOptions   ColumnType = "stringOptions"
	TypeCategoryOptions ColumnType = "categoryOptions"
	TypeNumber          ColumnType = "number"
	TypeDatetime        ColumnType = "datetime"
	TypeBoolean         ColumnType = "boolean"
	TypeNull            ColumnType = "null"
)

// Column is one filterable or sortable field. Expr is trusted SQL.
type Column struct {
	ID       string
	Name     string
	Expr     string
	Type     ColumnType
	Nullable bool
	// KeyExpr, when set, lets a condition narrow the column with `key`
	// (for example the score name a value belongs to).
	KeyExpr string
}

// Table is the whitelist of columns a query accepts.
type Table struct {
	columns  []Column
	tieBreak string
}

// NewTable builds a table; tieBreak is the expression appended to every
// ORDER BY so paging is stable.
func NewTable(tieBreak string, columns ...Column) Table {
	return Table{columns: columns, tieBreak: tieBreak}
}

// Lookup resolves a column by id or display name.
func (t Table) Lookup(name string) (Column, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Column{}, false
	}
	for _, column := range t.columns {
		if column.ID == name || strings.EqualFold(column.Name, name) {
			return column, true
		}
	}
	return Column{}, false
}

func (t Table) Columns() []Column {
	out := make([]Column, len(t.columns))
	copy(out, t.columns)
	return out
}

// Condition is one wire filter condition.
type Condition struct {
	Column   string          `json:"column"`
	Type     ColumnType      `json:"type"`
	Operator string          `json:"operator"`
	Value    json.RawMessage `json:"value,omitempty"`
	Key      string          `json:"key,omitempty"`
}

// Compile turns conditions into an And predicate. A nil or empty slice
// compiles to an empty And.
func Compile(table Table, conditions []Condition) (Predicate, error) {
	terms := make(And, 0, len(conditions))
	for i, condition := range conditions {
		term, err := compileCondition(table, condition)
		if err != nil {
			return nil, fmt.Errorf("%w: condition %d: %v", ErrInvalidFilter, i, err)
		}
		terms = append(terms, term)
	}
	return terms, nil
}

func compileCondition(table Table, condition Condition) (Predicate, error) {
	column, ok := table.Lookup(condition.Column)
	if !ok {
		return nil, fmt.Errorf("unknown column %q", condition.Column)
	}
	if !accepts(column, condition.Type) {
		return nil, fmt.Errorf("column %q does not accept %q conditions", column.ID, condition.Type)
	}
	operator := strings.ToLower(strings.TrimSpace(condition.Operator))

	var term Predicate
	var err error
	switch condition.Type {
	case TypeString:
		term, err = compileString(column, operator, condition.Value)
	case TypeStringOptions, TypeCategoryOptions:
		term, err = compileOptions(column, operator, condition.Value)
	case TypeNumber:
		term, err = compileNumber(column, operator, condition.Value)
	case TypeDatetime:
		term, err = compileDatetime(column, operator, condition.Value)
	case TypeBoolean:
		term, err = compileBoolean(column, operator, condition.Value)
	case TypeNull:
		term, err = compileNull(column, operator)
	default:
		return nil, fmt.Errorf("unsupported condition type %q", condition.Type)
	}
	if err != nil {
		return nil, err
	}

	key := strings.TrimSpace(condition.Key)
	if key == "" {
		return term, nil
	}
	if column.KeyExpr == "" {
		return nil, fmt.Errorf("column %q does not take a key", column.ID)
	}
	return And{Compare{Expr: column.KeyExpr, Op: "=", Value: key}, term}, nil
}

func accepts(column Column, conditionType ColumnType) bool {
	switch conditionType {
	case TypeNull:
		return column.Nullable
	case TypeStringOptions, TypeCategoryOptions:
		return column.Type == TypeString
	default:
		return conditionType == column.Type
	}
}

func compileString(column Column, operator string, raw json.RawMessage) (Predicate, error) {
	var value string
	if err := decodeValue(raw, &value); err != nil {
		return nil, err
	}
	switch operator {
	case "=":
		return Compare{Expr: column.Expr, Op: "=", Value: value}, nil
	case "contains":
		return Like{Expr: column.Expr, Pattern: "%" + EscapeLike(value) + "%"}, nil
	case "does not contain":
		return Like{Expr: column.Expr, Pattern: "%" + EscapeLike(value) + "%", Negate: true}, nil
	case "starts with":
		return Like{Expr: column.Expr, Pattern: EscapeLike(value) + "%"}, nil
	case "ends with":
		return Like{Expr: column.Expr, Pattern: "%" + EscapeLike(value)}, nil
	default:
		return nil, fmt.Errorf("unsupported string operator %q", operator)
	}
}

func compileOptions(column Column, operator string, raw json.RawMessage) (Predicate, error) {
	var values []string
	if err := decodeValue(raw, &values); err != nil {
		return nil, err
	}
	args := make([]any, 0, len(values))
	for _, value := range values {
		args = append(args, value)
	}
	switch operator {
	case "any of":
		return In{Expr: column.Expr, Values: args}, nil
	case "none of":
		return In{Expr: column.Expr, Values: args, Negate: true}, nil
	default:
		return nil, fmt.Errorf("unsupported options operator %q", operator)
	}
}

func compileNumber(column Column, operator string, raw json.RawMessage) (Predicate, error) {
	var value float64
	if err := decodeValue(raw, &value); err != nil {
		return nil, err
	}
	switch operator {
	case "=", ">", "<", ">=", "<=":
		return Compare{Expr: column.Expr, Op: operator, Value: value}, nil
	default:
		return nil, fmt.Errorf("unsupported number operator %q", operator)
	}
}

func compileDatetime(column Column, operator string, raw json.RawMessage) (Predicate, error) {
	var text string
	if err := decodeValue(raw, &text); err != nil {
		return nil, err
	}
	value, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(text))
	if err != nil {
		return nil, fmt.Errorf("datetime value must be RFC 3339: %v", err)
	}
	switch operator {
	case ">", "<", ">=", "<=":
		return Compare{Expr: column.Expr, Op: operator, Value: value.UTC()}, nil
	default:
		return nil, fmt.Errorf("unsupported datetime operator %q", operator)
	}
}

func compileBoolean(column Column, operator string, raw json.RawMessage) (Predicate, error) {
	var value bool
	if err := decodeValue(raw, &value); err != nil {
		return nil, err
	}
	switch operator {
	case "=", "<>":
		return Compare{Expr: column.Expr, Op: operator, Value: value}, nil
	default:
		return nil, fmt.Errorf("unsupported boolean operator %q", operator)
	}
}

func compileNull(column Column, operator string) (Predicate, error) {
	switch operator {
	case "is null":
		return IsNull{Expr: column.Expr}, nil
	case "is not null":
		return IsNull{Expr: column.Expr, Negate: true}, nil
	default:
		return nil, fmt.Errorf("unsupported null operator %q", operator)
	}
}

func decodeValue(raw json.RawMessage, dst any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return errors.New("value is required")
	}
	if err := json.Unmarshal(trimmed, dst); err != nil {
		return fmt.Errorf("decode value: %v", err)
	}
	return nil
}
