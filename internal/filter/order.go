package filter

import (
	"fmt"
	"strings"
)

// OrderBy is the wire ordering request.
type OrderBy struct {
	Column string `json:"column"`
	Order  string `json:"order"`
}

// OrderClause renders ORDER BY for ob, or fallback when ob is nil. The
// table tie-break follows the sort column in the same direction, so ASC and
// DESC pages are exact reverses.
func (t Table) OrderClause(ob *OrderBy, fallback string) (string, error) {
	if ob == nil || strings.TrimSpace(ob.Column) == "" {
		return "ORDER BY " + fallback, nil
	}
	column, ok := t.Lookup(ob.Column)
	if !ok {
		return "", fmt.Errorf("%w: unknown order column %q", ErrInvalidFilter, ob.Column)
	}
	direction := strings.ToUpper(strings.TrimSpace(ob.Order))
	if direction != "ASC" && direction != "DESC" {
		return "", fmt.Errorf("%w: order must be ASC or DESC, got %q", ErrInvalidFilter, ob.Order)
	}
	if t.tieBreak == "" || t.tieBreak == column.Expr {
		return "ORDER BY " + column.Expr + " " + direction, nil
	}
	return "ORDER BY " + column.Expr + " " + direction + ", " + t.tieBreak + " " + direction, nil
}
