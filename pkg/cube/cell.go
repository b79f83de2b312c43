// ABOUTME: Cell contents: literal values or formula expressions
// ABOUTME: Text form used by the controller surface ("=" prefix marks a formula)

package cube

import (
	"strings"
)

// Cell holds either a literal Value or an expression source
type Cell struct {
	Value Value
	Expr  string
}

// LiteralCell wraps a literal value
func LiteralCell(v Value) *Cell {
	return &Cell{Value: v}
}

// ExpressionCell wraps a formula (without the leading '=')
func ExpressionCell(src string) *Cell {
	return &Cell{Expr: strings.TrimSpace(src)}
}

func (c *Cell) IsExpression() bool {
	return c != nil && c.Expr != ""
}

// Equal compares cell contents
func (c *Cell) Equal(o *Cell) bool {
	if c == nil || o == nil {
		return c == o
	}
	if c.IsExpression() || o.IsExpression() {
		return c.Expr == o.Expr
	}
	return c.Value.Equal(o.Value) && c.Value.Tag() == o.Value.Tag()
}

// Text renders the cell the way ParseCellText reads it
func (c *Cell) Text() string {
	if c == nil {
		return ""
	}
	if c.IsExpression() {
		return "=" + c.Expr
	}
	if c.Value.Tag() == TagString {
		switch lit := ParseLiteral(c.Value.Str()); {
		case lit.Tag() != TagString, strings.HasPrefix(c.Value.Str(), "="):
			return `"` + c.Value.Str() + `"`
		}
	}
	return c.Value.String()
}

func (c *Cell) clone() *Cell {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// ParseCellText reads the text form of a cell. Text starting with '=' is a
// formula; empty text or "null" yields nil, meaning "clear the cell".
func ParseCellText(text string) *Cell {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "=") {
		if expr := strings.TrimSpace(s[1:]); expr != "" {
			return ExpressionCell(expr)
		}
		return nil
	}
	v := ParseLiteral(s)
	if v.IsNull() {
		return nil
	}
	return LiteralCell(v)
}
