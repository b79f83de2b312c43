// ABOUTME: Column model: scalar, range, set and rule coordinates with stable ids
// ABOUTME: Matching, overlap detection, ordering keys and the column text form

package cube

import (
	"fmt"
	"strings"
	"unicode"
)

// ColumnIDBase separates column id spaces of different axes:
// column id = axis id * ColumnIDBase + per-axis sequence.
const ColumnIDBase int64 = 1_000_000_000_000

// Shape is the form of a column's coordinate value
type Shape uint8

const (
	ShapeScalar Shape = iota + 1
	ShapeRange
	ShapeSet
	ShapeRule
	ShapeDefault
)

var shapeNames = map[Shape]string{
	ShapeScalar:  "scalar",
	ShapeRange:   "range",
	ShapeSet:     "set",
	ShapeRule:    "rule",
	ShapeDefault: "default",
}

func (s Shape) String() string {
	if n, ok := shapeNames[s]; ok {
		return n
	}
	return "unknown"
}

func parseShape(s string) (Shape, error) {
	for shape, n := range shapeNames {
		if n == s {
			return shape, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown column shape %q", ErrInvalidArgument, s)
}

// Column is one coordinate of an axis. It is owned by exactly one axis,
// recoverable from its id via AxisID.
type Column struct {
	ID        int64
	Shape     Shape
	Value     Value   // ShapeScalar
	Low       Value   // ShapeRange, inclusive
	High      Value   // ShapeRange, exclusive
	Set       []Value // ShapeSet
	Rule      string  // ShapeRule name
	Condition string  // ShapeRule condition expression
}

// ScalarColumn, RangeColumn, SetColumn and RuleColumn build unattached columns
func ScalarColumn(v Value) *Column { return &Column{Shape: ShapeScalar, Value: v} }
func RangeColumn(low, high Value) *Column {
	return &Column{Shape: ShapeRange, Low: low, High: high}
}
func SetColumn(vals ...Value) *Column { return &Column{Shape: ShapeSet, Set: vals} }
func RuleColumn(name, condition string) *Column {
	return &Column{Shape: ShapeRule, Rule: name, Condition: condition}
}

// AxisID returns the id of the owning axis
func (c *Column) AxisID() int64 { return c.ID / ColumnIDBase }

func (c *Column) IsDefault() bool { return c.Shape == ShapeDefault }

// Contains reports whether the query value v (already coerced to the axis
// type) lands on this column. Rule columns match by rule name.
func (c *Column) Contains(v Value) bool {
	switch c.Shape {
	case ShapeScalar:
		return c.Value.Equal(v)
	case ShapeRange:
		return c.position(v) == 0
	case ShapeSet:
		for _, item := range c.Set {
			if item.Equal(v) {
				return true
			}
		}
	case ShapeRule:
		return v.Tag() == TagString && strings.EqualFold(c.Rule, v.Str())
	}
	return false
}

// position places v relative to a scalar or range column: -1 before,
// 0 inside, +1 after. Incomparable values report 2.
func (c *Column) position(v Value) int {
	switch c.Shape {
	case ShapeScalar:
		r, err := Compare(v, c.Value)
		if err != nil {
			return 2
		}
		return r
	case ShapeRange:
		lo, err := Compare(v, c.Low)
		if err != nil {
			return 2
		}
		if lo < 0 {
			return -1
		}
		hi, err := Compare(v, c.High)
		if err != nil {
			return 2
		}
		if hi >= 0 {
			return 1
		}
		return 0
	}
	return 2
}

// sortKey is the value that orders this column on a sorted axis
func (c *Column) sortKey() (Value, error) {
	switch c.Shape {
	case ShapeScalar:
		return c.Value, nil
	case ShapeRange:
		return c.Low, nil
	case ShapeSet:
		if len(c.Set) == 0 {
			return Null(), fmt.Errorf("%w: empty set", ErrIncomparableValues)
		}
		lowest := c.Set[0]
		for _, v := range c.Set[1:] {
			r, err := Compare(v, lowest)
			if err != nil {
				return Null(), err
			}
			if r < 0 {
				lowest = v
			}
		}
		return lowest, nil
	}
	return Null(), fmt.Errorf("%w: %s columns have no order", ErrIncomparableValues, c.Shape)
}

// sameAs reports exact equality of coordinate values
func (c *Column) sameAs(o *Column) bool {
	if c.Shape != o.Shape {
		return false
	}
	switch c.Shape {
	case ShapeScalar:
		return c.Value.Equal(o.Value)
	case ShapeRange:
		return c.Low.Equal(o.Low) && c.High.Equal(o.High)
	case ShapeSet:
		if len(c.Set) != len(o.Set) {
			return false
		}
		for _, v := range c.Set {
			if !o.Contains(v) {
				return false
			}
		}
		return true
	case ShapeRule:
		return strings.EqualFold(c.Rule, o.Rule)
	}
	return true
}

// overlaps reports whether some query value would match both columns
func (c *Column) overlaps(o *Column) bool {
	if c.Shape == ShapeRule || o.Shape == ShapeRule {
		return c.sameAs(o)
	}
	if c.Shape == ShapeSet {
		for _, v := range c.Set {
			if o.Contains(v) {
				return true
			}
		}
		return false
	}
	if o.Shape == ShapeSet {
		return o.overlaps(c)
	}
	switch {
	case c.Shape == ShapeScalar:
		return o.Contains(c.Value)
	case o.Shape == ShapeScalar:
		return c.Contains(o.Value)
	}
	// range vs range: [a,b) and [c,d) intersect when a < d and c < b
	r1, err1 := Compare(c.Low, o.High)
	r2, err2 := Compare(o.Low, c.High)
	return err1 == nil && err2 == nil && r1 < 0 && r2 < 0
}

// coerce converts the column's values to the axis type and checks shape rules
func (c *Column) coerce(vt ValueType) error {
	if vt == TypeExpression {
		if c.Shape != ShapeRule {
			return fmt.Errorf("%w: EXPRESSION axes hold rule columns only", ErrInvalidArgument)
		}
		if strings.TrimSpace(c.Rule) == "" {
			return fmt.Errorf("%w: rule column needs a name", ErrInvalidArgument)
		}
		return nil
	}
	var err error
	switch c.Shape {
	case ShapeScalar:
		c.Value, err = Coerce(c.Value, vt)
	case ShapeRange:
		if c.Low, err = Coerce(c.Low, vt); err != nil {
			return err
		}
		if c.High, err = Coerce(c.High, vt); err != nil {
			return err
		}
		r, cmpErr := Compare(c.Low, c.High)
		if cmpErr != nil {
			return cmpErr
		}
		if r >= 0 {
			return fmt.Errorf("%w: empty range [%s, %s)", ErrInvalidArgument, c.Low, c.High)
		}
	case ShapeSet:
		if len(c.Set) == 0 {
			return fmt.Errorf("%w: empty set column", ErrInvalidArgument)
		}
		for i := range c.Set {
			if c.Set[i], err = Coerce(c.Set[i], vt); err != nil {
				return err
			}
		}
	case ShapeRule:
		return fmt.Errorf("%w: rule columns need an EXPRESSION axis", ErrInvalidArgument)
	default:
		return fmt.Errorf("%w: cannot add %s column", ErrInvalidArgument, c.Shape)
	}
	return err
}

func (c *Column) clone() *Column {
	cp := *c
	if c.Set != nil {
		cp.Set = append([]Value(nil), c.Set...)
	}
	return &cp
}

// Text renders the column in the form ParseColumn reads
func (c *Column) Text() string {
	switch c.Shape {
	case ShapeScalar:
		return c.Value.String()
	case ShapeRange:
		return fmt.Sprintf("[%s, %s)", c.Low, c.High)
	case ShapeSet:
		parts := make([]string, len(c.Set))
		for i, v := range c.Set {
			parts[i] = v.String()
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case ShapeRule:
		return c.Rule + ": " + c.Condition
	case ShapeDefault:
		return "Default"
	}
	return ""
}

func (c *Column) String() string {
	return fmt.Sprintf("%d:%s", c.ID, c.Text())
}

// ParseColumn reads column text for an axis of type vt:
//
//	30            scalar
//	[18, 65)      range
//	{CA, NY, TX}  set
//	name: cond    rule (EXPRESSION axes)
func ParseColumn(text string, vt ValueType) (*Column, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return nil, fmt.Errorf("%w: empty column value", ErrInvalidArgument)
	}
	if vt == TypeExpression {
		name, cond := splitRule(s)
		return RuleColumn(name, cond), nil
	}
	switch {
	case s[0] == '[' && strings.HasSuffix(s, "]"):
		return nil, fmt.Errorf("%w: ranges are half-open, close %q with ')'", ErrInvalidArgument, s)
	case s[0] == '[' && strings.HasSuffix(s, ")"):
		parts := splitList(s[1 : len(s)-1])
		if len(parts) != 2 {
			return nil, fmt.Errorf("%w: range needs two bounds: %q", ErrInvalidArgument, s)
		}
		low, err := ParseTyped(parts[0], vt)
		if err != nil {
			return nil, err
		}
		high, err := ParseTyped(parts[1], vt)
		if err != nil {
			return nil, err
		}
		return RangeColumn(low, high), nil
	case s[0] == '{' && strings.HasSuffix(s, "}"):
		parts := splitList(s[1 : len(s)-1])
		vals := make([]Value, 0, len(parts))
		for _, p := range parts {
			v, err := ParseTyped(p, vt)
			if err != nil {
				return nil, err
			}
			vals = append(vals, v)
		}
		return SetColumn(vals...), nil
	}
	v, err := ParseTyped(s, vt)
	if err != nil {
		return nil, err
	}
	return ScalarColumn(v), nil
}

func splitList(s string) []string {
	var parts []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// splitRule separates "name: condition". Without a leading identifier and
// colon the whole text is both name and condition.
func splitRule(s string) (string, string) {
	i := strings.IndexByte(s, ':')
	if i <= 0 {
		return s, s
	}
	name := strings.TrimSpace(s[:i])
	for _, r := range name {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != ' ' && r != '-' && r != '.' {
			return s, s
		}
	}
	return name, strings.TrimSpace(s[i+1:])
}
