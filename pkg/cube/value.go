// ABOUTME: Tagged value variant used for axis coordinates and cell contents
// ABOUTME: Per-variant comparison, coercion to axis value types, and literal parsing

package cube

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Tag identifies which variant a Value holds
type Tag uint8

const (
	TagNull Tag = iota
	TagString
	TagLong
	TagDouble
	TagDate
	TagBool
)

var tagNames = [...]string{"null", "string", "long", "double", "date", "bool"}

func (t Tag) String() string {
	if int(t) < len(tagNames) {
		return tagNames[t]
	}
	return "unknown"
}

// Value is an immutable scalar. The zero Value is null.
type Value struct {
	tag Tag
	s   string
	i   int64
	f   float64
	t   time.Time
	b   bool
}

// Date layouts accepted when parsing text into DATE values
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006/01/02",
}

func Null() Value               { return Value{} }
func String(s string) Value     { return Value{tag: TagString, s: s} }
func Long(i int64) Value        { return Value{tag: TagLong, i: i} }
func Double(f float64) Value    { return Value{tag: TagDouble, f: f} }
func Date(t time.Time) Value    { return Value{tag: TagDate, t: t.UTC()} }
func Bool(b bool) Value         { return Value{tag: TagBool, b: b} }
func (v Value) Tag() Tag        { return v.tag }
func (v Value) IsNull() bool    { return v.tag == TagNull }
func (v Value) IsNumeric() bool { return v.tag == TagLong || v.tag == TagDouble }

// Str returns the string payload (empty unless TagString)
func (v Value) Str() string { return v.s }

// Int returns the value as int64, truncating doubles
func (v Value) Int() int64 {
	switch v.tag {
	case TagLong:
		return v.i
	case TagDouble:
		return int64(v.f)
	case TagBool:
		if v.b {
			return 1
		}
	}
	return 0
}

// Float returns the value as float64
func (v Value) Float() float64 {
	switch v.tag {
	case TagLong:
		return float64(v.i)
	case TagDouble:
		return v.f
	}
	return 0
}

func (v Value) Time() time.Time { return v.t }

// Truthy reports whether the value counts as true in a condition
func (v Value) Truthy() bool {
	switch v.tag {
	case TagBool:
		return v.b
	case TagLong:
		return v.i != 0
	case TagDouble:
		return v.f != 0
	case TagString:
		return v.s != ""
	case TagDate:
		return !v.t.IsZero()
	}
	return false
}

// String renders the value as cell/column text
func (v Value) String() string {
	switch v.tag {
	case TagString:
		return v.s
	case TagLong:
		return strconv.FormatInt(v.i, 10)
	case TagDouble:
		return formatDouble(v.f)
	case TagDate:
		if v.t.Hour() == 0 && v.t.Minute() == 0 && v.t.Second() == 0 && v.t.Nanosecond() == 0 {
			return v.t.Format("2006-01-02")
		}
		return v.t.Format(time.RFC3339)
	case TagBool:
		return strconv.FormatBool(v.b)
	}
	return "null"
}

func formatDouble(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eEn") && !math.IsInf(f, 0) {
		s += ".0"
	}
	return s
}

// Equal reports whether two values are the same. Longs and doubles
// compare numerically.
func (v Value) Equal(o Value) bool {
	if v.tag == TagLong && o.tag == TagLong {
		return v.i == o.i
	}
	if v.IsNumeric() && o.IsNumeric() {
		return v.Float() == o.Float()
	}
	if v.tag != o.tag {
		return false
	}
	switch v.tag {
	case TagNull:
		return true
	case TagString:
		return v.s == o.s
	case TagDate:
		return v.t.Equal(o.t)
	case TagBool:
		return v.b == o.b
	}
	return false
}

// Compare orders two values of compatible variants. It returns
// ErrIncomparableValues when no total order exists between them.
func Compare(a, b Value) (int, error) {
	if a.IsNumeric() && b.IsNumeric() {
		if a.tag == TagLong && b.tag == TagLong {
			return cmpInt(a.i, b.i), nil
		}
		x, y := a.Float(), b.Float()
		switch {
		case x < y:
			return -1, nil
		case x > y:
			return 1, nil
		}
		return 0, nil
	}
	if a.tag != b.tag {
		return 0, fmt.Errorf("%w: %s vs %s", ErrIncomparableValues, a.tag, b.tag)
	}
	switch a.tag {
	case TagNull:
		return 0, nil
	case TagString:
		return strings.Compare(a.s, b.s), nil
	case TagDate:
		return a.t.Compare(b.t), nil
	case TagBool:
		switch {
		case a.b == b.b:
			return 0, nil
		case !a.b:
			return -1, nil
		}
		return 1, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrIncomparableValues, a.tag)
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Coerce converts v into the representation used by an axis of type vt
func Coerce(v Value, vt ValueType) (Value, error) {
	if v.IsNull() {
		return v, fmt.Errorf("%w: null coordinate", ErrInvalidArgument)
	}
	switch vt {
	case TypeString:
		if v.tag == TagString {
			return v, nil
		}
		return String(v.String()), nil

	case TypeLong:
		switch v.tag {
		case TagLong:
			return v, nil
		case TagDouble:
			if v.f == math.Trunc(v.f) {
				return Long(int64(v.f)), nil
			}
		case TagString:
			s := strings.TrimSpace(v.s)
			if i, err := strconv.ParseInt(s, 10, 64); err == nil {
				return Long(i), nil
			}
			if f, err := strconv.ParseFloat(s, 64); err == nil && f == math.Trunc(f) {
				return Long(int64(f)), nil
			}
		}

	case TypeDouble:
		switch v.tag {
		case TagLong:
			return Double(float64(v.i)), nil
		case TagDouble:
			return v, nil
		case TagString:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v.s), 64); err == nil {
				return Double(f), nil
			}
		}

	case TypeDate:
		switch v.tag {
		case TagDate:
			return v, nil
		case TagLong:
			return Date(time.UnixMilli(v.i)), nil
		case TagString:
			if t, ok := parseDate(v.s); ok {
				return Date(t), nil
			}
		}

	case TypeComparable:
		return v, nil

	case TypeExpression:
		if v.tag == TagString {
			return v, nil
		}
		return String(v.String()), nil
	}
	return v, fmt.Errorf("%w: cannot convert %s %q to %s", ErrInvalidArgument, v.tag, v.String(), vt)
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseLiteral interprets text typed by a user: null, booleans, integers,
// decimals and quoted strings get their own variants, anything else is a string.
func ParseLiteral(text string) Value {
	s := strings.TrimSpace(text)
	switch strings.ToLower(s) {
	case "", "null":
		return Null()
	case "true":
		return Bool(true)
	case "false":
		return Bool(false)
	}
	if len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"' || s[0] == '\'' && s[len(s)-1] == '\'') {
		return String(s[1 : len(s)-1])
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Long(i)
	}
	if strings.ContainsAny(s, ".eE") {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return Double(f)
		}
	}
	return String(s)
}

// ParseTyped parses column text for an axis of type vt
func ParseTyped(text string, vt ValueType) (Value, error) {
	s := strings.TrimSpace(text)
	if len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"' || s[0] == '\'' && s[len(s)-1] == '\'') {
		s = s[1 : len(s)-1]
		if vt == TypeString || vt == TypeComparable {
			return String(s), nil
		}
	}
	switch vt {
	case TypeString, TypeExpression:
		return String(s), nil
	case TypeComparable:
		v := ParseLiteral(s)
		if v.IsNull() {
			return v, fmt.Errorf("%w: empty value", ErrInvalidArgument)
		}
		return v, nil
	}
	return Coerce(String(s), vt)
}

type jsonDate struct {
	Date string `json:"$date"`
}

// MarshalJSON encodes strings, numbers and booleans natively; dates as {"$date": ...}
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.tag {
	case TagString:
		return json.Marshal(v.s)
	case TagLong:
		return []byte(strconv.FormatInt(v.i, 10)), nil
	case TagDouble:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return nil, fmt.Errorf("cannot encode %v", v.f)
		}
		return []byte(formatDouble(v.f)), nil
	case TagDate:
		return json.Marshal(jsonDate{Date: v.t.Format(time.RFC3339Nano)})
	case TagBool:
		return []byte(strconv.FormatBool(v.b)), nil
	}
	return []byte("null"), nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*v = Null()
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
	case '{':
		var d jsonDate
		if err := json.Unmarshal(data, &d); err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339Nano, d.Date)
		if err != nil {
			return err
		}
		*v = Date(t)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Bool(b)
	default:
		s := string(data)
		if !strings.ContainsAny(s, ".eE") {
			i, err := strconv.ParseInt(s, 10, 64)
			if err == nil {
				*v = Long(i)
				return nil
			}
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid value %s: %w", s, err)
		}
		*v = Double(f)
	}
	return nil
}

// FromAny converts a decoded JSON/native value into a Value
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case int:
		return Long(int64(t)), nil
	case int32:
		return Long(int64(t)), nil
	case int64:
		return Long(t), nil
	case float32:
		return fromFloat(float64(t)), nil
	case float64:
		return fromFloat(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Long(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Null(), fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		return Double(f), nil
	case time.Time:
		return Date(t), nil
	}
	return Null(), fmt.Errorf("%w: unsupported value type %T", ErrInvalidArgument, x)
}

// fromFloat keeps integral JSON numbers as longs
func fromFloat(f float64) Value {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return Long(int64(f))
	}
	return Double(f)
}

// Any returns the native Go representation of the value
func (v Value) Any() any {
	switch v.tag {
	case TagString:
		return v.s
	case TagLong:
		return v.i
	case TagDouble:
		return v.f
	case TagDate:
		return v.t
	case TagBool:
		return v.b
	}
	return nil
}
