package expr

import (
	"fmt"
	"math"
	"strings"

	"github.com/nainya/cubestore/pkg/cube"
)

func evalError(format string, args ...any) error {
	return &cube.Error{Kind: cube.KindResolution, Err: cube.ErrEvaluationFailed, Detail: fmt.Sprintf(format, args...)}
}

func (n *Unary) Eval(env Env) (cube.Value, error) {
	v, err := n.Operand.Eval(env)
	if err != nil {
		return cube.Null(), err
	}
	if n.Op == "!" {
		return cube.Bool(!v.Truthy()), nil
	}
	switch v.Tag() {
	case cube.TagLong:
		return cube.Long(-v.Int()), nil
	case cube.TagDouble:
		return cube.Double(-v.Float()), nil
	}
	return cube.Null(), evalError("cannot negate %s", v.Tag())
}

func (n *Binary) Eval(env Env) (cube.Value, error) {
	left, err := n.Left.Eval(env)
	if err != nil {
		return cube.Null(), err
	}

	// logical operators short-circuit
	switch n.Op {
	case "&&":
		if !left.Truthy() {
			return cube.Bool(false), nil
		}
		right, err := n.Right.Eval(env)
		if err != nil {
			return cube.Null(), err
		}
		return cube.Bool(right.Truthy()), nil
	case "||":
		if left.Truthy() {
			return cube.Bool(true), nil
		}
		right, err := n.Right.Eval(env)
		if err != nil {
			return cube.Null(), err
		}
		return cube.Bool(right.Truthy()), nil
	}

	right, err := n.Right.Eval(env)
	if err != nil {
		return cube.Null(), err
	}
	switch n.Op {
	case "==":
		return cube.Bool(left.Equal(right)), nil
	case "!=":
		return cube.Bool(!left.Equal(right)), nil
	case "<", "<=", ">", ">=":
		return compare(n.Op, left, right)
	}
	return arithmetic(n.Op, left, right)
}

func compare(op string, a, b cube.Value) (cube.Value, error) {
	if a.IsNull() || b.IsNull() {
		return cube.Bool(false), nil
	}
	r, err := cube.Compare(a, b)
	if err != nil {
		return cube.Null(), evalError("%s %s %s: %v", a, op, b, err)
	}
	switch op {
	case "<":
		return cube.Bool(r < 0), nil
	case "<=":
		return cube.Bool(r <= 0), nil
	case ">":
		return cube.Bool(r > 0), nil
	}
	return cube.Bool(r >= 0), nil
}

func arithmetic(op string, a, b cube.Value) (cube.Value, error) {
	if op == "+" && (a.Tag() == cube.TagString || b.Tag() == cube.TagString) {
		return cube.String(a.String() + b.String()), nil
	}
	if !a.IsNumeric() || !b.IsNumeric() {
		return cube.Null(), evalError("operator %s needs numbers, got %s and %s", op, a.Tag(), b.Tag())
	}
	if a.Tag() == cube.TagLong && b.Tag() == cube.TagLong {
		x, y := a.Int(), b.Int()
		switch op {
		case "+":
			return cube.Long(x + y), nil
		case "-":
			return cube.Long(x - y), nil
		case "*":
			return cube.Long(x * y), nil
		case "/":
			if y == 0 {
				return cube.Null(), evalError("division by zero")
			}
			if x%y == 0 {
				return cube.Long(x / y), nil
			}
			return cube.Double(float64(x) / float64(y)), nil
		case "%":
			if y == 0 {
				return cube.Null(), evalError("division by zero")
			}
			return cube.Long(x % y), nil
		}
	}
	x, y := a.Float(), b.Float()
	switch op {
	case "+":
		return cube.Double(x + y), nil
	case "-":
		return cube.Double(x - y), nil
	case "*":
		return cube.Double(x * y), nil
	case "/":
		if y == 0 {
			return cube.Null(), evalError("division by zero")
		}
		return cube.Double(x / y), nil
	case "%":
		if y == 0 {
			return cube.Null(), evalError("division by zero")
		}
		return cube.Double(math.Mod(x, y)), nil
	}
	return cube.Null(), evalError("unknown operator %s", op)
}

type builtin struct {
	minArgs, maxArgs int // maxArgs < 0 means variadic
	fn               func(args []cube.Value) (cube.Value, error)
}

var builtins = map[string]builtin{
	"min":   {1, -1, func(args []cube.Value) (cube.Value, error) { return extreme(args, -1) }},
	"max":   {1, -1, func(args []cube.Value) (cube.Value, error) { return extreme(args, 1) }},
	"abs":   {1, 1, absValue},
	"round": {1, 2, roundValue},
	"upper": {1, 1, func(args []cube.Value) (cube.Value, error) { return cube.String(strings.ToUpper(args[0].String())), nil }},
	"lower": {1, 1, func(args []cube.Value) (cube.Value, error) { return cube.String(strings.ToLower(args[0].String())), nil }},
	"len":   {1, 1, func(args []cube.Value) (cube.Value, error) { return cube.Long(int64(len([]rune(args[0].String())))), nil }},
}

func (n *Call) Eval(env Env) (cube.Value, error) {
	b := builtins[n.Func]
	if len(n.Args) < b.minArgs || (b.maxArgs >= 0 && len(n.Args) > b.maxArgs) {
		return cube.Null(), evalError("%s: wrong number of arguments (%d)", n.Func, len(n.Args))
	}
	args := make([]cube.Value, len(n.Args))
	for i, a := range n.Args {
		v, err := a.Eval(env)
		if err != nil {
			return cube.Null(), err
		}
		args[i] = v
	}
	return b.fn(args)
}

func extreme(args []cube.Value, sign int) (cube.Value, error) {
	best := args[0]
	for _, v := range args[1:] {
		r, err := cube.Compare(v, best)
		if err != nil {
			return cube.Null(), evalError("%v", err)
		}
		if r*sign > 0 {
			best = v
		}
	}
	return best, nil
}

func absValue(args []cube.Value) (cube.Value, error) {
	v := args[0]
	switch v.Tag() {
	case cube.TagLong:
		if v.Int() < 0 {
			return cube.Long(-v.Int()), nil
		}
		return v, nil
	case cube.TagDouble:
		return cube.Double(math.Abs(v.Float())), nil
	}
	return cube.Null(), evalError("abs needs a number, got %s", v.Tag())
}

func roundValue(args []cube.Value) (cube.Value, error) {
	v := args[0]
	if !v.IsNumeric() {
		return cube.Null(), evalError("round needs a number, got %s", v.Tag())
	}
	if len(args) == 1 {
		return cube.Long(int64(math.Round(v.Float()))), nil
	}
	if args[1].Tag() != cube.TagLong {
		return cube.Null(), evalError("round digits must be a long")
	}
	scale := math.Pow(10, float64(args[1].Int()))
	return cube.Double(math.Round(v.Float()*scale) / scale), nil
}
