// ABOUTME: Expression node kinds: literal, input reference, unary/binary/ternary,
// ABOUTME: function call and cube call, each evaluated against an Env

package expr

import (
	"fmt"
	"strings"

	"github.com/nainya/cubestore/pkg/cube"
)

// Env supplies inputs and performs cube calls on behalf of a node
type Env interface {
	// Input returns the scope value named key, if any
	Input(key string) (cube.Value, bool)
	// Invoke evaluates another (or the same) cube at the given scope
	Invoke(call *CubeCall, scope cube.Scope) (cube.Value, error)
	// Scope is the scope the current cell was reached with
	Scope() cube.Scope
}

// Node is one evaluable element of a formula
type Node interface {
	Eval(env Env) (cube.Value, error)
	String() string
}

// Literal is a constant
type Literal struct {
	Value cube.Value
}

func (n *Literal) Eval(Env) (cube.Value, error) { return n.Value, nil }

func (n *Literal) String() string {
	if n.Value.Tag() == cube.TagString {
		return fmt.Sprintf("%q", n.Value.Str())
	}
	return n.Value.String()
}

// Ref reads a scope value; unknown keys read as null
type Ref struct {
	Key string
}

func (n *Ref) Eval(env Env) (cube.Value, error) {
	v, _ := env.Input(n.Key)
	return v, nil
}

func (n *Ref) String() string { return "input." + n.Key }

// Unary is '-x' or '!x'
type Unary struct {
	Op      string
	Operand Node
}

func (n *Unary) String() string { return n.Op + n.Operand.String() }

// Binary covers arithmetic, comparison and logical operators
type Binary struct {
	Op          string
	Left, Right Node
}

func (n *Binary) String() string {
	return "(" + n.Left.String() + " " + n.Op + " " + n.Right.String() + ")"
}

// Ternary is 'cond ? then : else'
type Ternary struct {
	Cond, Then, Else Node
}

func (n *Ternary) Eval(env Env) (cube.Value, error) {
	c, err := n.Cond.Eval(env)
	if err != nil {
		return cube.Null(), err
	}
	if c.Truthy() {
		return n.Then.Eval(env)
	}
	return n.Else.Eval(env)
}

func (n *Ternary) String() string {
	return "(" + n.Cond.String() + " ? " + n.Then.String() + " : " + n.Else.String() + ")"
}

// Call invokes a builtin function
type Call struct {
	Func string
	Args []Node
}

func (n *Call) String() string {
	parts := make([]string, len(n.Args))
	for i, a := range n.Args {
		parts[i] = a.String()
	}
	return n.Func + "(" + strings.Join(parts, ", ") + ")"
}

// Arg is one key: value pair of a cube call
type Arg struct {
	Key   string
	Value Node
}

// CubeCall evaluates a cube at a scope. An empty Cube means the cube that
// holds the formula. Inherit merges the caller's scope under the explicit
// arguments ('@'); otherwise only the arguments are passed ('$').
type CubeCall struct {
	Cube    string
	Inherit bool
	Args    []Arg
}

func (n *CubeCall) Eval(env Env) (cube.Value, error) {
	overrides := make(cube.Scope, len(n.Args))
	for _, a := range n.Args {
		v, err := a.Value.Eval(env)
		if err != nil {
			return cube.Null(), err
		}
		overrides[a.Key] = v
	}
	scope := overrides
	if n.Inherit {
		scope = env.Scope().With(overrides)
	}
	return env.Invoke(n, scope)
}

func (n *CubeCall) String() string {
	sigil := "$"
	if n.Inherit {
		sigil = "@"
	}
	parts := make([]string, len(n.Args))
	for i, a := range n.Args {
		parts[i] = a.Key + ": " + a.Value.String()
	}
	return sigil + n.Cube + "[" + strings.Join(parts, ", ") + "]"
}

// Self reports whether the call targets the formula's own cube
func (n *CubeCall) Self() bool { return n.Cube == "" }
