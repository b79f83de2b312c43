// ABOUTME: Recursive-descent parser producing Node trees from formula text
// ABOUTME: Compiled programs carry their static cube calls and input references

package expr

import (
	"strconv"
	"strings"
	"sync"

	"github.com/nainya/cubestore/pkg/cube"
)

// Program is a parsed formula
type Program struct {
	Source string
	Root   Node
}

// Parse compiles formula source into a Program
func Parse(src string) (*Program, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.ternary()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, syntaxError(t.pos, "unexpected %s", t)
	}
	return &Program{Source: src, Root: root}, nil
}

// Eval runs the program against env
func (p *Program) Eval(env Env) (cube.Value, error) {
	return p.Root.Eval(env)
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

// accept consumes the next token when it is one of the given operators
func (p *parser) accept(ops ...string) (string, bool) {
	t := p.peek()
	if t.kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if t.text == op {
			p.pos++
			return op, true
		}
	}
	return "", false
}

func (p *parser) expect(op string) error {
	if _, ok := p.accept(op); !ok {
		t := p.peek()
		return syntaxError(t.pos, "expected %q, found %s", op, t)
	}
	return nil
}

func (p *parser) ternary() (Node, error) {
	cond, err := p.binary(0)
	if err != nil {
		return nil, err
	}
	if _, ok := p.accept("?"); !ok {
		return cond, nil
	}
	then, err := p.ternary()
	if err != nil {
		return nil, err
	}
	if err := p.expect(":"); err != nil {
		return nil, err
	}
	els, err := p.ternary()
	if err != nil {
		return nil, err
	}
	return &Ternary{Cond: cond, Then: then, Else: els}, nil
}

// precedence levels, loosest first
var levels = [][]string{
	{"||"},
	{"&&"},
	{"==", "!="},
	{"<", "<=", ">", ">="},
	{"+", "-"},
	{"*", "/", "%"},
}

func (p *parser) binary(level int) (Node, error) {
	if level == len(levels) {
		return p.unary()
	}
	left, err := p.binary(level + 1)
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.accept(levels[level]...)
		if !ok {
			return left, nil
		}
		right, err := p.binary(level + 1)
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, Left: left, Right: right}
	}
}

func (p *parser) unary() (Node, error) {
	if op, ok := p.accept("-", "!"); ok {
		operand, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: op, Operand: operand}, nil
	}
	return p.primary()
}

func (p *parser) primary() (Node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		if !strings.ContainsAny(t.text, ".eE") {
			if i, err := strconv.ParseInt(t.text, 10, 64); err == nil {
				return &Literal{Value: cube.Long(i)}, nil
			}
		}
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, syntaxError(t.pos, "bad number %q", t.text)
		}
		return &Literal{Value: cube.Double(f)}, nil

	case tokString:
		return &Literal{Value: cube.String(t.text)}, nil

	case tokIdent:
		switch strings.ToLower(t.text) {
		case "true":
			return &Literal{Value: cube.Bool(true)}, nil
		case "false":
			return &Literal{Value: cube.Bool(false)}, nil
		case "null":
			return &Literal{Value: cube.Null()}, nil
		}
		if _, ok := p.accept("("); ok {
			return p.call(t)
		}
		if key, ok := strings.CutPrefix(t.text, "input."); ok {
			return &Ref{Key: key}, nil
		}
		return &Ref{Key: t.text}, nil

	case tokOp:
		switch t.text {
		case "(":
			inner, err := p.ternary()
			if err != nil {
				return nil, err
			}
			if err := p.expect(")"); err != nil {
				return nil, err
			}
			return inner, nil
		case "@", "$":
			return p.cubeCall(t.text == "@")
		}
	}
	return nil, syntaxError(t.pos, "unexpected %s", t)
}

func (p *parser) call(name token) (Node, error) {
	fn := strings.ToLower(name.text)
	if _, ok := builtins[fn]; !ok {
		return nil, syntaxError(name.pos, "unknown function %q", name.text)
	}
	c := &Call{Func: fn}
	if _, ok := p.accept(")"); ok {
		return c, nil
	}
	for {
		arg, err := p.ternary()
		if err != nil {
			return nil, err
		}
		c.Args = append(c.Args, arg)
		if _, ok := p.accept(","); !ok {
			break
		}
	}
	if err := p.expect(")"); err != nil {
		return nil, err
	}
	return c, nil
}

func (p *parser) cubeCall(inherit bool) (Node, error) {
	c := &CubeCall{Inherit: inherit}
	if t := p.peek(); t.kind == tokIdent {
		c.Cube = p.next().text
	}
	if _, ok := p.accept("["); !ok {
		if c.Self() {
			t := p.peek()
			return nil, syntaxError(t.pos, "cube call needs a name or a scope")
		}
		return c, nil
	}
	if _, ok := p.accept("]"); ok {
		return c, nil
	}
	for {
		key := p.next()
		if key.kind != tokIdent && key.kind != tokString {
			return nil, syntaxError(key.pos, "expected scope key, found %s", key)
		}
		if err := p.expect(":"); err != nil {
			return nil, err
		}
		val, err := p.ternary()
		if err != nil {
			return nil, err
		}
		c.Args = append(c.Args, Arg{Key: key.text, Value: val})
		if _, ok := p.accept(","); !ok {
			break
		}
	}
	if err := p.expect("]"); err != nil {
		return nil, err
	}
	return c, nil
}

// Cache memoizes parsed programs by source text
type Cache struct {
	mu       sync.RWMutex
	programs map[string]*Program
	max      int
}

// NewCache creates a cache holding at most max programs (0 means 4096)
func NewCache(max int) *Cache {
	if max <= 0 {
		max = 4096
	}
	return &Cache{programs: make(map[string]*Program), max: max}
}

// Get returns the compiled program for src, parsing it on first use
func (c *Cache) Get(src string) (*Program, error) {
	c.mu.RLock()
	prog, ok := c.programs[src]
	c.mu.RUnlock()
	if ok {
		return prog, nil
	}
	prog, err := Parse(src)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if len(c.programs) >= c.max {
		c.programs = make(map[string]*Program)
	}
	c.programs[src] = prog
	c.mu.Unlock()
	return prog, nil
}
