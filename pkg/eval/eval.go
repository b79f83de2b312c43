// ABOUTME: Recursive cell evaluation across cubes
// ABOUTME: Cycle detection on (cube, coordinate), deadline checks at each hop, per-call memoization

package eval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nainya/cubestore/pkg/cube"
	"github.com/nainya/cubestore/pkg/expr"
	"github.com/nainya/cubestore/pkg/repository"
)

// Loader returns a read-only view of a cube. Implementations take whatever
// shared access they need and must honor ctx while waiting for it.
type Loader interface {
	Load(ctx context.Context, id cube.Identity) (*cube.Cube, error)
}

// LoaderFunc adapts a function to Loader
type LoaderFunc func(ctx context.Context, id cube.Identity) (*cube.Cube, error)

func (f LoaderFunc) Load(ctx context.Context, id cube.Identity) (*cube.Cube, error) {
	return f(ctx, id)
}

// Options control one top-level evaluation
type Options struct {
	// Memoize caches results for the duration of this call only
	Memoize bool
	// Timeout bounds the whole call; zero leaves ctx's deadline untouched
	Timeout time.Duration
}

// Result is the outcome of an evaluation
type Result struct {
	Value cube.Value
	// Coordinate is the key of the top-level cell that was evaluated
	Coordinate string
	// Hops counts cells evaluated, including the top-level one
	Hops int
}

// Evaluator evaluates cells. It is safe for concurrent use.
type Evaluator struct {
	loader   Loader
	programs *expr.Cache
	maxDepth int
}

// New creates an evaluator. maxDepth bounds the recursion depth (0 means 64).
func New(loader Loader, maxDepth int) *Evaluator {
	return NewWithCache(loader, maxDepth, nil)
}

// NewWithCache creates an evaluator that compiles formulas through a shared
// program cache; nil gets a private one
func NewWithCache(loader Loader, maxDepth int, programs *expr.Cache) *Evaluator {
	if maxDepth <= 0 {
		maxDepth = 64
	}
	if programs == nil {
		programs = expr.NewCache(0)
	}
	return &Evaluator{loader: loader, programs: programs, maxDepth: maxDepth}
}

// Program compiles (or fetches) the program for a formula
func (e *Evaluator) Program(src string) (*expr.Program, error) {
	return e.programs.Get(src)
}

// Evaluate resolves scope on the cube named by id and evaluates the cell
// found there, following cube calls recursively. Evaluation never mutates
// any cube.
func (e *Evaluator) Evaluate(ctx context.Context, id cube.Identity, scope cube.Scope, opts Options) (*Result, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	r := &run{
		ev:      e,
		ctx:     ctx,
		onStack: make(map[string]bool),
		cubes:   make(map[string]*cube.Cube),
	}
	if opts.Memoize {
		r.memo = make(map[string]cube.Value)
	}
	c, err := r.load(id)
	if err != nil {
		return nil, r.fail(err, cube.Frame{Cube: id.String(), Coordinate: "{" + scope.String() + "}"})
	}
	v, key, err := r.evaluate(c, scope)
	if err != nil {
		return nil, err
	}
	return &Result{Value: v, Coordinate: key, Hops: r.hops}, nil
}

// run is the state of one top-level evaluation
type run struct {
	ev      *Evaluator
	ctx     context.Context
	stack   []cube.Frame
	onStack map[string]bool
	memo    map[string]cube.Value
	cubes   map[string]*cube.Cube // consistent view per call
	hops    int
}

func (r *run) load(id cube.Identity) (*cube.Cube, error) {
	key := repository.Key(id)
	if c, ok := r.cubes[key]; ok {
		return c, nil
	}
	c, err := r.ev.loader.Load(r.ctx, id)
	if err != nil {
		if r.ctx.Err() != nil {
			return nil, cube.ContextError(r.ctx.Err())
		}
		return nil, err
	}
	r.cubes[key] = c
	return c, nil
}

// fail attaches the call chain, ending with frame, to err
func (r *run) fail(err error, frame cube.Frame) error {
	chain := append(append([]cube.Frame(nil), r.stack...), frame)
	var ce *cube.Error
	if errors.As(err, &ce) {
		if len(ce.Chain) == 0 {
			ce.Chain = chain
		}
		return err
	}
	return &cube.Error{Kind: cube.KindResolution, Err: cube.ErrEvaluationFailed, Cause: err, Cube: frame.Cube, Chain: chain}
}

func (r *run) evaluate(c *cube.Cube, scope cube.Scope) (cube.Value, string, error) {
	pending := cube.Frame{Cube: c.Identity.String(), Coordinate: "{" + scope.String() + "}"}
	if err := r.ctx.Err(); err != nil {
		return cube.Null(), "", r.fail(cube.ContextError(err), pending)
	}
	if len(r.stack) >= r.ev.maxDepth {
		return cube.Null(), "", r.fail(cube.Errorf(cube.KindResolution, cube.ErrEvaluationFailed,
			"recursion deeper than %d", r.ev.maxDepth), pending)
	}

	res, err := c.Resolve(scope, cube.ResolveOptions{Condition: r.condition(c, scope)})
	if err != nil {
		return cube.Null(), "", r.fail(err, pending)
	}
	coord := res.Key
	if res.DefaultCell {
		coord = "default"
	}
	frame := cube.Frame{Cube: c.Identity.String(), Coordinate: coord}
	key := repository.Key(c.Identity) + "\x00" + coord
	if r.onStack[key] {
		return cube.Null(), coord, r.fail(&cube.Error{
			Kind:   cube.KindResolution,
			Err:    cube.ErrCyclicReference,
			Cube:   c.Identity.String(),
			Detail: "cell [" + coord + "] re-entered",
		}, frame)
	}

	if !res.Cell.IsExpression() {
		r.hops++
		return res.Cell.Value, coord, nil
	}

	memoKey := key + "\x00" + memoScope(scope)
	if r.memo != nil {
		if v, ok := r.memo[memoKey]; ok {
			return v, coord, nil
		}
	}

	prog, err := r.ev.programs.Get(res.Cell.Expr)
	if err != nil {
		return cube.Null(), coord, r.fail(err, frame)
	}

	r.hops++
	r.onStack[key] = true
	r.stack = append(r.stack, frame)
	v, err := prog.Eval(&env{run: r, cube: c, scope: scope})
	r.stack = r.stack[:len(r.stack)-1]
	delete(r.onStack, key)
	if err != nil {
		return cube.Null(), coord, r.fail(err, frame)
	}
	if r.memo != nil {
		r.memo[memoKey] = v
	}
	return v, coord, nil
}

// condition evaluates rule-axis conditions in the cube's own scope
func (r *run) condition(c *cube.Cube, scope cube.Scope) cube.ConditionFunc {
	return func(a *cube.Axis, col *cube.Column) (bool, error) {
		prog, err := r.ev.programs.Get(col.Condition)
		if err != nil {
			return false, &cube.Error{Kind: cube.KindInvalid, Err: cube.ErrExpressionSyntax, Cause: err,
				Cube: c.Identity.String(), Axis: a.Name, Detail: fmt.Sprintf("rule %s", col.Rule)}
		}
		v, err := prog.Eval(&env{run: r, cube: c, scope: scope})
		if err != nil {
			return false, err
		}
		return v.Truthy(), nil
	}
}

func memoScope(scope cube.Scope) string {
	lowered := make(cube.Scope, len(scope))
	for k, v := range scope {
		lowered[strings.ToLower(k)] = v
	}
	var b strings.Builder
	for _, k := range lowered.Keys() {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(lowered[k].Tag().String())
		b.WriteByte(':')
		b.WriteString(lowered[k].String())
		b.WriteByte(';')
	}
	return b.String()
}

// env binds a formula to the cube and scope it is evaluated in
type env struct {
	run   *run
	cube  *cube.Cube
	scope cube.Scope
}

func (e *env) Input(key string) (cube.Value, bool) { return e.scope.Get(key) }
func (e *env) Scope() cube.Scope                   { return e.scope }

// Invoke follows a cube call. Named cubes are looked up in the caller's
// application, version and status.
func (e *env) Invoke(call *expr.CubeCall, scope cube.Scope) (cube.Value, error) {
	target := e.cube
	if !call.Self() {
		id := e.cube.Identity
		id.Name = call.Cube
		c, err := e.run.load(id)
		if err != nil {
			return cube.Null(), e.run.fail(err, cube.Frame{Cube: id.String(), Coordinate: "{" + scope.String() + "}"})
		}
		target = c
	}
	v, _, err := e.run.evaluate(target, scope)
	return v, err
}
