package engine

import (
	"context"
	"time"

	"github.com/nainya/cubestore/pkg/cube"
	"github.com/nainya/cubestore/pkg/eval"
	"github.com/nainya/cubestore/pkg/refgraph"
	"github.com/nainya/cubestore/pkg/version"
)

// Release moves every SNAPSHOT cube of (app, ver) to RELEASE in one
// commit, optionally seeding newSnapshot with copies. Releasing a version
// twice is a no-op.
func (e *Engine) Release(ctx context.Context, app, ver, newSnapshot string) (*version.ReleaseResult, error) {
	if err := checkVersion(app, ver); err != nil {
		return nil, err
	}
	res, err := e.versions.Release(ctx, app, ver, newSnapshot)
	released := 0
	if res != nil {
		released = len(res.Released)
		for _, s := range res.Released {
			e.graph.Invalidate(s.Identity().WithStatus(cube.StatusSnapshot))
		}
	}
	e.log.LogRelease(app, ver, newSnapshot, released, err)
	if e.metrics != nil {
		outcome := "success"
		switch {
		case err != nil:
			outcome = cube.KindOf(err).String()
		case res.NoOp:
			outcome = "noop"
		}
		e.metrics.RecordRelease(outcome, released)
	}
	return res, err
}

// BumpSnapshot copies the RELEASE cubes of (app, released) into a new
// SNAPSHOT version
func (e *Engine) BumpSnapshot(ctx context.Context, app, released, newVersion string) ([]cube.Summary, error) {
	start := time.Now()
	id := cube.Identity{App: app, Version: newVersion}
	if err := checkVersion(app, released); err != nil {
		return nil, e.finish("bumpSnapshot", id, start, err)
	}
	list, err := e.versions.BumpSnapshot(ctx, app, released, newVersion)
	return list, e.finish("bumpSnapshot", id, start, err)
}

// ChangeVersionValue renumbers an unreleased version and reports how many
// cubes moved
func (e *Engine) ChangeVersionValue(ctx context.Context, app, curr, newVersion string) (int, error) {
	start := time.Now()
	id := cube.Identity{App: app, Version: curr}
	if err := checkVersion(app, curr); err != nil {
		return 0, e.finish("changeVersionValue", id, start, err)
	}
	n, err := e.versions.ChangeVersionValue(ctx, app, curr, newVersion)
	return n, e.finish("changeVersionValue", id, start, err)
}

// Evaluate resolves scope on a cube and evaluates the cell found there.
// Without a timeout in opts the configured default applies.
func (e *Engine) Evaluate(ctx context.Context, id cube.Identity, scope cube.Scope, opts eval.Options) (*eval.Result, error) {
	start := time.Now()
	id, err := e.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = e.cfg.EvalTimeout
	}
	res, err := e.eval.Evaluate(ctx, id, scope, opts)
	hops := 0
	outcome := "success"
	if res != nil {
		hops = res.Hops
	}
	if err != nil {
		outcome = cube.KindOf(err).String()
	}
	e.log.LogEvaluation(id.String(), hops, time.Since(start), err)
	if e.metrics != nil {
		e.metrics.RecordEvaluation(outcome, hops, time.Since(start))
	}
	return res, err
}

// ReferencesFrom lists the cubes called by a cube's formulas
func (e *Engine) ReferencesFrom(ctx context.Context, id cube.Identity) ([]cube.Ref, error) {
	id, err := e.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.graph.ReferencesFrom(ctx, id)
}

// ReferencesTo lists the cubes of the same set whose formulas call id
func (e *Engine) ReferencesTo(ctx context.Context, id cube.Identity) ([]cube.Ref, error) {
	id, err := e.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.graph.ReferencesTo(ctx, id)
}

// RequiredScope lists the axes a scope must name to resolve a cell
func (e *Engine) RequiredScope(ctx context.Context, id cube.Identity) ([]string, error) {
	id, err := e.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.graph.RequiredScope(ctx, id)
}

// OptionalScope lists input keys read by formulas plus axes with defaults
func (e *Engine) OptionalScope(ctx context.Context, id cube.Identity) ([]string, error) {
	id, err := e.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.graph.OptionalScope(ctx, id)
}

// Visualize builds the reference graph reachable from id. A depth of zero
// uses the configured default.
func (e *Engine) Visualize(ctx context.Context, id cube.Identity, depth int) (*refgraph.Visualization, error) {
	id, err := e.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if depth <= 0 {
		depth = e.cfg.VisualDepth
	}
	return e.graph.Visualize(ctx, id, depth)
}
