// ABOUTME: Reference Graph Builder: which cubes a cube's formulas call, and who calls it
// ABOUTME: Static formula scans cached per cube content hash; inverse queries deduplicated

package refgraph

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/nainya/cubestore/pkg/cube"
	"github.com/nainya/cubestore/pkg/expr"
	"github.com/nainya/cubestore/pkg/lock"
	"github.com/nainya/cubestore/pkg/repository"
)

const scanParallelism = 8

// entry is the cached static scan of one stored cube
type entry struct {
	sha    string
	calls  []string // referenced cube names, as written
	inputs []string // input keys read by formulas
}

// Stats are cumulative cache counters
type Stats struct {
	Hits   int64
	Misses int64
}

// Graph answers reference and scope queries against a repository. The
// repository is passed in explicitly; nothing is looked up globally.
type Graph struct {
	repo     repository.Repository
	programs *expr.Cache

	mu      sync.RWMutex
	entries map[string]entry

	flight singleflight.Group
	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a graph over repo. programs may be shared with the evaluator.
func New(repo repository.Repository, programs *expr.Cache) *Graph {
	if programs == nil {
		programs = expr.NewCache(0)
	}
	return &Graph{repo: repo, programs: programs, entries: make(map[string]entry)}
}

// Stats returns the cache counters
func (g *Graph) Stats() Stats {
	return Stats{Hits: g.hits.Load(), Misses: g.misses.Load()}
}

// Invalidate drops the cached scan of one cube
func (g *Graph) Invalidate(id cube.Identity) {
	g.mu.Lock()
	delete(g.entries, lock.CubeKey(id))
	g.mu.Unlock()
}

// Len reports the number of cached scans
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entries)
}

func (g *Graph) cached(id cube.Identity, sha string) (entry, bool) {
	g.mu.RLock()
	e, ok := g.entries[lock.CubeKey(id)]
	g.mu.RUnlock()
	if ok && e.sha == sha {
		g.hits.Add(1)
		return e, true
	}
	g.misses.Add(1)
	return entry{}, false
}

// scan extracts calls and inputs from every formula in c: cells, the default
// cell and rule conditions. Unparseable formulas contribute nothing.
func (g *Graph) scan(c *cube.Cube) entry {
	calls := make(map[string]string)
	inputs := make(map[string]string)
	visit := func(src string) {
		prog, err := g.programs.Get(src)
		if err != nil {
			return
		}
		for _, name := range prog.ReferencedCubes() {
			if _, ok := calls[strings.ToLower(name)]; !ok {
				calls[strings.ToLower(name)] = name
			}
		}
		for _, key := range prog.InputRefs() {
			if _, ok := inputs[strings.ToLower(key)]; !ok {
				inputs[strings.ToLower(key)] = key
			}
		}
	}
	c.EachCell(func(_ []int64, cell *cube.Cell) bool {
		if cell.IsExpression() {
			visit(cell.Expr)
		}
		return true
	})
	if dc := c.DefaultCell(); dc != nil && dc.IsExpression() {
		visit(dc.Expr)
	}
	for _, a := range c.Axes() {
		if !a.IsRuleAxis() {
			continue
		}
		for _, col := range a.Columns() {
			if col.Condition != "" {
				visit(col.Condition)
			}
		}
	}

	e := entry{sha: c.SHA(), calls: sortedValues(calls), inputs: sortedValues(inputs)}
	g.mu.Lock()
	g.entries[lock.CubeKey(c.Identity)] = e
	g.mu.Unlock()
	return e
}

func sortedValues(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i]) < strings.ToLower(out[j]) })
	return out
}

func (g *Graph) entryFor(c *cube.Cube) entry {
	if e, ok := g.cached(c.Identity, c.SHA()); ok {
		return e
	}
	return g.scan(c)
}

// RefsOf returns the distinct cubes c's formulas call, resolved within c's
// application and version
func (g *Graph) RefsOf(c *cube.Cube) []cube.Ref {
	e := g.entryFor(c)
	refs := make([]cube.Ref, len(e.calls))
	for i, name := range e.calls {
		refs[i] = cube.Ref{Name: name, App: c.App, Version: c.Version}
	}
	return refs
}

// ReferencesFrom loads id and returns the cubes it references, without
// evaluating anything
func (g *Graph) ReferencesFrom(ctx context.Context, id cube.Identity) ([]cube.Ref, error) {
	c, err := g.repo.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return g.RefsOf(c), nil
}

// ReferencesTo returns every cube in id's (app, version, status) set whose
// formulas call id's name. The target need not exist. Concurrent queries for
// the same set share one scan.
func (g *Graph) ReferencesTo(ctx context.Context, id cube.Identity) ([]cube.Ref, error) {
	setKey := lock.VersionKey(id.App, id.Version) + "\x00" + id.Status.String()
	v, err, _ := g.flight.Do(setKey, func() (any, error) {
		return g.scanSet(ctx, id)
	})
	if err != nil {
		return nil, err
	}

	var out []cube.Ref
	for _, s := range v.([]setEntry) {
		if s.id.Same(id) {
			continue
		}
		for _, name := range s.calls {
			if strings.EqualFold(name, id.Name) {
				out = append(out, cube.Ref{Name: s.id.Name, App: s.id.App, Version: s.id.Version})
				break
			}
		}
	}
	return out, nil
}

type setEntry struct {
	id    cube.Identity
	calls []string
}

// scanSet returns the calls of every cube in id's set, loading only cubes
// whose content hash changed since they were last scanned
func (g *Graph) scanSet(ctx context.Context, id cube.Identity) ([]setEntry, error) {
	list, err := g.repo.List(ctx, repository.Filter{App: id.App, Version: id.Version, Status: id.Status})
	if err != nil {
		return nil, err
	}
	out := make([]setEntry, len(list))
	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(scanParallelism)
	for i, s := range list {
		sid := s.Identity()
		out[i].id = sid
		if e, ok := g.cached(sid, s.SHA); ok {
			out[i].calls = e.calls
			continue
		}
		eg.Go(func() error {
			c, err := g.repo.Load(egctx, sid)
			if err != nil {
				return err
			}
			out[i].calls = g.scan(c).calls
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// RequiredScope loads id and returns the axis names a caller must supply
func (g *Graph) RequiredScope(ctx context.Context, id cube.Identity) ([]string, error) {
	c, err := g.repo.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.RequiredScope(), nil
}

// OptionalScopeOf returns keys a caller may supply to c: axes with a default
// column, rule axes, and input keys read by formulas, minus required axes
func (g *Graph) OptionalScopeOf(c *cube.Cube) []string {
	required := make(map[string]bool)
	for _, name := range c.RequiredScope() {
		required[strings.ToLower(name)] = true
	}
	keys := make(map[string]string)
	for _, a := range c.Axes() {
		if a.DefaultColumn() != nil || a.IsRuleAxis() {
			keys[strings.ToLower(a.Name)] = a.Name
		}
	}
	for _, in := range g.entryFor(c).inputs {
		if _, ok := keys[strings.ToLower(in)]; !ok {
			keys[strings.ToLower(in)] = in
		}
	}
	for k := range required {
		delete(keys, k)
	}
	return sortedValues(keys)
}

// OptionalScope loads id and returns its optional scope keys
func (g *Graph) OptionalScope(ctx context.Context, id cube.Identity) ([]string, error) {
	c, err := g.repo.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return g.OptionalScopeOf(c), nil
}
