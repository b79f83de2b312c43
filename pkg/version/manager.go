// ABOUTME: Version/Release Manager for (application, version) cube sets
// ABOUTME: All-or-nothing release, snapshot bump and version renumbering over a Repository

package version

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nainya/cubestore/pkg/cube"
	"github.com/nainya/cubestore/pkg/expr"
	"github.com/nainya/cubestore/pkg/lock"
	"github.com/nainya/cubestore/pkg/repository"
)

// loadParallelism bounds concurrent loads while preparing a batch
const loadParallelism = 8

// Manager drives lifecycle transitions. It shares its lock table with the
// engine so cube edits and releases exclude each other.
type Manager struct {
	repo     repository.Repository
	locks    *lock.Table
	programs *expr.Cache
	newID    func() string
}

// NewManager creates a manager over repo using locks for coordination
func NewManager(repo repository.Repository, locks *lock.Table, programs *expr.Cache) *Manager {
	if programs == nil {
		programs = expr.NewCache(0)
	}
	return &Manager{repo: repo, locks: locks, programs: programs, newID: uuid.NewString}
}

// SetIDGenerator replaces the generator used for ids of new SNAPSHOT copies
func (m *Manager) SetIDGenerator(fn func() string) {
	m.newID = fn
}

func checkVersion(v string) error {
	if repository.CanonicalVersion(v) == "" {
		return cube.Errorf(cube.KindInvalid, cube.ErrInvalidArgument, "invalid version %q", v)
	}
	return nil
}

// loadAll loads the summarized cubes in parallel, preserving order
func (m *Manager) loadAll(ctx context.Context, list []cube.Summary) ([]*cube.Cube, error) {
	out := make([]*cube.Cube, len(list))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadParallelism)
	for i, s := range list {
		g.Go(func() error {
			c, err := m.repo.Load(gctx, s.Identity())
			if err != nil {
				return err
			}
			out[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func cubeLocks(list []cube.Summary) []lock.Request {
	reqs := make([]lock.Request, len(list))
	for i, s := range list {
		reqs[i] = lock.Write(lock.CubeKey(s.Identity()))
	}
	return reqs
}

// lockSnapshots takes the version locks in keys together with a write lock
// on every SNAPSHOT cube of (app, ver), all in one ordered acquisition. The
// set is listed before locking and again after; when it changed in between
// the locks are dropped and the round repeats. Once the version lock is held
// no cube can join or leave the set.
func (m *Manager) lockSnapshots(ctx context.Context, app, ver string, keys []lock.Request) (func(), []cube.Summary, error) {
	filter := repository.Filter{App: app, Version: ver, Status: cube.StatusSnapshot}
	for {
		before, err := m.repo.List(ctx, filter)
		if err != nil {
			return nil, nil, err
		}
		reqs := append(append([]lock.Request(nil), keys...), cubeLocks(before)...)
		unlock, err := m.locks.Acquire(ctx, reqs...)
		if err != nil {
			return nil, nil, err
		}
		after, err := m.repo.List(ctx, filter)
		if err != nil {
			unlock()
			return nil, nil, err
		}
		if sameCubes(before, after) {
			return unlock, after, nil
		}
		unlock()
	}
}

func sameCubes(a, b []cube.Summary) bool {
	if len(a) != len(b) {
		return false
	}
	keys := make(map[string]bool, len(a))
	for _, s := range a {
		keys[lock.CubeKey(s.Identity())] = true
	}
	for _, s := range b {
		if !keys[lock.CubeKey(s.Identity())] {
			return false
		}
	}
	return true
}

// Release moves every SNAPSHOT cube of (app, ver) to RELEASE in one commit.
// When newSnapshot is set, fresh SNAPSHOT copies are created there in the
// same commit. Releasing an already released version is a no-op.
func (m *Manager) Release(ctx context.Context, app, ver, newSnapshot string) (*ReleaseResult, error) {
	if err := checkVersion(ver); err != nil {
		return nil, err
	}
	keys := []lock.Request{lock.Write(lock.VersionKey(app, ver))}
	if newSnapshot != "" {
		if err := checkVersion(newSnapshot); err != nil {
			return nil, err
		}
		if repository.CompareVersions(ver, newSnapshot) == 0 {
			return nil, cube.Errorf(cube.KindConflict, cube.ErrVersionConflict, "new snapshot version %s equals released version", newSnapshot)
		}
		keys = append(keys, lock.Write(lock.VersionKey(app, newSnapshot)))
	}

	unlock, snaps, err := m.lockSnapshots(ctx, app, ver, keys)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if len(snaps) == 0 {
		released, err := m.repo.List(ctx, repository.Filter{App: app, Version: ver, Status: cube.StatusRelease})
		if err != nil {
			return nil, err
		}
		if len(released) == 0 {
			return nil, cube.Errorf(cube.KindNotFound, cube.ErrCubeNotFound, "no cubes in %s/%s", app, ver)
		}
		return &ReleaseResult{App: app, Version: ver, Status: cube.StatusRelease, NoOp: true}, nil
	}

	if newSnapshot != "" {
		taken, err := m.repo.List(ctx, repository.Filter{App: app, Version: newSnapshot})
		if err != nil {
			return nil, err
		}
		if len(taken) > 0 {
			return nil, cube.Errorf(cube.KindConflict, cube.ErrVersionConflict, "version %s already exists in %s", newSnapshot, app)
		}
	}

	cubes, err := m.loadAll(ctx, snaps)
	if err != nil {
		return nil, err
	}

	var problems []Problem
	for _, c := range cubes {
		problems = append(problems, m.Check(c)...)
	}
	if len(problems) > 0 {
		return nil, aborted(app, ver, problems)
	}

	changes := make([]repository.Change, 0, len(cubes)*3)
	result := &ReleaseResult{App: app, Version: ver, Status: cube.StatusRelease, Snapshot: newSnapshot}
	for _, c := range cubes {
		rel := c.CloneAs(c.Identity.WithStatus(cube.StatusRelease))
		old := c.Identity
		changes = append(changes, repository.Change{Put: rel}, repository.Change{Delete: &old})
		result.Released = append(result.Released, rel.Summary())

		if newSnapshot != "" {
			snap := c.CloneAs(cube.Identity{App: app, Version: newSnapshot, Status: cube.StatusSnapshot, Name: c.Name})
			snap.ID = m.newID()
			changes = append(changes, repository.Change{Put: snap})
		}
	}
	if err := m.repo.Commit(ctx, changes); err != nil {
		return nil, err
	}
	return result, nil
}

func aborted(app, ver string, problems []Problem) error {
	seen := make(map[string]bool)
	var offenders, reasons []string
	for _, p := range problems {
		if !seen[p.Cube] {
			seen[p.Cube] = true
			offenders = append(offenders, p.Cube)
		}
		reasons = append(reasons, p.String())
	}
	return &cube.Error{
		Kind:   cube.KindInvalid,
		Err:    cube.ErrReleaseAborted,
		Detail: fmt.Sprintf("%s/%s: %s", app, ver, strings.Join(reasons, "; ")),
		Cubes:  offenders,
	}
}

// Check runs the pre-release validation of one cube: structural
// invariants, formula syntax, rule conditions, and self references
// naming axes the cube does not have. Cycles are not checked here.
func (m *Manager) Check(c *cube.Cube) []Problem {
	var out []Problem
	add := func(format string, args ...any) {
		out = append(out, Problem{Cube: c.Name, Reason: fmt.Sprintf(format, args...)})
	}

	if err := c.Validate(); err != nil {
		add("%v", err)
	}

	checkFormula := func(where, src string) {
		prog, err := m.programs.Get(src)
		if err != nil {
			add("%s: %v", where, err)
			return
		}
		for _, call := range prog.CubeCalls() {
			if !call.Self() {
				continue
			}
			for _, arg := range call.Args {
				if c.Axis(arg.Key) == nil {
					add("%s: self reference names unknown axis %q", where, arg.Key)
				}
			}
		}
	}

	c.EachCell(func(coord []int64, cell *cube.Cell) bool {
		if cell.IsExpression() {
			checkFormula("cell "+cube.CoordinateKey(coord), cell.Expr)
		}
		return true
	})
	if dc := c.DefaultCell(); dc != nil && dc.IsExpression() {
		checkFormula("default cell", dc.Expr)
	}
	for _, a := range c.Axes() {
		if !a.IsRuleAxis() {
			continue
		}
		for _, col := range a.Columns() {
			if col.Condition != "" {
				checkFormula(fmt.Sprintf("rule %s.%s", a.Name, col.Rule), col.Condition)
			}
		}
	}
	return out
}

// BumpSnapshot copies every RELEASE cube of (app, released) into a new
// SNAPSHOT set at newVersion. Column ids are preserved so formulas keep
// resolving.
func (m *Manager) BumpSnapshot(ctx context.Context, app, released, newVersion string) ([]cube.Summary, error) {
	if err := checkVersion(released); err != nil {
		return nil, err
	}
	if err := checkVersion(newVersion); err != nil {
		return nil, err
	}
	unlock, err := m.locks.Acquire(ctx,
		lock.Read(lock.VersionKey(app, released)),
		lock.Write(lock.VersionKey(app, newVersion)),
	)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rels, err := m.repo.List(ctx, repository.Filter{App: app, Version: released, Status: cube.StatusRelease})
	if err != nil {
		return nil, err
	}
	if len(rels) == 0 {
		return nil, cube.Errorf(cube.KindNotFound, cube.ErrCubeNotFound, "no released cubes in %s/%s", app, released)
	}
	taken, err := m.repo.List(ctx, repository.Filter{App: app, Version: newVersion})
	if err != nil {
		return nil, err
	}
	if len(taken) > 0 {
		return nil, cube.Errorf(cube.KindConflict, cube.ErrVersionConflict, "version %s already exists in %s", newVersion, app)
	}

	cubes, err := m.loadAll(ctx, rels)
	if err != nil {
		return nil, err
	}
	changes := make([]repository.Change, len(cubes))
	out := make([]cube.Summary, len(cubes))
	for i, c := range cubes {
		snap := c.CloneAs(cube.Identity{App: app, Version: newVersion, Status: cube.StatusSnapshot, Name: c.Name})
		snap.ID = m.newID()
		changes[i] = repository.Change{Put: snap}
		out[i] = snap.Summary()
	}
	if err := m.repo.Commit(ctx, changes); err != nil {
		return nil, err
	}
	return out, nil
}

// ChangeVersionValue renumbers every SNAPSHOT cube of (app, curr) to
// newVersion. It returns the number of cubes moved.
func (m *Manager) ChangeVersionValue(ctx context.Context, app, curr, newVersion string) (int, error) {
	if err := checkVersion(curr); err != nil {
		return 0, err
	}
	if err := checkVersion(newVersion); err != nil {
		return 0, err
	}
	if curr == newVersion {
		return 0, cube.Errorf(cube.KindConflict, cube.ErrVersionConflict, "version %s is unchanged", curr)
	}
	unlock, snaps, err := m.lockSnapshots(ctx, app, curr, []lock.Request{
		lock.Write(lock.VersionKey(app, curr)),
		lock.Write(lock.VersionKey(app, newVersion)),
	})
	if err != nil {
		return 0, err
	}
	defer unlock()

	taken, err := m.repo.List(ctx, repository.Filter{App: app, Version: newVersion})
	if err != nil {
		return 0, err
	}
	if len(taken) > 0 {
		return 0, cube.Errorf(cube.KindConflict, cube.ErrVersionConflict, "version %s already exists in %s", newVersion, app)
	}
	if len(snaps) == 0 {
		rels, err := m.repo.List(ctx, repository.Filter{App: app, Version: curr, Status: cube.StatusRelease})
		if err != nil {
			return 0, err
		}
		if len(rels) > 0 {
			return 0, &cube.Error{Kind: cube.KindImmutable, Err: cube.ErrCubeImmutable, Detail: fmt.Sprintf("%s/%s is released", app, curr)}
		}
		return 0, cube.Errorf(cube.KindNotFound, cube.ErrCubeNotFound, "no cubes in %s/%s", app, curr)
	}

	cubes, err := m.loadAll(ctx, snaps)
	if err != nil {
		return 0, err
	}
	changes := make([]repository.Change, 0, len(cubes)*2)
	for _, c := range cubes {
		old := c.Identity
		moved := c.CloneAs(cube.Identity{App: app, Version: newVersion, Status: cube.StatusSnapshot, Name: c.Name})
		changes = append(changes, repository.Change{Put: moved}, repository.Change{Delete: &old})
	}
	if err := m.repo.Commit(ctx, changes); err != nil {
		return 0, err
	}
	return len(cubes), nil
}
