// ABOUTME: Engine façade exposing every cube operation to controllers
// ABOUTME: Wires repository, lock table, evaluator, reference graph and release manager

package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nainya/cubestore/internal/logger"
	"github.com/nainya/cubestore/internal/metrics"
	"github.com/nainya/cubestore/pkg/cube"
	"github.com/nainya/cubestore/pkg/eval"
	"github.com/nainya/cubestore/pkg/expr"
	"github.com/nainya/cubestore/pkg/lock"
	"github.com/nainya/cubestore/pkg/refgraph"
	"github.com/nainya/cubestore/pkg/repository"
	"github.com/nainya/cubestore/pkg/version"
)

// Config tunes the engine
type Config struct {
	// MaxDepth bounds cube-call recursion during evaluation
	MaxDepth int
	// EvalTimeout applies to evaluations that carry no timeout of their own
	EvalTimeout time.Duration
	// LockTimeout bounds the wait for cube locks; zero waits on ctx alone
	LockTimeout time.Duration
	// VisualDepth is the default depth of reference visualizations
	VisualDepth int
	// ProgramCacheSize bounds the compiled formula cache (0 uses the default)
	ProgramCacheSize int
}

// DefaultConfig returns the settings used when none are given
func DefaultConfig() Config {
	return Config{
		MaxDepth:    64,
		EvalTimeout: 30 * time.Second,
		LockTimeout: 10 * time.Second,
		VisualDepth: refgraph.DefaultVisualDepth,
	}
}

// Option customizes an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(l *logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMetrics enables Prometheus instrumentation
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithIDGenerator replaces the uuid generator used for new cube ids
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// Engine serves cube operations over a repository. It is safe for
// concurrent use; edits to one cube are serialized while reads and
// evaluations proceed in parallel.
type Engine struct {
	repo     repository.Repository
	locks    *lock.Table
	eval     *eval.Evaluator
	graph    *refgraph.Graph
	versions *version.Manager

	cfg     Config
	log     *logger.Logger
	metrics *metrics.Metrics
	newID   func() string
}

// New creates an engine over repo
func New(repo repository.Repository, cfg Config, opts ...Option) *Engine {
	if cfg.VisualDepth <= 0 {
		cfg.VisualDepth = refgraph.DefaultVisualDepth
	}
	programs := expr.NewCache(cfg.ProgramCacheSize)
	locks := lock.NewTable()
	e := &Engine{
		repo:     repo,
		locks:    locks,
		graph:    refgraph.New(repo, programs),
		versions: version.NewManager(repo, locks, programs),
		cfg:      cfg,
		log:      logger.Nop(),
		newID:    uuid.NewString,
	}
	e.eval = eval.NewWithCache(eval.LoaderFunc(e.loadShared), cfg.MaxDepth, programs)
	for _, opt := range opts {
		opt(e)
	}
	e.versions.SetIDGenerator(e.newID)
	if e.metrics != nil {
		e.metrics.RegisterCacheStats(
			func() int64 { return e.graph.Stats().Hits },
			func() int64 { return e.graph.Stats().Misses },
		)
	}
	return e
}

// Close releases the repository
func (e *Engine) Close() error {
	return e.repo.Close()
}

// Stats reports reference cache counters
func (e *Engine) Stats() refgraph.Stats {
	return e.graph.Stats()
}

// acquire takes locks, bounded by the configured lock timeout
func (e *Engine) acquire(ctx context.Context, reqs ...lock.Request) (func(), error) {
	if e.cfg.LockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.LockTimeout)
		defer cancel()
	}
	start := time.Now()
	unlock, err := e.locks.Acquire(ctx, reqs...)
	if e.metrics != nil {
		e.metrics.LockWaitDuration.Observe(time.Since(start).Seconds())
	}
	return unlock, err
}

// loadShared loads one cube under a shared lock. It is also the
// evaluator's loader, so evaluation waits for in-flight edits.
func (e *Engine) loadShared(ctx context.Context, id cube.Identity) (*cube.Cube, error) {
	unlock, err := e.acquire(ctx, lock.Read(lock.CubeKey(id)))
	if err != nil {
		return nil, err
	}
	defer unlock()
	return e.load(ctx, id)
}

// load reads a cube, reporting stored cubes that fail their invariants
func (e *Engine) load(ctx context.Context, id cube.Identity) (*cube.Cube, error) {
	start := time.Now()
	c, err := e.repo.Load(ctx, id)
	if e.metrics != nil {
		e.metrics.RecordRepoOperation("load", repoStatus(err), time.Since(start))
	}
	if cube.KindOf(err) == cube.KindInvariant {
		e.log.EngineLogger("load", id.String()).Error("stored cube violates invariants").
			Bool("fatal_for_cube", true).Err(err).Send()
	}
	return c, err
}

func (e *Engine) save(ctx context.Context, c *cube.Cube) error {
	start := time.Now()
	err := e.repo.Save(ctx, c)
	if e.metrics != nil {
		e.metrics.RecordRepoOperation("save", repoStatus(err), time.Since(start))
	}
	e.graph.Invalidate(c.Identity)
	return err
}

func repoStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, cube.ErrCubeNotFound):
		return "not_found"
	}
	return "error"
}

// resolve fills in the status of an identity that names none, preferring
// the SNAPSHOT cube
func (e *Engine) resolve(ctx context.Context, id cube.Identity) (cube.Identity, error) {
	if err := checkIdentity(id); err != nil {
		return id, err
	}
	if id.Status != cube.StatusAny {
		return id, nil
	}
	snap := id.WithStatus(cube.StatusSnapshot)
	ok, err := e.repo.Exists(ctx, snap)
	if err != nil {
		return id, err
	}
	if ok {
		return snap, nil
	}
	return id.WithStatus(cube.StatusRelease), nil
}

// view loads a cube for reading
func (e *Engine) view(ctx context.Context, id cube.Identity) (*cube.Cube, error) {
	id, err := e.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.loadShared(ctx, id)
}

// mutate applies fn to a fresh copy of a SNAPSHOT cube and saves it only
// when fn succeeds, so a failed edit leaves the stored cube untouched
func (e *Engine) mutate(ctx context.Context, op string, id cube.Identity, fn func(c *cube.Cube) error) error {
	start := time.Now()
	implied := id.Status == cube.StatusAny
	id, err := writable(id)
	if err != nil {
		return e.finish(op, id, start, err)
	}
	unlock, err := e.acquire(ctx, lock.Read(lock.VersionKey(id.App, id.Version)), lock.Write(lock.CubeKey(id)))
	if err != nil {
		return e.finish(op, id, start, err)
	}
	defer unlock()

	c, err := e.load(ctx, id)
	if err != nil {
		return e.finish(op, id, start, e.releasedInstead(ctx, implied, id, err))
	}
	if err := fn(c); err != nil {
		return e.finish(op, id, start, err)
	}
	return e.finish(op, id, start, e.save(ctx, c))
}

// releasedInstead reports ErrCubeImmutable instead of ErrCubeNotFound when
// the status was omitted and the name only exists as a RELEASE cube. The
// caller holds the version lock, so the answer cannot change underneath it.
func (e *Engine) releasedInstead(ctx context.Context, implied bool, id cube.Identity, err error) error {
	if !implied || !errors.Is(err, cube.ErrCubeNotFound) {
		return err
	}
	rel := id.WithStatus(cube.StatusRelease)
	ok, xerr := e.repo.Exists(ctx, rel)
	if xerr != nil || !ok {
		return err
	}
	return &cube.Error{
		Kind:   cube.KindImmutable,
		Err:    cube.ErrCubeImmutable,
		Cube:   rel.String(),
		Detail: "released; duplicate it into a SNAPSHOT to edit",
	}
}

// finish logs and counts the outcome of a mutation
func (e *Engine) finish(op string, id cube.Identity, start time.Time, err error) error {
	log := e.log.EngineLogger(op, id.String())
	if err != nil {
		log.Error("operation failed").
			Str("kind", cube.KindOf(err).String()).
			Dur("duration_ms", time.Since(start)).
			Err(err).Send()
	} else {
		log.Debug("operation completed").Dur("duration_ms", time.Since(start)).Send()
	}
	if e.metrics != nil {
		e.metrics.RecordMutation(op, err)
	}
	return err
}

// checkOpen rejects new cubes in a version that has been released
func (e *Engine) checkOpen(ctx context.Context, app, ver string) error {
	released, err := e.repo.List(ctx, repository.Filter{App: app, Version: ver, Status: cube.StatusRelease})
	if err != nil {
		return err
	}
	if len(released) > 0 {
		return cube.Errorf(cube.KindImmutable, cube.ErrCubeImmutable, "%s/%s is released", app, ver)
	}
	return nil
}
