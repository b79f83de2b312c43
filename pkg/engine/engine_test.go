package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/cubestore/internal/logger"
	"github.com/nainya/cubestore/internal/metrics"
	"github.com/nainya/cubestore/pkg/cube"
	"github.com/nainya/cubestore/pkg/eval"
	"github.com/nainya/cubestore/pkg/lock"
	"github.com/nainya/cubestore/pkg/repository"
)

func snap(name string) cube.Identity {
	return cube.Identity{App: "Acme", Version: "1.0.0", Name: name}
}

func newEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	seq := 0
	opts = append([]Option{WithIDGenerator(func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	})}, opts...)
	e := New(repository.NewMemory(), DefaultConfig(), opts...)
	t.Cleanup(func() { e.Close() })
	return e
}

// ratesCube creates "Rates" with a State axis: CA=0.1, NY=0.2
func ratesCube(t *testing.T, e *Engine) map[string]int64 {
	t.Helper()
	ctx := context.Background()
	_, err := e.CreateCube(ctx, snap("Rates"))
	require.NoError(t, err)
	_, err = e.AddAxis(ctx, snap("Rates"), cube.AxisSpec{Name: "State", Type: cube.TypeString})
	require.NoError(t, err)
	cols := make(map[string]int64)
	for state, rate := range map[string]string{"CA": "0.1", "NY": "0.2"} {
		id, err := e.AddColumn(ctx, snap("Rates"), "State", state)
		require.NoError(t, err)
		require.NoError(t, e.UpdateCell(ctx, snap("Rates"), []int64{id}, rate))
		cols[state] = id
	}
	return cols
}

func TestCreateCube(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	id, err := e.CreateCube(ctx, snap("Rates"))
	require.NoError(t, err)
	assert.Equal(t, "id-1", id)

	doc, err := e.GetCube(ctx, snap("rates"))
	require.NoError(t, err)
	assert.Equal(t, "SNAPSHOT", doc.Status)
	assert.Equal(t, "Rates", doc.Name)

	_, err = e.CreateCube(ctx, snap("RATES"))
	assert.ErrorIs(t, err, cube.ErrTargetAlreadyExists)

	_, err = e.CreateCube(ctx, snap("9lives"))
	assert.ErrorIs(t, err, cube.ErrInvalidArgument)
	assert.Equal(t, cube.KindInvalid, cube.KindOf(err))

	_, err = e.CreateCube(ctx, cube.Identity{App: "Acme", Version: "one", Name: "Rates"})
	assert.ErrorIs(t, err, cube.ErrInvalidArgument)

	rel := snap("Other")
	rel.Status = cube.StatusRelease
	_, err = e.CreateCube(ctx, rel)
	assert.ErrorIs(t, err, cube.ErrCubeImmutable)
}

func TestEditAndEvaluate(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	cols := ratesCube(t, e)

	text, err := e.GetCell(ctx, snap("Rates"), []int64{cols["CA"]})
	require.NoError(t, err)
	assert.Equal(t, "0.1", text)

	coord, err := e.SetCellAt(ctx, snap("Rates"), cube.Scope{"State": cube.String("NY")}, "=@[State: 'CA'] * 3")
	require.NoError(t, err)
	assert.Equal(t, []int64{cols["NY"]}, coord)

	res, err := e.Evaluate(ctx, snap("Rates"), cube.Scope{"State": cube.String("NY")}, eval.Options{})
	require.NoError(t, err)
	assert.InDelta(t, 0.3, res.Value.Float(), 1e-9)
	assert.Equal(t, 2, res.Hops)

	_, err = e.Evaluate(ctx, snap("Rates"), cube.Scope{"State": cube.String("TX")}, eval.Options{})
	assert.ErrorIs(t, err, cube.ErrCoordinateNotFound)

	require.NoError(t, e.UpdateCell(ctx, snap("Rates"), []int64{cols["CA"]}, ""))
	_, err = e.GetCell(ctx, snap("Rates"), []int64{cols["CA"]})
	assert.ErrorIs(t, err, cube.ErrCellNotFound)
}

func TestCrossCubeEvaluation(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	ratesCube(t, e)

	_, err := e.CreateCube(ctx, snap("Tax"))
	require.NoError(t, err)
	require.NoError(t, e.SetDefaultCell(ctx, snap("Tax"), "=input.amount * @Rates[]"))

	scope := cube.Scope{"State": cube.String("CA"), "amount": cube.Long(200)}
	res, err := e.Evaluate(ctx, snap("Tax"), scope, eval.Options{Memoize: true})
	require.NoError(t, err)
	assert.InDelta(t, 20.0, res.Value.Float(), 1e-9)

	refs, err := e.ReferencesFrom(ctx, snap("Tax"))
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "Rates", refs[0].Name)

	refs, err = e.ReferencesTo(ctx, snap("Rates"))
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "Tax", refs[0].Name)

	req, err := e.RequiredScope(ctx, snap("Rates"))
	require.NoError(t, err)
	assert.Equal(t, []string{"State"}, req)

	opt, err := e.OptionalScope(ctx, snap("Tax"))
	require.NoError(t, err)
	assert.Equal(t, []string{"amount"}, opt)

	vis, err := e.Visualize(ctx, snap("Tax"), 0)
	require.NoError(t, err)
	assert.Len(t, vis.Nodes, 2)
	assert.Len(t, vis.Edges, 1)
}

func TestUpdateAxisDuplicateNameLeavesCubeUnchanged(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	_, err := e.CreateCube(ctx, snap("Pricing"))
	require.NoError(t, err)
	_, err = e.AddAxis(ctx, snap("Pricing"), cube.AxisSpec{Name: "Age", Type: cube.TypeLong, Sorted: true})
	require.NoError(t, err)
	_, err = e.AddAxis(ctx, snap("Pricing"), cube.AxisSpec{Name: "Region", Type: cube.TypeString, HasDefault: true})
	require.NoError(t, err)
	before, err := e.GetCube(ctx, snap("Pricing"))
	require.NoError(t, err)

	err = e.UpdateAxis(ctx, snap("Pricing"), "Age", cube.AxisUpdate{Name: "Region", Sorted: true})
	assert.ErrorIs(t, err, cube.ErrDuplicateAxisName)

	after, err := e.GetCube(ctx, snap("Pricing"))
	require.NoError(t, err)
	assert.Equal(t, before.SHA, after.SHA)
	axes, err := e.GetAxes(ctx, snap("Pricing"))
	require.NoError(t, err)
	require.Len(t, axes, 2)
	assert.Equal(t, "Age", axes[0].Name)

	axis, err := e.GetAxis(ctx, snap("Pricing"), "region")
	require.NoError(t, err)
	assert.True(t, axis.HasDefault)
	_, err = e.GetAxis(ctx, snap("Pricing"), "Missing")
	assert.ErrorIs(t, err, cube.ErrAxisNotFound)
}

func TestColumnEditing(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	cols := ratesCube(t, e)

	require.NoError(t, e.UpdateColumnCell(ctx, snap("Rates"), cols["NY"], "NJ"))
	res, err := e.Evaluate(ctx, snap("Rates"), cube.Scope{"State": cube.String("NJ")}, eval.Options{})
	require.NoError(t, err)
	assert.InDelta(t, 0.2, res.Value.Float(), 1e-9)

	err = e.UpdateColumnCell(ctx, snap("Rates"), cols["NY"], "CA")
	assert.ErrorIs(t, err, cube.ErrDuplicateColumnValue)

	require.NoError(t, e.UpdateAxisColumns(ctx, snap("Rates"), "State", []cube.ColumnDef{
		{ID: cols["CA"], Text: "CA"},
		{Text: "TX"},
	}))
	axis, err := e.GetAxis(ctx, snap("Rates"), "State")
	require.NoError(t, err)
	assert.Len(t, axis.Columns, 2)
	doc, err := e.GetCube(ctx, snap("Rates"))
	require.NoError(t, err)
	assert.Len(t, doc.Cells, 1)

	require.NoError(t, e.DeleteColumn(ctx, snap("Rates"), cols["CA"]))
	require.NoError(t, e.DeleteAxis(ctx, snap("Rates"), "State"))
	axes, err := e.GetAxes(ctx, snap("Rates"))
	require.NoError(t, err)
	assert.Empty(t, axes)
}

func TestFailedEditIsNotPersisted(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	cols := ratesCube(t, e)
	before, err := e.GetCube(ctx, snap("Rates"))
	require.NoError(t, err)

	err = e.UpdateCell(ctx, snap("Rates"), []int64{cols["CA"], 999}, "1")
	require.Error(t, err)
	err = e.UpdateAxisColumns(ctx, snap("Rates"), "State", []cube.ColumnDef{{Text: "CA"}, {Text: "CA"}})
	require.Error(t, err)

	after, err := e.GetCube(ctx, snap("Rates"))
	require.NoError(t, err)
	assert.Equal(t, before.SHA, after.SHA)
}

func TestDuplicateRoundTrip(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	ratesCube(t, e)

	id, err := e.DuplicateCube(ctx, snap("Rates"), snap("RatesCopy"))
	require.NoError(t, err)

	src, err := e.GetCube(ctx, snap("Rates"))
	require.NoError(t, err)
	dup, err := e.GetCube(ctx, snap("RatesCopy"))
	require.NoError(t, err)
	assert.Equal(t, id, dup.ID)
	assert.NotEqual(t, src.ID, dup.ID)
	assert.Equal(t, src.SHA, dup.SHA)

	a, err := cube.FromDocument(src)
	require.NoError(t, err)
	b, err := cube.FromDocument(dup)
	require.NoError(t, err)
	assert.True(t, cube.StructurallyEqual(a, b))

	_, err = e.DuplicateCube(ctx, snap("Rates"), snap("ratescopy"))
	assert.ErrorIs(t, err, cube.ErrTargetAlreadyExists)
	_, err = e.DuplicateCube(ctx, snap("Nope"), snap("Other"))
	assert.ErrorIs(t, err, cube.ErrCubeNotFound)
}

func TestRenameCube(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	ratesCube(t, e)
	_, err := e.CreateCube(ctx, snap("Limits"))
	require.NoError(t, err)

	require.NoError(t, e.RenameCube(ctx, snap("Rates"), "Tariffs"))
	_, err = e.GetCube(ctx, snap("Rates"))
	assert.ErrorIs(t, err, cube.ErrCubeNotFound)
	doc, err := e.GetCube(ctx, snap("Tariffs"))
	require.NoError(t, err)
	assert.Equal(t, "id-1", doc.ID)

	// case-only rename keeps the record
	require.NoError(t, e.RenameCube(ctx, snap("Tariffs"), "TARIFFS"))
	doc, err = e.GetCube(ctx, snap("tariffs"))
	require.NoError(t, err)
	assert.Equal(t, "TARIFFS", doc.Name)

	err = e.RenameCube(ctx, snap("Tariffs"), "limits")
	assert.ErrorIs(t, err, cube.ErrTargetAlreadyExists)
	err = e.RenameCube(ctx, snap("Tariffs"), "bad name")
	assert.ErrorIs(t, err, cube.ErrInvalidArgument)
}

func TestDeleteCube(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	_, err := e.CreateCube(ctx, snap("Rates"))
	require.NoError(t, err)

	ok, err := e.DeleteCube(ctx, snap("Rates"))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = e.DeleteCube(ctx, snap("Rates"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReleaseLifecycle(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	ratesCube(t, e)

	res, err := e.Release(ctx, "Acme", "1.0.0", "1.1.0")
	require.NoError(t, err)
	assert.Len(t, res.Released, 1)

	again, err := e.Release(ctx, "Acme", "1.0.0", "")
	require.NoError(t, err)
	assert.True(t, again.NoOp)
	assert.Equal(t, cube.StatusRelease, again.Status)

	// the zero status falls back to the released cube
	doc, err := e.GetCube(ctx, snap("Rates"))
	require.NoError(t, err)
	assert.Equal(t, "RELEASE", doc.Status)

	rel := snap("Rates")
	rel.Status = cube.StatusRelease
	_, err = e.AddAxis(ctx, rel, cube.AxisSpec{Name: "Year", Type: cube.TypeLong})
	assert.ErrorIs(t, err, cube.ErrCubeImmutable)
	assert.Equal(t, cube.KindImmutable, cube.KindOf(err))
	_, err = e.CreateCube(ctx, snap("Late"))
	assert.ErrorIs(t, err, cube.ErrCubeImmutable)

	next := cube.Identity{App: "Acme", Version: "1.1.0", Name: "Rates"}
	_, err = e.AddAxis(ctx, next, cube.AxisSpec{Name: "Year", Type: cube.TypeLong, HasDefault: true})
	require.NoError(t, err)

	_, err = e.DuplicateCube(ctx, rel, cube.Identity{App: "Acme", Version: "2.0.0", Name: "Rates"})
	require.NoError(t, err)

	versions, err := e.ListVersions(ctx, "Acme", cube.StatusSnapshot)
	require.NoError(t, err)
	assert.Equal(t, []string{"1.1.0", "2.0.0"}, versions)
	apps, err := e.ListApplications(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Acme"}, apps)

	list, err := e.ListCubes(ctx, repository.Filter{Pattern: "rat*", Status: cube.StatusRelease})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "1.0.0", list[0].Version)
}

func TestEditWithoutStatusOnReleasedCube(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	cols := ratesCube(t, e)
	_, err := e.Release(ctx, "Acme", "1.0.0", "")
	require.NoError(t, err)

	edits := map[string]func() error{
		"addAxis": func() error {
			_, err := e.AddAxis(ctx, snap("Rates"), cube.AxisSpec{Name: "Year", Type: cube.TypeLong})
			return err
		},
		"deleteAxis": func() error { return e.DeleteAxis(ctx, snap("Rates"), "State") },
		"updateCell": func() error { return e.UpdateCell(ctx, snap("Rates"), []int64{cols["CA"]}, "0.3") },
		"renameCube": func() error { return e.RenameCube(ctx, snap("Rates"), "Tariffs") },
		"deleteCube": func() error {
			_, err := e.DeleteCube(ctx, snap("Rates"))
			return err
		},
	}
	for name, edit := range edits {
		err := edit()
		if !errors.Is(err, cube.ErrCubeImmutable) {
			t.Fatalf("%s: expected ErrCubeImmutable, got %v", name, err)
		}
		assert.Equal(t, cube.KindImmutable, cube.KindOf(err), name)
	}

	// a name that exists nowhere is still reported as missing
	err = e.UpdateCell(ctx, snap("Missing"), []int64{1}, "1")
	assert.ErrorIs(t, err, cube.ErrCubeNotFound)
	ok, err := e.DeleteCube(ctx, snap("Missing"))
	require.NoError(t, err)
	assert.False(t, ok)

	doc, err := e.GetCube(ctx, snap("Rates"))
	require.NoError(t, err)
	assert.Equal(t, "RELEASE", doc.Status)
	assert.Len(t, doc.Axes, 1)
}

func TestReleaseIgnoresUnevaluatedCycle(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	_, err := e.CreateCube(ctx, snap("Loop"))
	require.NoError(t, err)
	require.NoError(t, e.SetDefaultCell(ctx, snap("Loop"), "=@Loop[] + 1"))

	_, err = e.Release(ctx, "Acme", "1.0.0", "")
	require.NoError(t, err)

	_, err = e.Evaluate(ctx, snap("Loop"), cube.Scope{}, eval.Options{})
	assert.ErrorIs(t, err, cube.ErrCyclicReference)
}

func TestBumpAndRenumber(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	ratesCube(t, e)

	n, err := e.ChangeVersionValue(ctx, "Acme", "1.0.0", "1.0.1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = e.Release(ctx, "Acme", "1.0.1", "")
	require.NoError(t, err)
	_, err = e.ChangeVersionValue(ctx, "Acme", "1.0.1", "1.0.2")
	assert.ErrorIs(t, err, cube.ErrCubeImmutable)

	list, err := e.BumpSnapshot(ctx, "Acme", "1.0.1", "1.1.0")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "SNAPSHOT", list[0].Status)
}

func TestImportCube(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	ratesCube(t, e)

	doc, err := e.GetCube(ctx, snap("Rates"))
	require.NoError(t, err)
	doc.Name = "Imported"
	doc.ID = ""
	id, err := e.ImportCube(ctx, doc)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	got, err := e.GetCube(ctx, snap("Imported"))
	require.NoError(t, err)
	assert.Equal(t, doc.SHA, got.SHA)

	doc.Status = "RELEASE"
	_, err = e.ImportCube(ctx, doc)
	assert.ErrorIs(t, err, cube.ErrCubeImmutable)

	doc.Status = "SNAPSHOT"
	doc.Cells = append(doc.Cells, cube.CellDocument{Coordinate: []int64{123456}, Expr: "1"})
	_, err = e.ImportCube(ctx, doc)
	assert.ErrorIs(t, err, cube.ErrInvariantViolation)
}

func TestEvaluationWaitsForEdit(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	ratesCube(t, e)

	id := snap("Rates")
	id.Status = cube.StatusSnapshot
	unlock, err := e.locks.Acquire(ctx, lock.Write(lock.CubeKey(id)))
	require.NoError(t, err)

	_, err = e.Evaluate(ctx, snap("Rates"), cube.Scope{"State": cube.String("CA")}, eval.Options{Timeout: 30 * time.Millisecond})
	assert.ErrorIs(t, err, cube.ErrEvaluationTimeout)
	assert.Equal(t, cube.KindTimeout, cube.KindOf(err))

	unlock()
	res, err := e.Evaluate(ctx, snap("Rates"), cube.Scope{"State": cube.String("CA")}, eval.Options{})
	require.NoError(t, err)
	assert.InDelta(t, 0.1, res.Value.Float(), 1e-9)
}

func TestLoggingAndMetrics(t *testing.T) {
	var buf bytes.Buffer
	reg := prometheus.NewRegistry()
	e := newEngine(t,
		WithLogger(logger.NewLogger(logger.Config{Level: "debug", Output: &buf})),
		WithMetrics(metrics.NewMetricsWith(reg)),
	)
	ctx := context.Background()
	ratesCube(t, e)
	_, err := e.AddAxis(ctx, snap("Rates"), cube.AxisSpec{Name: "state", Type: cube.TypeString})
	require.Error(t, err)

	out := buf.String()
	assert.Contains(t, out, `"operation":"addAxis"`)
	assert.Contains(t, out, `"msg":"operation failed"`)
	assert.Contains(t, out, `"kind":"conflict"`)

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() != "cubestore_cube_mutations_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			var labels []string
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetValue())
			}
			if strings.Join(labels, ",") == "addAxis,error" {
				found = true
				assert.Equal(t, 1.0, m.GetCounter().GetValue())
			}
		}
	}
	assert.True(t, found, "expected a failed addAxis mutation to be counted")
}
