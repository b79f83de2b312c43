package eval

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/cubestore/pkg/cube"
	"github.com/nainya/cubestore/pkg/repository"
)

type mapLoader struct {
	cubes map[string]*cube.Cube
	loads atomic.Int32
	delay time.Duration
}

func newMapLoader(cubes ...*cube.Cube) *mapLoader {
	l := &mapLoader{cubes: make(map[string]*cube.Cube)}
	for _, c := range cubes {
		l.cubes[repository.Key(c.Identity)] = c
	}
	return l
}

func (l *mapLoader) Load(ctx context.Context, id cube.Identity) (*cube.Cube, error) {
	l.loads.Add(1)
	if l.delay > 0 {
		select {
		case <-time.After(l.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c, ok := l.cubes[repository.Key(id)]
	if !ok {
		return nil, &cube.Error{Kind: cube.KindNotFound, Err: cube.ErrCubeNotFound, Cube: id.String()}
	}
	return c, nil
}

func ident(name string) cube.Identity {
	return cube.Identity{App: "Acme", Version: "1.0.0", Status: cube.StatusSnapshot, Name: name}
}

// oneAxis builds a cube with a STRING axis "Key" holding the given cells
func oneAxis(t *testing.T, name string, cells map[string]string) *cube.Cube {
	t.Helper()
	c := cube.New(ident(name))
	_, err := c.AddAxis(cube.AxisSpec{Name: "Key", Type: cube.TypeString})
	require.NoError(t, err)
	for key, text := range cells {
		col, err := c.AddColumnText("Key", key)
		require.NoError(t, err)
		require.NoError(t, c.SetCell([]int64{col.ID}, cube.ParseCellText(text)))
	}
	return c
}

func TestEvaluateLiteralAndFormula(t *testing.T) {
	rates := oneAxis(t, "Rates", map[string]string{"base": "10", "double": "=@[Key: 'base'] * 2"})
	ev := New(newMapLoader(rates), 0)

	res, err := ev.Evaluate(context.Background(), ident("Rates"), cube.Scope{"Key": cube.String("base")}, Options{})
	require.NoError(t, err)
	assert.True(t, res.Value.Equal(cube.Long(10)))

	res, err = ev.Evaluate(context.Background(), ident("rates"), cube.Scope{"key": cube.String("double")}, Options{})
	require.NoError(t, err)
	assert.True(t, res.Value.Equal(cube.Long(20)))
	assert.Equal(t, 2, res.Hops)
}

func TestEvaluateCrossCube(t *testing.T) {
	tax := oneAxis(t, "Tax", map[string]string{"CA": "0.1", "NY": "0.2"})
	price := cube.New(ident("Price"))
	_, err := price.AddAxis(cube.AxisSpec{Name: "Item", Type: cube.TypeString})
	require.NoError(t, err)
	col, err := price.AddColumnText("Item", "book")
	require.NoError(t, err)
	require.NoError(t, price.SetCell([]int64{col.ID}, cube.ExpressionCell("input.amount * (1 + $Tax[Key: input.state])")))

	ev := New(newMapLoader(tax, price), 0)
	scope := cube.Scope{"Item": cube.String("book"), "amount": cube.Long(100), "state": cube.String("NY")}
	res, err := ev.Evaluate(context.Background(), ident("Price"), scope, Options{})
	require.NoError(t, err)
	assert.InDelta(t, 120.0, res.Value.Float(), 1e-9)
}

func TestEvaluateSelfCycle(t *testing.T) {
	a := oneAxis(t, "A", map[string]string{"x": "=@A[Key: 'x'] + 1"})
	ev := New(newMapLoader(a), 0)

	done := make(chan error, 1)
	go func() {
		_, err := ev.Evaluate(context.Background(), ident("A"), cube.Scope{"Key": cube.String("x")}, Options{})
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, cube.ErrCyclicReference)
		assert.Equal(t, cube.KindResolution, cube.KindOf(err))
		var ce *cube.Error
		require.True(t, errors.As(err, &ce))
		require.Len(t, ce.Chain, 2)
		assert.Equal(t, ce.Chain[0], ce.Chain[1])
	case <-time.After(5 * time.Second):
		t.Fatal("self-referential evaluation did not terminate")
	}
}

func TestEvaluateIndirectCycle(t *testing.T) {
	a := oneAxis(t, "A", map[string]string{"x": "=$B[Key: 'y']"})
	b := oneAxis(t, "B", map[string]string{"y": "=$A[Key: 'x']"})
	ev := New(newMapLoader(a, b), 0)

	_, err := ev.Evaluate(context.Background(), ident("A"), cube.Scope{"Key": cube.String("x")}, Options{})
	assert.ErrorIs(t, err, cube.ErrCyclicReference)
	var ce *cube.Error
	require.True(t, errors.As(err, &ce))
	assert.Len(t, ce.Chain, 3)
	assert.Contains(t, err.Error(), "via ")
}

func TestEvaluateCarriesChainOnResolutionFailure(t *testing.T) {
	a := oneAxis(t, "A", map[string]string{"x": "=$B[Key: 'missing']"})
	b := oneAxis(t, "B", map[string]string{"y": "1"})
	ev := New(newMapLoader(a, b), 0)

	_, err := ev.Evaluate(context.Background(), ident("A"), cube.Scope{"Key": cube.String("x")}, Options{})
	assert.ErrorIs(t, err, cube.ErrScopeResolutionFailed)
	var ce *cube.Error
	require.True(t, errors.As(err, &ce))
	require.Len(t, ce.Chain, 2)
	assert.Contains(t, ce.Chain[0].Cube, "/A")
	assert.Contains(t, ce.Chain[1].Cube, "/B")
}

func TestEvaluateMissingCube(t *testing.T) {
	a := oneAxis(t, "A", map[string]string{"x": "=$Gone[Key: 'x']"})
	ev := New(newMapLoader(a), 0)

	_, err := ev.Evaluate(context.Background(), ident("A"), cube.Scope{"Key": cube.String("x")}, Options{})
	assert.ErrorIs(t, err, cube.ErrCubeNotFound)
	assert.Equal(t, cube.KindNotFound, cube.KindOf(err))
}

func TestEvaluateMemoizePerCall(t *testing.T) {
	base := oneAxis(t, "Base", map[string]string{"v": "=1 + 1"})
	top := oneAxis(t, "Top", map[string]string{"sum": "=$Base[Key: 'v'] + $Base[Key: 'v'] + $Base[Key: 'v']"})
	ev := New(newMapLoader(base, top), 0)
	scope := cube.Scope{"Key": cube.String("sum")}

	plain, err := ev.Evaluate(context.Background(), ident("Top"), scope, Options{})
	require.NoError(t, err)
	memo, err := ev.Evaluate(context.Background(), ident("Top"), scope, Options{Memoize: true})
	require.NoError(t, err)

	assert.True(t, plain.Value.Equal(cube.Long(6)))
	assert.True(t, memo.Value.Equal(cube.Long(6)))
	assert.Equal(t, 4, plain.Hops)
	assert.Equal(t, 2, memo.Hops)
}

func TestEvaluateTimeout(t *testing.T) {
	a := oneAxis(t, "A", map[string]string{"x": "=$B[Key: 'y']"})
	b := oneAxis(t, "B", map[string]string{"y": "1"})
	loader := newMapLoader(a, b)
	ev := New(LoaderFunc(func(ctx context.Context, id cube.Identity) (*cube.Cube, error) {
		if id.Name == "B" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return loader.Load(ctx, id)
	}), 0)

	_, err := ev.Evaluate(context.Background(), ident("A"), cube.Scope{"Key": cube.String("x")}, Options{Timeout: 20 * time.Millisecond})
	assert.ErrorIs(t, err, cube.ErrEvaluationTimeout)
	assert.True(t, cube.KindOf(err).Retryable())
}

func TestEvaluateCancelled(t *testing.T) {
	a := oneAxis(t, "A", map[string]string{"x": "1"})
	ev := New(newMapLoader(a), 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ev.Evaluate(ctx, ident("A"), cube.Scope{"Key": cube.String("x")}, Options{})
	assert.ErrorIs(t, err, cube.ErrEvaluationCancelled)
	assert.Equal(t, cube.KindCancelled, cube.KindOf(err))
}

func TestEvaluateRuleAxisConditions(t *testing.T) {
	c := cube.New(ident("Discount"))
	_, err := c.AddAxis(cube.AxisSpec{Name: "Rule", Type: cube.TypeExpression, HasDefault: true})
	require.NoError(t, err)
	big, err := c.AddColumnText("Rule", "big: input.total >= 1000")
	require.NoError(t, err)
	mid, err := c.AddColumnText("Rule", "mid: input.total >= 100")
	require.NoError(t, err)
	require.NoError(t, c.SetCell([]int64{big.ID}, cube.LiteralCell(cube.Double(0.2))))
	require.NoError(t, c.SetCell([]int64{mid.ID}, cube.LiteralCell(cube.Double(0.1))))
	require.NoError(t, c.SetCell([]int64{c.Axis("Rule").DefaultColumn().ID}, cube.LiteralCell(cube.Double(0))))

	ev := New(newMapLoader(c), 0)
	for total, want := range map[int64]float64{5000: 0.2, 500: 0.1, 5: 0} {
		res, err := ev.Evaluate(context.Background(), ident("Discount"), cube.Scope{"total": cube.Long(total)}, Options{})
		require.NoError(t, err)
		assert.Equal(t, want, res.Value.Float(), "total=%d", total)
	}
}

func TestEvaluateDefaultColumnRecursionIsCyclic(t *testing.T) {
	c := cube.New(ident("Count"))
	_, err := c.AddAxis(cube.AxisSpec{Name: "N", Type: cube.TypeLong, HasDefault: true})
	require.NoError(t, err)
	zero, err := c.AddColumnText("N", "0")
	require.NoError(t, err)
	require.NoError(t, c.SetCell([]int64{zero.ID}, cube.LiteralCell(cube.Long(0))))
	require.NoError(t, c.SetCell([]int64{c.Axis("N").DefaultColumn().ID}, cube.ExpressionCell("1 + @[N: N - 1]")))

	ev := New(newMapLoader(c), 0)
	res, err := ev.Evaluate(context.Background(), ident("Count"), cube.Scope{"N": cube.Long(1)}, Options{})
	require.NoError(t, err)
	assert.True(t, res.Value.Equal(cube.Long(1)))

	// N=3 re-enters the default column coordinate before reaching 0
	_, err = ev.Evaluate(context.Background(), ident("Count"), cube.Scope{"N": cube.Long(3)}, Options{})
	assert.ErrorIs(t, err, cube.ErrCyclicReference)
}

func TestEvaluateDepthLimit(t *testing.T) {
	names := []string{"C0", "C1", "C2", "C3", "C4", "C5"}
	var cubes []*cube.Cube
	for i, name := range names {
		text := "1"
		if i+1 < len(names) {
			text = "=$" + names[i+1] + "[Key: 'k'] + 1"
		}
		cubes = append(cubes, oneAxis(t, name, map[string]string{"k": text}))
	}

	res, err := New(newMapLoader(cubes...), 0).Evaluate(context.Background(), ident("C0"), cube.Scope{"Key": cube.String("k")}, Options{})
	require.NoError(t, err)
	assert.True(t, res.Value.Equal(cube.Long(6)))

	_, err = New(newMapLoader(cubes...), 3).Evaluate(context.Background(), ident("C0"), cube.Scope{"Key": cube.String("k")}, Options{})
	assert.ErrorIs(t, err, cube.ErrEvaluationFailed)
}
