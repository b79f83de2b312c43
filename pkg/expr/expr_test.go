// ABOUTME: Tests for formula parsing, evaluation and static analysis
// ABOUTME: Uses a map-backed Env that records cube calls

package expr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/cubestore/pkg/cube"
)

type fakeEnv struct {
	scope cube.Scope
	calls []string
	reply cube.Value
}

func (e *fakeEnv) Input(key string) (cube.Value, bool) { return e.scope.Get(key) }
func (e *fakeEnv) Scope() cube.Scope                   { return e.scope }

func (e *fakeEnv) Invoke(call *CubeCall, scope cube.Scope) (cube.Value, error) {
	e.calls = append(e.calls, call.Cube+"{"+scope.String()+"}")
	return e.reply, nil
}

func eval(t *testing.T, src string, scope cube.Scope) cube.Value {
	t.Helper()
	prog, err := Parse(src)
	require.NoError(t, err, src)
	v, err := prog.Eval(&fakeEnv{scope: scope})
	require.NoError(t, err, src)
	return v
}

func TestEvalArithmeticAndLogic(t *testing.T) {
	scope := cube.Scope{"age": cube.Long(30), "rate": cube.Double(0.5), "state": cube.String("CA")}

	tests := []struct {
		src  string
		want cube.Value
	}{
		{"1 + 2 * 3", cube.Long(7)},
		{"(1 + 2) * 3", cube.Long(9)},
		{"7 / 2", cube.Double(3.5)},
		{"8 / 2", cube.Long(4)},
		{"7 % 4", cube.Long(3)},
		{"-input.age + 1", cube.Long(-29)},
		{"age * rate", cube.Double(15)},
		{"input.age >= 18 && state == 'CA'", cube.Bool(true)},
		{"age < 18 || !true", cube.Bool(false)},
		{"age > 65 ? 'senior' : 'adult'", cube.String("adult")},
		{`"x" + 1`, cube.String("x1")},
		{"max(1, age, 12)", cube.Long(30)},
		{"min(3.5, 2)", cube.Long(2)},
		{"abs(-4)", cube.Long(4)},
		{"round(2.346, 2)", cube.Double(2.35)},
		{"round(2.5)", cube.Long(3)},
		{"upper(state) + lower('AB')", cube.String("CAab")},
		{"len('hello')", cube.Long(5)},
		{"missing == null", cube.Bool(true)},
		{"1.5e2", cube.Double(150)},
	}
	for _, tt := range tests {
		got := eval(t, tt.src, scope)
		assert.True(t, got.Equal(tt.want), "%s = %s, want %s", tt.src, got, tt.want)
	}
}

func TestEvalErrors(t *testing.T) {
	for _, src := range []string{"1 / 0", "'a' - 1", "abs('x')", "-'x'"} {
		prog, err := Parse(src)
		require.NoError(t, err, src)
		_, err = prog.Eval(&fakeEnv{scope: cube.Scope{}})
		assert.ErrorIs(t, err, cube.ErrEvaluationFailed, src)
	}
}

func TestParseErrors(t *testing.T) {
	for _, src := range []string{"1 +", "(1", "'open", "foo(1)", "@", "@X[a 1]", "1 2", "#"} {
		_, err := Parse(src)
		if err == nil {
			t.Fatalf("expected syntax error for %q", src)
		}
		if !errors.Is(err, cube.ErrExpressionSyntax) {
			t.Errorf("%q: expected ErrExpressionSyntax, got %v", src, err)
		}
		if cube.KindOf(err) != cube.KindInvalid {
			t.Errorf("%q: expected invalid kind, got %s", src, cube.KindOf(err))
		}
	}
}

func TestCubeCallScopes(t *testing.T) {
	env := &fakeEnv{scope: cube.Scope{"state": cube.String("CA"), "age": cube.Long(40)}, reply: cube.Long(2)}

	prog, err := Parse("@Rates[age: input.age + 1] * $Tax[state: 'NY'] + @[state: 'TX']")
	require.NoError(t, err)
	v, err := prog.Eval(env)
	require.NoError(t, err)
	assert.True(t, v.Equal(cube.Long(6)))

	assert.Equal(t, []string{
		"Rates{age: 41, state: CA}",
		"Tax{state: NY}",
		"{age: 40, state: TX}",
	}, env.calls)
}

func TestStaticAnalysis(t *testing.T) {
	prog, err := Parse("input.Age > 10 ? @Rates[Plan: 'gold'] : $rates[] + @Fees + @[x: Region] + max(Extra, 1)")
	require.NoError(t, err)

	assert.Equal(t, []string{"Fees", "Rates"}, prog.ReferencedCubes())
	assert.Equal(t, []string{"Age", "Extra", "Region"}, prog.InputRefs())
	assert.Len(t, prog.CubeCalls(), 4)
}

func TestCacheReturnsSameProgram(t *testing.T) {
	c := NewCache(2)
	a, err := c.Get("1 + 1")
	require.NoError(t, err)
	b, err := c.Get("1 + 1")
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = c.Get("1 +")
	assert.ErrorIs(t, err, cube.ErrExpressionSyntax)
}
