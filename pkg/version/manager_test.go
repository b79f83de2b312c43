// ABOUTME: Tests for lifecycle transitions
// ABOUTME: Verifies atomic release, idempotence, aborts, bumps and renumbering

package version

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/cubestore/pkg/cube"
	"github.com/nainya/cubestore/pkg/lock"
	"github.com/nainya/cubestore/pkg/repository"
	"github.com/nainya/cubestore/pkg/repository/repotest"
)

func setupManager(t *testing.T, names ...string) (*Manager, repository.Repository) {
	t.Helper()
	repo := repository.NewMemory()
	t.Cleanup(func() { repo.Close() })
	for _, name := range names {
		if err := repo.Save(context.Background(), repotest.Sample(t, repotest.Identity("Acme", "1.0", name))); err != nil {
			t.Fatalf("Failed to save %s: %v", name, err)
		}
	}
	m := NewManager(repo, lock.NewTable(), nil)
	seq := 0
	m.newID = func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	}
	return m, repo
}

func list(t *testing.T, repo repository.Repository, ver string, st cube.Status) []cube.Summary {
	t.Helper()
	out, err := repo.List(context.Background(), repository.Filter{App: "Acme", Version: ver, Status: st})
	require.NoError(t, err)
	return out
}

func TestReleaseMovesWholeVersion(t *testing.T) {
	m, repo := setupManager(t, "X", "Y")
	ctx := context.Background()

	res, err := m.Release(ctx, "Acme", "1.0", "1.1")
	require.NoError(t, err)
	assert.False(t, res.NoOp)
	assert.Equal(t, cube.StatusRelease, res.Status)
	assert.Len(t, res.Released, 2)

	assert.Empty(t, list(t, repo, "1.0", cube.StatusSnapshot))
	rel := list(t, repo, "1.0", cube.StatusRelease)
	require.Len(t, rel, 2)
	next := list(t, repo, "1.1", cube.StatusSnapshot)
	require.Len(t, next, 2)

	// release keeps the cube id; the new snapshot gets a fresh one
	assert.Equal(t, "x-1.0", rel[0].ID)
	assert.Equal(t, "id-1", next[0].ID)
	assert.Equal(t, rel[0].SHA, next[0].SHA)

	loaded, err := repo.Load(ctx, rel[0].Identity())
	require.NoError(t, err)
	assert.False(t, loaded.Mutable())
}

func TestReleaseIsIdempotent(t *testing.T) {
	m, _ := setupManager(t, "X")
	ctx := context.Background()

	_, err := m.Release(ctx, "Acme", "1.0", "")
	require.NoError(t, err)

	res, err := m.Release(ctx, "Acme", "1.0", "")
	require.NoError(t, err)
	assert.True(t, res.NoOp)
	assert.Equal(t, cube.StatusRelease, res.Status)
}

func TestReleaseSucceedsWithUnevaluatedCycle(t *testing.T) {
	m, repo := setupManager(t, "X")
	ctx := context.Background()

	y := cube.New(repotest.Identity("Acme", "1.0", "Y"))
	_, err := y.AddAxis(cube.AxisSpec{Name: "K", Type: cube.TypeString})
	require.NoError(t, err)
	col, err := y.AddColumnText("K", "a")
	require.NoError(t, err)
	require.NoError(t, y.SetCell([]int64{col.ID}, cube.ExpressionCell("@[K: 'a']")))
	require.NoError(t, repo.Save(ctx, y))

	_, err = m.Release(ctx, "Acme", "1.0", "")
	require.NoError(t, err)
	assert.Len(t, list(t, repo, "1.0", cube.StatusRelease), 2)
}

func TestReleaseAbortsWholeBatch(t *testing.T) {
	m, repo := setupManager(t, "X")
	ctx := context.Background()

	bad := repotest.Sample(t, repotest.Identity("Acme", "1.0", "Bad"))
	require.NoError(t, bad.SetDefaultCell(cube.ExpressionCell("@[Country: 'US']")))
	require.NoError(t, repo.Save(ctx, bad))

	broken := repotest.Sample(t, repotest.Identity("Acme", "1.0", "Broken"))
	require.NoError(t, broken.SetDefaultCell(cube.ExpressionCell("1 +")))
	require.NoError(t, repo.Save(ctx, broken))

	_, err := m.Release(ctx, "Acme", "1.0", "1.1")
	require.Error(t, err)
	assert.ErrorIs(t, err, cube.ErrReleaseAborted)

	var ce *cube.Error
	require.ErrorAs(t, err, &ce)
	assert.ElementsMatch(t, []string{"Bad", "Broken"}, ce.Cubes)

	// nothing moved
	assert.Len(t, list(t, repo, "1.0", cube.StatusSnapshot), 3)
	assert.Empty(t, list(t, repo, "1.0", cube.StatusRelease))
	assert.Empty(t, list(t, repo, "1.1", cube.StatusAny))
}

func TestReleaseVersionConflict(t *testing.T) {
	m, repo := setupManager(t, "X")
	ctx := context.Background()
	require.NoError(t, repo.Save(ctx, repotest.Sample(t, repotest.Identity("Acme", "2.0", "Z"))))

	_, err := m.Release(ctx, "Acme", "1.0", "2.0")
	assert.ErrorIs(t, err, cube.ErrVersionConflict)
	assert.Len(t, list(t, repo, "1.0", cube.StatusSnapshot), 1)

	_, err = m.Release(ctx, "Acme", "1.0", "1.0.0")
	assert.ErrorIs(t, err, cube.ErrVersionConflict)
}

func TestReleaseRejectsBadInput(t *testing.T) {
	m, _ := setupManager(t, "X")
	ctx := context.Background()

	_, err := m.Release(ctx, "Acme", "one", "")
	assert.Equal(t, cube.KindInvalid, cube.KindOf(err))

	_, err = m.Release(ctx, "Acme", "9.9", "")
	assert.ErrorIs(t, err, cube.ErrCubeNotFound)
}

func TestReleaseHonoursCancellation(t *testing.T) {
	m, _ := setupManager(t, "X")

	hold, err := m.locks.Acquire(context.Background(), lock.Read(lock.VersionKey("Acme", "1.0")))
	require.NoError(t, err)
	defer hold()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Release(ctx, "Acme", "1.0", "")
	assert.Equal(t, cube.KindCancelled, cube.KindOf(err))
}

// An edit that holds a cube of the version and then waits on the target
// version must not be blocked by a release queued behind that cube.
func TestVersionMovesDoNotHoldTargetWhileWaitingOnCubes(t *testing.T) {
	moves := map[string]func(m *Manager) error{
		"release": func(m *Manager) error {
			_, err := m.Release(context.Background(), "Acme", "1.0", "2.0")
			return err
		},
		"renumber": func(m *Manager) error {
			_, err := m.ChangeVersionValue(context.Background(), "Acme", "1.0", "2.0")
			return err
		},
	}
	for name, move := range moves {
		t.Run(name, func(t *testing.T) {
			m, repo := setupManager(t, "X")

			src, err := m.locks.Acquire(context.Background(), lock.Read(lock.CubeKey(repotest.Identity("Acme", "1.0", "X"))))
			require.NoError(t, err)

			done := make(chan error, 1)
			go func() { done <- move(m) }()
			require.Eventually(t, func() bool { return m.locks.Len() >= 2 }, time.Second, 5*time.Millisecond)

			ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
			defer cancel()
			dst, err := m.locks.Acquire(ctx, lock.Read(lock.VersionKey("Acme", "2.0")))
			if err != nil {
				t.Fatalf("target version lock should be free while the move waits: %v", err)
			}
			dst()
			src()

			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(2 * time.Second):
				t.Fatal("move did not finish after the cube lock was released")
			}
			assert.Len(t, list(t, repo, "2.0", cube.StatusSnapshot), 1)
		})
	}
}

func TestBumpSnapshot(t *testing.T) {
	m, repo := setupManager(t, "X", "Y")
	ctx := context.Background()

	_, err := m.BumpSnapshot(ctx, "Acme", "1.0", "1.1")
	assert.ErrorIs(t, err, cube.ErrCubeNotFound)

	_, err = m.Release(ctx, "Acme", "1.0", "")
	require.NoError(t, err)

	out, err := m.BumpSnapshot(ctx, "Acme", "1.0", "1.1")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "SNAPSHOT", out[0].Status)

	x, err := repo.Load(ctx, repotest.Identity("Acme", "1.1", "X"))
	require.NoError(t, err)
	orig, err := repo.Load(ctx, cube.Identity{App: "Acme", Version: "1.0", Status: cube.StatusRelease, Name: "X"})
	require.NoError(t, err)
	assert.Equal(t, orig.Axis("State").Columns()[0].ID, x.Axis("State").Columns()[0].ID)
	assert.True(t, x.Mutable())

	_, err = m.BumpSnapshot(ctx, "Acme", "1.0", "1.1")
	assert.ErrorIs(t, err, cube.ErrVersionConflict)
}

func TestChangeVersionValue(t *testing.T) {
	m, repo := setupManager(t, "X", "Y")
	ctx := context.Background()

	n, err := m.ChangeVersionValue(ctx, "Acme", "1.0", "1.5")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, list(t, repo, "1.0", cube.StatusAny))
	moved := list(t, repo, "1.5", cube.StatusSnapshot)
	require.Len(t, moved, 2)
	assert.Equal(t, "x-1.0", moved[0].ID)

	require.NoError(t, repo.Save(ctx, repotest.Sample(t, repotest.Identity("Acme", "2.0", "Z"))))
	_, err = m.ChangeVersionValue(ctx, "Acme", "1.5", "2.0")
	assert.ErrorIs(t, err, cube.ErrVersionConflict)

	_, err = m.Release(ctx, "Acme", "1.5", "")
	require.NoError(t, err)
	_, err = m.ChangeVersionValue(ctx, "Acme", "1.5", "1.6")
	assert.ErrorIs(t, err, cube.ErrCubeImmutable)
}

func TestCheckReportsRuleConditions(t *testing.T) {
	m, _ := setupManager(t)
	c := cube.New(repotest.Identity("Acme", "1.0", "Rules"))
	_, err := c.AddAxis(cube.AxisSpec{Name: "Rule", Type: cube.TypeExpression})
	require.NoError(t, err)
	_, err = c.AddColumn("Rule", cube.RuleColumn("big", "input.amount >"))
	require.NoError(t, err)

	problems := m.Check(c)
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0].String(), "rule Rule.big")
}
