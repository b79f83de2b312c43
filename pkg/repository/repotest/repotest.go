// ABOUTME: Conformance suite every Repository adapter must pass
// ABOUTME: Exercises load/save, case-insensitive identity, filtering and atomic commits

package repotest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/cubestore/pkg/cube"
	"github.com/nainya/cubestore/pkg/repository"
)

// Factory opens a fresh, empty repository for one subtest
type Factory func(t *testing.T) repository.Repository

// Identity builds a SNAPSHOT identity in application app
func Identity(app, version, name string) cube.Identity {
	return cube.Identity{App: app, Version: version, Status: cube.StatusSnapshot, Name: name}
}

// Sample builds a small cube with one axis, two columns and a formula cell
func Sample(t *testing.T, id cube.Identity) *cube.Cube {
	t.Helper()
	c := cube.New(id)
	c.ID = id.NameKey() + "-" + id.Version
	_, err := c.AddAxis(cube.AxisSpec{Name: "State", Type: cube.TypeString, HasDefault: true})
	require.NoError(t, err)
	ca, err := c.AddColumnText("State", "CA")
	require.NoError(t, err)
	ny, err := c.AddColumnText("State", "NY")
	require.NoError(t, err)
	require.NoError(t, c.SetCell([]int64{ca.ID}, cube.LiteralCell(cube.Double(0.0725))))
	require.NoError(t, c.SetCell([]int64{ny.ID}, cube.ExpressionCell("@[State: 'CA'] + 0.01")))
	return c
}

// Run executes the suite
func Run(t *testing.T, open Factory) {
	ctx := context.Background()

	t.Run("SaveLoadRoundTrip", func(t *testing.T) {
		repo := open(t)
		c := Sample(t, Identity("Acme", "1.0.0", "Tax"))
		require.NoError(t, repo.Save(ctx, c))

		got, err := repo.Load(ctx, Identity("Acme", "1.0.0", "TAX"))
		require.NoError(t, err)
		assert.Equal(t, "Tax", got.Name)
		assert.Equal(t, c.ID, got.ID)
		assert.True(t, cube.StructurallyEqual(c, got))

		ok, err := repo.Exists(ctx, Identity("Acme", "1.0.0", "tax"))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("LoadMissing", func(t *testing.T) {
		repo := open(t)
		_, err := repo.Load(ctx, Identity("Acme", "1.0.0", "Nope"))
		require.Error(t, err)
		assert.ErrorIs(t, err, cube.ErrCubeNotFound)
		assert.Equal(t, cube.KindNotFound, cube.KindOf(err))

		ok, err := repo.Exists(ctx, Identity("Acme", "1.0.0", "Nope"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("SaveReplaces", func(t *testing.T) {
		repo := open(t)
		c := Sample(t, Identity("Acme", "1.0.0", "Tax"))
		require.NoError(t, repo.Save(ctx, c))
		require.NoError(t, c.SetDefaultCell(cube.LiteralCell(cube.Long(0))))
		require.NoError(t, repo.Save(ctx, c))

		got, err := repo.Load(ctx, c.Identity)
		require.NoError(t, err)
		require.NotNil(t, got.DefaultCell())
		list, err := repo.List(ctx, repository.Filter{})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, c.SHA(), list[0].SHA)
	})

	t.Run("LoadedCubeIsIndependent", func(t *testing.T) {
		repo := open(t)
		c := Sample(t, Identity("Acme", "1.0.0", "Tax"))
		require.NoError(t, repo.Save(ctx, c))

		got, err := repo.Load(ctx, c.Identity)
		require.NoError(t, err)
		_, err = got.AddColumnText("State", "TX")
		require.NoError(t, err)

		again, err := repo.Load(ctx, c.Identity)
		require.NoError(t, err)
		assert.Equal(t, 3, again.Axis("State").Len())
	})

	t.Run("Delete", func(t *testing.T) {
		repo := open(t)
		c := Sample(t, Identity("Acme", "1.0.0", "Tax"))
		require.NoError(t, repo.Save(ctx, c))

		deleted, err := repo.Delete(ctx, Identity("Acme", "1.0.0", "tax"))
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = repo.Delete(ctx, c.Identity)
		require.NoError(t, err)
		assert.False(t, deleted)

		_, err = repo.Load(ctx, c.Identity)
		assert.ErrorIs(t, err, cube.ErrCubeNotFound)
	})

	t.Run("ListFilters", func(t *testing.T) {
		repo := open(t)
		for _, id := range []cube.Identity{
			Identity("Acme", "1.0.0", "TaxRates"),
			Identity("Acme", "1.0.0", "TaxBrackets"),
			Identity("Acme", "1.0.0", "Shipping"),
			Identity("Acme", "1.1.0", "TaxRates"),
			Identity("Other", "1.0.0", "TaxRates"),
		} {
			require.NoError(t, repo.Save(ctx, Sample(t, id)))
		}
		rel := Sample(t, cube.Identity{App: "Acme", Version: "0.9.0", Status: cube.StatusRelease, Name: "TaxRates"})
		require.NoError(t, repo.Save(ctx, rel))

		all, err := repo.List(ctx, repository.Filter{})
		require.NoError(t, err)
		assert.Len(t, all, 6)

		tax, err := repo.List(ctx, repository.Filter{Pattern: "tax*", App: "Acme", Version: "1.0.0"})
		require.NoError(t, err)
		require.Len(t, tax, 2)
		assert.Equal(t, "TaxBrackets", tax[0].Name)
		assert.Equal(t, "TaxRates", tax[1].Name)
		assert.Equal(t, 1, tax[0].AxisCount)
		assert.Equal(t, 2, tax[0].CellCount)

		released, err := repo.List(ctx, repository.Filter{Status: cube.StatusRelease})
		require.NoError(t, err)
		require.Len(t, released, 1)
		assert.Equal(t, "RELEASE", released[0].Status)

		apps, err := repo.Applications(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"Acme", "Other"}, apps)

		versions, err := repo.Versions(ctx, "Acme", cube.StatusAny)
		require.NoError(t, err)
		assert.Equal(t, []string{"0.9.0", "1.0.0", "1.1.0"}, versions)

		snap, err := repo.Versions(ctx, "Acme", cube.StatusSnapshot)
		require.NoError(t, err)
		assert.Equal(t, []string{"1.0.0", "1.1.0"}, snap)
	})

	t.Run("CommitAppliesAll", func(t *testing.T) {
		repo := open(t)
		a := Sample(t, Identity("Acme", "1.0.0", "A"))
		b := Sample(t, Identity("Acme", "1.0.0", "B"))
		require.NoError(t, repo.Save(ctx, a))
		require.NoError(t, repo.Save(ctx, b))

		var changes []repository.Change
		for _, c := range []*cube.Cube{a, b} {
			rel := c.CloneAs(c.Identity.WithStatus(cube.StatusRelease))
			id := c.Identity
			changes = append(changes, repository.Change{Put: rel}, repository.Change{Delete: &id})
		}
		require.NoError(t, repo.Commit(ctx, changes))

		snap, err := repo.List(ctx, repository.Filter{Status: cube.StatusSnapshot})
		require.NoError(t, err)
		assert.Empty(t, snap)
		rel, err := repo.List(ctx, repository.Filter{Status: cube.StatusRelease})
		require.NoError(t, err)
		assert.Len(t, rel, 2)
	})

	t.Run("CommitCancelledWritesNothing", func(t *testing.T) {
		repo := open(t)
		a := Sample(t, Identity("Acme", "1.0.0", "A"))
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		err := repo.Commit(cctx, []repository.Change{{Put: a}})
		require.Error(t, err)

		ok, err := repo.Exists(ctx, a.Identity)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
