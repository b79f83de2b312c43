package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/cubestore/internal/config"
	"github.com/nainya/cubestore/internal/logger"
	"github.com/nainya/cubestore/pkg/repository"
)

// TestRootCommand tests that every subcommand is registered
func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "cubestore" {
		t.Errorf("expected Use 'cubestore', got %q", rootCmd.Use)
	}
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
		if c.RunE == nil {
			t.Errorf("%s: RunE should not be nil", c.Name())
		}
	}
	for _, want := range []string{"serve", "list", "release", "eval", "health"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}

func TestCommandArgs(t *testing.T) {
	assert.Error(t, releaseCmd.Args(releaseCmd, []string{"Acme"}))
	assert.NoError(t, releaseCmd.Args(releaseCmd, []string{"Acme", "1.0.0", "1.1.0"}))
	assert.Error(t, evalCmd.Args(evalCmd, []string{"Acme", "1.0.0"}))
	assert.Error(t, serveCmd.Args(serveCmd, []string{"extra"}))
}

func TestParseScope(t *testing.T) {
	scope, err := parseScope([]string{"State=CA", "age=42", "rate=0.5", "vip=true"})
	require.NoError(t, err)
	assert.Equal(t, "CA", scope["State"])
	assert.Equal(t, int64(42), scope["age"])
	assert.Equal(t, 0.5, scope["rate"])
	assert.Equal(t, true, scope["vip"])

	_, err = parseScope([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseScope([]string{"=x"})
	assert.Error(t, err)
}

func TestOpenRepository(t *testing.T) {
	repo, err := openRepository(config.StoreConfig{Driver: config.DriverMemory}, logger.Nop())
	require.NoError(t, err)
	assert.IsType(t, &repository.Memory{}, repo)
	require.NoError(t, repo.Close())

	repo, err = openRepository(config.StoreConfig{Driver: config.DriverSQLite, Path: t.TempDir() + "/cubes.db"}, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	_, err = openRepository(config.StoreConfig{Driver: "mongo"}, logger.Nop())
	assert.Error(t, err)
}
