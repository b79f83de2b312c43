package engine

import (
	"context"
	"errors"
	"time"

	"github.com/nainya/cubestore/pkg/cube"
	"github.com/nainya/cubestore/pkg/lock"
	"github.com/nainya/cubestore/pkg/repository"
)

// ListCubes returns the summaries matching f
func (e *Engine) ListCubes(ctx context.Context, f repository.Filter) ([]cube.Summary, error) {
	start := time.Now()
	list, err := e.repo.List(ctx, f)
	e.log.LogRepoOperation("list", time.Since(start), len(list), err)
	if e.metrics != nil {
		e.metrics.RecordRepoOperation("list", repoStatus(err), time.Since(start))
	}
	return list, err
}

// GetCube returns the document form of a cube. A zero status prefers the
// SNAPSHOT cube and falls back to RELEASE.
func (e *Engine) GetCube(ctx context.Context, id cube.Identity) (*cube.Document, error) {
	c, err := e.view(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.Document(), nil
}

// ListApplications returns every application with at least one cube
func (e *Engine) ListApplications(ctx context.Context) ([]string, error) {
	return e.repo.Applications(ctx)
}

// ListVersions returns the versions of app, oldest first
func (e *Engine) ListVersions(ctx context.Context, app string, status cube.Status) ([]string, error) {
	return e.repo.Versions(ctx, app, status)
}

// CreateCube stores a new, empty SNAPSHOT cube and returns its id
func (e *Engine) CreateCube(ctx context.Context, id cube.Identity) (string, error) {
	start := time.Now()
	id, err := writable(id)
	if err != nil {
		return "", e.finish("createCube", id, start, err)
	}
	unlock, err := e.acquire(ctx, lock.Read(lock.VersionKey(id.App, id.Version)), lock.Write(lock.CubeKey(id)))
	if err != nil {
		return "", e.finish("createCube", id, start, err)
	}
	defer unlock()

	if err := e.checkOpen(ctx, id.App, id.Version); err != nil {
		return "", e.finish("createCube", id, start, err)
	}
	if err := e.checkAbsent(ctx, id); err != nil {
		return "", e.finish("createCube", id, start, err)
	}
	c := cube.New(id)
	c.ID = e.newID()
	if err := e.save(ctx, c); err != nil {
		return "", e.finish("createCube", id, start, err)
	}
	return c.ID, e.finish("createCube", id, start, nil)
}

func (e *Engine) checkAbsent(ctx context.Context, id cube.Identity) error {
	ok, err := e.repo.Exists(ctx, id)
	if err != nil {
		return err
	}
	if ok {
		return &cube.Error{Kind: cube.KindConflict, Err: cube.ErrTargetAlreadyExists, Cube: id.String()}
	}
	return nil
}

// DeleteCube removes a SNAPSHOT cube. It reports false when there was
// nothing to delete.
func (e *Engine) DeleteCube(ctx context.Context, id cube.Identity) (bool, error) {
	start := time.Now()
	implied := id.Status == cube.StatusAny
	id, err := writable(id)
	if err != nil {
		return false, e.finish("deleteCube", id, start, err)
	}
	unlock, err := e.acquire(ctx, lock.Read(lock.VersionKey(id.App, id.Version)), lock.Write(lock.CubeKey(id)))
	if err != nil {
		return false, e.finish("deleteCube", id, start, err)
	}
	defer unlock()

	ok, err := e.repo.Delete(ctx, id)
	if err == nil && !ok {
		notFound := &cube.Error{Kind: cube.KindNotFound, Err: cube.ErrCubeNotFound, Cube: id.String()}
		if rerr := e.releasedInstead(ctx, implied, id, notFound); !errors.Is(rerr, cube.ErrCubeNotFound) {
			return false, e.finish("deleteCube", id, start, rerr)
		}
	}
	e.graph.Invalidate(id)
	return ok, e.finish("deleteCube", id, start, err)
}

// RenameCube gives a SNAPSHOT cube a new name within its version. The cube
// keeps its id; changing only the letter case is allowed.
func (e *Engine) RenameCube(ctx context.Context, id cube.Identity, newName string) error {
	start := time.Now()
	implied := id.Status == cube.StatusAny
	id, err := writable(id)
	if err == nil {
		err = checkName(newName)
	}
	if err != nil {
		return e.finish("renameCube", id, start, err)
	}
	target := id
	target.Name = newName
	unlock, err := e.acquire(ctx,
		lock.Read(lock.VersionKey(id.App, id.Version)),
		lock.Write(lock.CubeKey(id)),
		lock.Write(lock.CubeKey(target)),
	)
	if err != nil {
		return e.finish("renameCube", id, start, err)
	}
	defer unlock()

	c, err := e.load(ctx, id)
	if err != nil {
		return e.finish("renameCube", id, start, e.releasedInstead(ctx, implied, id, err))
	}
	sameKey := target.NameKey() == id.NameKey()
	if !sameKey {
		if err := e.checkAbsent(ctx, target); err != nil {
			return e.finish("renameCube", id, start, err)
		}
	}
	renamed := c.CloneAs(target)
	changes := []repository.Change{{Put: renamed}}
	if !sameKey {
		old := c.Identity
		changes = append(changes, repository.Change{Delete: &old})
	}
	err = e.repo.Commit(ctx, changes)
	e.graph.Invalidate(id)
	return e.finish("renameCube", id, start, err)
}

// DuplicateCube copies src, of any status, to a new SNAPSHOT cube dst and
// returns the new id
func (e *Engine) DuplicateCube(ctx context.Context, src, dst cube.Identity) (string, error) {
	start := time.Now()
	dst, err := writable(dst)
	if err != nil {
		return "", e.finish("duplicateCube", dst, start, err)
	}
	if src, err = e.resolve(ctx, src); err != nil {
		return "", e.finish("duplicateCube", dst, start, err)
	}
	if src.Same(dst) {
		err := &cube.Error{Kind: cube.KindConflict, Err: cube.ErrTargetAlreadyExists, Cube: dst.String()}
		return "", e.finish("duplicateCube", dst, start, err)
	}
	unlock, err := e.acquire(ctx,
		lock.Read(lock.CubeKey(src)),
		lock.Read(lock.VersionKey(dst.App, dst.Version)),
		lock.Write(lock.CubeKey(dst)),
	)
	if err != nil {
		return "", e.finish("duplicateCube", dst, start, err)
	}
	defer unlock()

	if err := e.checkOpen(ctx, dst.App, dst.Version); err != nil {
		return "", e.finish("duplicateCube", dst, start, err)
	}
	if err := e.checkAbsent(ctx, dst); err != nil {
		return "", e.finish("duplicateCube", dst, start, err)
	}
	c, err := e.load(ctx, src)
	if err != nil {
		return "", e.finish("duplicateCube", dst, start, err)
	}
	cp := c.CloneAs(dst)
	cp.ID = e.newID()
	if err := e.save(ctx, cp); err != nil {
		return "", e.finish("duplicateCube", dst, start, err)
	}
	return cp.ID, e.finish("duplicateCube", dst, start, nil)
}

// ImportCube stores a cube given in document form, replacing any SNAPSHOT
// cube with the same identity. The document is checked against every cube
// invariant first.
func (e *Engine) ImportCube(ctx context.Context, doc *cube.Document) (string, error) {
	start := time.Now()
	c, err := cube.FromDocument(doc)
	if err != nil {
		id := cube.Identity{App: doc.App, Version: doc.Version, Name: doc.Name}
		return "", e.finish("importCube", id, start, err)
	}
	id, err := writable(c.Identity)
	if err != nil {
		return "", e.finish("importCube", id, start, err)
	}
	c.Identity = id
	unlock, err := e.acquire(ctx, lock.Read(lock.VersionKey(id.App, id.Version)), lock.Write(lock.CubeKey(id)))
	if err != nil {
		return "", e.finish("importCube", id, start, err)
	}
	defer unlock()

	if err := e.checkOpen(ctx, id.App, id.Version); err != nil {
		return "", e.finish("importCube", id, start, err)
	}
	if c.ID == "" {
		if prev, err := e.repo.Load(ctx, id); err == nil {
			c.ID = prev.ID
		} else {
			c.ID = e.newID()
		}
	}
	if err := e.save(ctx, c); err != nil {
		return "", e.finish("importCube", id, start, err)
	}
	return c.ID, e.finish("importCube", id, start, nil)
}
