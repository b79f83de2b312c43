// ABOUTME: Repository contract for persisted cubes: per-cube save, transactional multi-cube commit
// ABOUTME: Shared filter matching, identity keys and version ordering for all adapters

package repository

import (
	"context"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/mod/semver"

	"github.com/nainya/cubestore/pkg/cube"
)

// Filter selects cubes in List. Empty fields match anything.
type Filter struct {
	// Pattern is a case-insensitive glob over cube names ("*", "?", "[...]")
	Pattern string
	App     string
	Version string
	Status  cube.Status
}

// Matches reports whether a summary passes the filter
func (f Filter) Matches(s cube.Summary) bool {
	if f.App != "" && f.App != s.App {
		return false
	}
	if f.Version != "" && f.Version != s.Version {
		return false
	}
	if f.Status != cube.StatusAny && f.Status.String() != s.Status {
		return false
	}
	return MatchName(f.Pattern, s.Name)
}

// MatchName applies a glob pattern to a cube name, ignoring case. A malformed
// pattern falls back to a substring match.
func MatchName(pattern, name string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || pattern == "*" {
		return true
	}
	p, n := strings.ToLower(pattern), strings.ToLower(name)
	ok, err := doublestar.Match(p, n)
	if err != nil {
		return strings.Contains(n, p)
	}
	return ok
}

// Change is one element of a transactional commit: either a Put or a Delete
type Change struct {
	Put    *cube.Cube
	Delete *cube.Identity
}

// Repository persists cubes keyed by (app, version, status, name). Names
// compare case-insensitively. Implementations must be safe for concurrent use.
type Repository interface {
	// Load returns the stored cube or an error wrapping cube.ErrCubeNotFound
	Load(ctx context.Context, id cube.Identity) (*cube.Cube, error)
	Exists(ctx context.Context, id cube.Identity) (bool, error)
	// Save writes one cube atomically, replacing any previous record
	Save(ctx context.Context, c *cube.Cube) error
	Delete(ctx context.Context, id cube.Identity) (bool, error)
	List(ctx context.Context, f Filter) ([]cube.Summary, error)
	Applications(ctx context.Context) ([]string, error)
	Versions(ctx context.Context, app string, status cube.Status) ([]string, error)
	// Commit applies every change or none of them
	Commit(ctx context.Context, changes []Change) error
	Close() error
}

// Key is the canonical string key for an identity
func Key(id cube.Identity) string {
	return id.App + "\x00" + id.Version + "\x00" + id.Status.String() + "\x00" + id.NameKey()
}

// NotFound builds the error adapters return for a missing cube
func NotFound(id cube.Identity) error {
	return &cube.Error{Kind: cube.KindNotFound, Err: cube.ErrCubeNotFound, Cube: id.String()}
}

// SortSummaries orders summaries by app, version, status then name
func SortSummaries(list []cube.Summary) {
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.App != b.App {
			return a.App < b.App
		}
		if a.Version != b.Version {
			return CompareVersions(a.Version, b.Version) < 0
		}
		if a.Status != b.Status {
			return a.Status < b.Status
		}
		return strings.ToLower(a.Name) < strings.ToLower(b.Name)
	})
}

// CanonicalVersion maps "1", "1.2" or "1.2.3" to the semver form "v1.2.3".
// It returns "" when v is not a valid version.
func CanonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return semver.Canonical(v)
}

// CompareVersions orders versions semantically; invalid versions sort last
// and compare lexically among themselves
func CompareVersions(a, b string) int {
	ca, cb := CanonicalVersion(a), CanonicalVersion(b)
	switch {
	case ca != "" && cb != "":
		if r := semver.Compare(ca, cb); r != 0 {
			return r
		}
	case ca != "":
		return -1
	case cb != "":
		return 1
	}
	return strings.Compare(a, b)
}

// SortVersions sorts versions in place, oldest first, and drops duplicates
func SortVersions(versions []string) []string {
	sort.Slice(versions, func(i, j int) bool { return CompareVersions(versions[i], versions[j]) < 0 })
	out := versions[:0]
	for _, v := range versions {
		if len(out) == 0 || out[len(out)-1] != v {
			out = append(out, v)
		}
	}
	return out
}
