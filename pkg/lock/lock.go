// ABOUTME: Keyed reader/writer locks with context-aware acquisition
// ABOUTME: Multi-key requests are taken in lexicographic order so concurrent batches cannot deadlock

package lock

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/nainya/cubestore/pkg/cube"
)

// writerWeight is the full capacity of one key's semaphore; a writer takes
// all of it, a reader takes one unit
const writerWeight = 1 << 30

// Mode selects shared or exclusive access
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

// Request asks for one key in one mode
type Request struct {
	Key  string
	Mode Mode
}

func Read(key string) Request  { return Request{Key: key, Mode: Shared} }
func Write(key string) Request { return Request{Key: key, Mode: Exclusive} }

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// Table holds one weighted semaphore per live key. Entries are dropped when
// no holder or waiter references them.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewTable() *Table {
	return &Table{entries: make(map[string]*entry)}
}

func (t *Table) ref(key string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(writerWeight)}
		t.entries[key] = e
	}
	e.refs++
	return e
}

func (t *Table) unref(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[key]
	if e.refs--; e.refs == 0 {
		delete(t.entries, key)
	}
}

func weight(m Mode) int64 {
	if m == Exclusive {
		return writerWeight
	}
	return 1
}

// normalize sorts requests by key and merges duplicates, exclusive winning
func normalize(reqs []Request) []Request {
	merged := make(map[string]Mode, len(reqs))
	for _, r := range reqs {
		if m, ok := merged[r.Key]; !ok || r.Mode > m {
			merged[r.Key] = r.Mode
		}
	}
	out := make([]Request, 0, len(merged))
	for k, m := range merged {
		out = append(out, Request{Key: k, Mode: m})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Acquire takes every requested key in key order and returns a function that
// releases them all. On failure nothing stays held and the context error is
// classified as Timeout or Cancelled.
func (t *Table) Acquire(ctx context.Context, reqs ...Request) (func(), error) {
	type heldKey struct {
		key string
		e   *entry
		w   int64
	}
	reqs = normalize(reqs)
	held := make([]heldKey, 0, len(reqs))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			h := held[i]
			h.e.sem.Release(h.w)
			t.unref(h.key)
		}
		held = held[:0]
	}

	for _, r := range reqs {
		e, w := t.ref(r.Key), weight(r.Mode)
		if err := e.sem.Acquire(ctx, w); err != nil {
			t.unref(r.Key)
			release()
			return nil, cube.LockWaitError(err)
		}
		held = append(held, heldKey{key: r.Key, e: e, w: w})
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

// Len reports the number of keys currently held or awaited
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// VersionKey names the lock covering one (app, version) set
func VersionKey(app, version string) string {
	return app + "\x00" + version
}

// CubeKey names the lock of one cube. It sorts after the VersionKey of the
// cube's own set.
func CubeKey(id cube.Identity) string {
	return VersionKey(id.App, id.Version) + "\x00" + id.Status.String() + "\x00" + id.NameKey()
}
