// ABOUTME: In-memory Repository adapter
// ABOUTME: Stores encoded records so loaded cubes never alias stored state

package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/nainya/cubestore/pkg/cube"
)

type memRecord struct {
	summary cube.Summary
	data    []byte
}

// Memory is a Repository backed by a map
type Memory struct {
	mu      sync.RWMutex
	records map[string]memRecord
	codec   *Codec
}

// NewMemory creates an empty in-memory repository
func NewMemory() *Memory {
	return &Memory{records: make(map[string]memRecord), codec: MustCodec(false)}
}

func (m *Memory) Load(ctx context.Context, id cube.Identity) (*cube.Cube, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	rec, ok := m.records[Key(id)]
	m.mu.RUnlock()
	if !ok {
		return nil, NotFound(id)
	}
	return m.codec.Decode(rec.data)
}

func (m *Memory) Exists(ctx context.Context, id cube.Identity) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[Key(id)]
	return ok, nil
}

func (m *Memory) encode(c *cube.Cube) (memRecord, error) {
	data, err := m.codec.Encode(c)
	if err != nil {
		return memRecord{}, err
	}
	return memRecord{summary: c.Summary(), data: data}, nil
}

func (m *Memory) Save(ctx context.Context, c *cube.Cube) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, err := m.encode(c)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.records[Key(c.Identity)] = rec
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(ctx context.Context, id cube.Identity) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := Key(id)
	if _, ok := m.records[key]; !ok {
		return false, nil
	}
	delete(m.records, key)
	return true, nil
}

func (m *Memory) List(ctx context.Context, f Filter) ([]cube.Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []cube.Summary
	for _, rec := range m.records {
		if f.Matches(rec.summary) {
			out = append(out, rec.summary)
		}
	}
	SortSummaries(out)
	return out, nil
}

func (m *Memory) Applications(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	var apps []string
	for _, rec := range m.records {
		if !seen[rec.summary.App] {
			seen[rec.summary.App] = true
			apps = append(apps, rec.summary.App)
		}
	}
	sort.Strings(apps)
	return apps, nil
}

func (m *Memory) Versions(ctx context.Context, app string, status cube.Status) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var versions []string
	for _, rec := range m.records {
		if rec.summary.App != app {
			continue
		}
		if status != cube.StatusAny && rec.summary.Status != status.String() {
			continue
		}
		versions = append(versions, rec.summary.Version)
	}
	return SortVersions(versions), nil
}

// Commit encodes every change up front, then applies them under one lock
func (m *Memory) Commit(ctx context.Context, changes []Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	puts := make(map[string]memRecord)
	for _, ch := range changes {
		if ch.Put == nil {
			continue
		}
		rec, err := m.encode(ch.Put)
		if err != nil {
			return err
		}
		puts[Key(ch.Put.Identity)] = rec
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range changes {
		switch {
		case ch.Put != nil:
			m.records[Key(ch.Put.Identity)] = puts[Key(ch.Put.Identity)]
		case ch.Delete != nil:
			delete(m.records, Key(*ch.Delete))
		}
	}
	return nil
}

func (m *Memory) Close() error {
	m.codec.Close()
	return nil
}
