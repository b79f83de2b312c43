// ABOUTME: BadgerDB-backed Repository adapter
// ABOUTME: One document and one summary record per cube; release batches commit in one transaction

package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/nainya/cubestore/pkg/cube"
	"github.com/nainya/cubestore/pkg/repository"
)

// Config configures the store
type Config struct {
	// Path is the data directory; ignored when InMemory
	Path       string
	InMemory   bool
	SyncWrites bool
	// Compress stores documents zstd-compressed
	Compress bool
	// Logger receives badger's internal log lines; nil silences them
	Logger *zerolog.Logger
}

// DefaultConfig returns durable settings for a data directory
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true, Compress: true}
}

// InMemoryConfig returns settings for tests
func InMemoryConfig() Config {
	return Config{InMemory: true, Compress: true}
}

type badgerLogger struct {
	log *zerolog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msgf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn().Msgf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug().Msgf(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Trace().Msgf(format, args...)
}

// Store implements repository.Repository on BadgerDB
type Store struct {
	db    *badger.DB
	codec *repository.Codec
}

var _ repository.Repository = (*Store)(nil)

// Open opens (or creates) a store
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{log: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	codec, err := repository.NewCodec(cfg.Compress)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, codec: codec}, nil
}

func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := s.db.NewTransaction(true)
	defer txn.Discard()
	if err := fn(txn); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return txn.Commit()
}

func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func (s *Store) Load(ctx context.Context, id cube.Identity) (*cube.Cube, error) {
	var data []byte
	err := s.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(identityKey(prefixCube, id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, repository.NotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", id, err)
	}
	return s.codec.Decode(data)
}

func (s *Store) Exists(ctx context.Context, id cube.Identity) (bool, error) {
	err := s.view(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(identityKey(prefixSummary, id))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) put(txn *badger.Txn, c *cube.Cube) error {
	data, err := s.codec.Encode(c)
	if err != nil {
		return err
	}
	summary, err := json.Marshal(c.Summary())
	if err != nil {
		return err
	}
	if err := txn.Set(identityKey(prefixCube, c.Identity), data); err != nil {
		return err
	}
	return txn.Set(identityKey(prefixSummary, c.Identity), summary)
}

func (s *Store) del(txn *badger.Txn, id cube.Identity) error {
	if err := txn.Delete(identityKey(prefixCube, id)); err != nil {
		return err
	}
	return txn.Delete(identityKey(prefixSummary, id))
}

func (s *Store) Save(ctx context.Context, c *cube.Cube) error {
	return s.update(ctx, func(txn *badger.Txn) error { return s.put(txn, c) })
}

func (s *Store) Delete(ctx context.Context, id cube.Identity) (bool, error) {
	found := false
	err := s.update(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(identityKey(prefixSummary, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return s.del(txn, id)
	})
	return found, err
}

// scan visits every summary under the key prefix built from parts
func (s *Store) scan(ctx context.Context, fn func(cube.Summary), parts ...string) error {
	prefix := encodeKey(prefixSummary, parts...)
	return s.view(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var sum cube.Summary
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sum)
			})
			if err != nil {
				return fmt.Errorf("decoding summary %x: %w", it.Item().Key(), err)
			}
			fn(sum)
		}
		return nil
	})
}

func (s *Store) List(ctx context.Context, f repository.Filter) ([]cube.Summary, error) {
	var parts []string
	if f.App != "" {
		parts = append(parts, f.App)
		if f.Version != "" {
			parts = append(parts, f.Version)
		}
	}
	var out []cube.Summary
	err := s.scan(ctx, func(sum cube.Summary) {
		if f.Matches(sum) {
			out = append(out, sum)
		}
	}, parts...)
	if err != nil {
		return nil, err
	}
	repository.SortSummaries(out)
	return out, nil
}

func (s *Store) Applications(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var apps []string
	err := s.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte{prefixSummary}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			_, parts, err := decodeKey(it.Item().Key())
			if err != nil {
				return err
			}
			if len(parts) > 0 && !seen[parts[0]] {
				seen[parts[0]] = true
				apps = append(apps, parts[0])
			}
		}
		return nil
	})
	sort.Strings(apps)
	return apps, err
}

func (s *Store) Versions(ctx context.Context, app string, status cube.Status) ([]string, error) {
	var versions []string
	err := s.scan(ctx, func(sum cube.Summary) {
		if status == cube.StatusAny || sum.Status == status.String() {
			versions = append(versions, sum.Version)
		}
	}, app)
	if err != nil {
		return nil, err
	}
	return repository.SortVersions(versions), nil
}

// Commit applies all changes in a single badger transaction
func (s *Store) Commit(ctx context.Context, changes []repository.Change) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		for _, ch := range changes {
			switch {
			case ch.Put != nil:
				if err := s.put(txn, ch.Put); err != nil {
					return err
				}
			case ch.Delete != nil:
				if err := s.del(txn, *ch.Delete); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if errors.Is(err, badger.ErrTxnTooBig) {
		return &cube.Error{Kind: cube.KindInvalid, Err: cube.ErrInvalidArgument, Cause: err, Detail: "change set too large for one transaction"}
	}
	return err
}

func (s *Store) Close() error {
	s.codec.Close()
	return s.db.Close()
}
