// ABOUTME: SQLite-backed Repository adapter (pure Go driver)
// ABOUTME: Row per cube with summary columns for listing and the encoded document as a blob

package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	_ "modernc.org/sqlite"

	"github.com/nainya/cubestore/pkg/cube"
	"github.com/nainya/cubestore/pkg/repository"
)

//go:embed schema.sql
var schemaSQL string

//go:embed pragmas.sql
var pragmasSQL string

// Config configures the store
type Config struct {
	// Path is the database file; ":memory:" for a private in-memory database
	Path     string
	Compress bool
}

// Store implements repository.Repository on SQLite
type Store struct {
	db    *sql.DB
	codec *repository.Codec
}

var _ repository.Repository = (*Store)(nil)

// Open opens (or creates) the database and applies the schema
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("path is required")
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// one connection keeps pragmas and in-memory databases consistent
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(pragmasSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying pragmas: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	codec, err := repository.NewCodec(cfg.Compress)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, codec: codec}, nil
}

func (s *Store) Load(ctx context.Context, id cube.Identity) (*cube.Cube, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM cubes WHERE app = ? AND version = ? AND status = ? AND name_key = ?`,
		id.App, id.Version, id.Status.String(), id.NameKey(),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.NotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", id, err)
	}
	return s.codec.Decode(data)
}

func (s *Store) Exists(ctx context.Context, id cube.Identity) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cubes WHERE app = ? AND version = ? AND status = ? AND name_key = ?`,
		id.App, id.Version, id.Status.String(), id.NameKey(),
	).Scan(&n)
	return n > 0, err
}

// execer is satisfied by both *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) put(ctx context.Context, ex execer, c *cube.Cube) error {
	data, err := s.codec.Encode(c)
	if err != nil {
		return err
	}
	sum := c.Summary()
	_, err = ex.ExecContext(ctx, `
		INSERT INTO cubes (app, version, status, name_key, name, id, sha, axis_count, cell_count, updated_at, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (app, version, status, name_key) DO UPDATE SET
			name = excluded.name,
			id = excluded.id,
			sha = excluded.sha,
			axis_count = excluded.axis_count,
			cell_count = excluded.cell_count,
			updated_at = excluded.updated_at,
			doc = excluded.doc`,
		sum.App, sum.Version, sum.Status, c.NameKey(), sum.Name, sum.ID, sum.SHA,
		sum.AxisCount, sum.CellCount, sum.UpdatedAt.UnixNano(), data,
	)
	if err != nil {
		return fmt.Errorf("saving %s: %w", c.Identity, err)
	}
	return nil
}

func (s *Store) del(ctx context.Context, ex execer, id cube.Identity) (bool, error) {
	res, err := ex.ExecContext(ctx,
		`DELETE FROM cubes WHERE app = ? AND version = ? AND status = ? AND name_key = ?`,
		id.App, id.Version, id.Status.String(), id.NameKey(),
	)
	if err != nil {
		return false, fmt.Errorf("deleting %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) Save(ctx context.Context, c *cube.Cube) error {
	return s.put(ctx, s.db, c)
}

func (s *Store) Delete(ctx context.Context, id cube.Identity) (bool, error) {
	return s.del(ctx, s.db, id)
}

func (s *Store) List(ctx context.Context, f repository.Filter) ([]cube.Summary, error) {
	var (
		where []string
		args  []any
	)
	if f.App != "" {
		where = append(where, "app = ?")
		args = append(args, f.App)
	}
	if f.Version != "" {
		where = append(where, "version = ?")
		args = append(args, f.Version)
	}
	if f.Status != cube.StatusAny {
		where = append(where, "status = ?")
		args = append(args, f.Status.String())
	}
	query := `SELECT id, name, app, version, status, sha, axis_count, cell_count, updated_at FROM cubes`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing cubes: %w", err)
	}
	defer rows.Close()

	var out []cube.Summary
	for rows.Next() {
		var (
			sum     cube.Summary
			updated int64
		)
		if err := rows.Scan(&sum.ID, &sum.Name, &sum.App, &sum.Version, &sum.Status,
			&sum.SHA, &sum.AxisCount, &sum.CellCount, &updated); err != nil {
			return nil, err
		}
		sum.UpdatedAt = time.Unix(0, updated).UTC()
		if repository.MatchName(f.Pattern, sum.Name) {
			out = append(out, sum)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	repository.SortSummaries(out)
	return out, nil
}

func (s *Store) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) Applications(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, `SELECT DISTINCT app FROM cubes ORDER BY app`)
}

func (s *Store) Versions(ctx context.Context, app string, status cube.Status) ([]string, error) {
	var (
		versions []string
		err      error
	)
	if status == cube.StatusAny {
		versions, err = s.queryStrings(ctx, `SELECT DISTINCT version FROM cubes WHERE app = ?`, app)
	} else {
		versions, err = s.queryStrings(ctx, `SELECT DISTINCT version FROM cubes WHERE app = ? AND status = ?`, app, status.String())
	}
	if err != nil {
		return nil, err
	}
	return repository.SortVersions(versions), nil
}

// Commit applies all changes inside one SQL transaction
func (s *Store) Commit(ctx context.Context, changes []repository.Change) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, ch := range changes {
		switch {
		case ch.Put != nil:
			if err := s.put(ctx, tx, ch.Put); err != nil {
				return err
			}
		case ch.Delete != nil:
			if _, err := s.del(ctx, tx, *ch.Delete); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func (s *Store) Close() error {
	s.codec.Close()
	return s.db.Close()
}
