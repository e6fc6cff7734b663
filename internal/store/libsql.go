package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/plangraph/pkg/schema"
)

// LibSQLStore implements Store on an embedded libSQL database file.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/prefs.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "open libsql").WithCause(err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so use QueryRow and discard the result.
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// OpenLibSQLStore opens the database and applies pending migrations.
func OpenLibSQLStore(ctx context.Context, dbPath string) (*LibSQLStore, error) {
	s, err := NewLibSQLStore(dbPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	if err := runMigrations(ctx, s.db); err != nil {
		return schema.NewError(schema.ErrCodeStore, "migrate preferences").WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM preferences WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound(key)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "read preference %q", key).WithCause(err)
	}
	return value, nil
}

func (s *LibSQLStore) Put(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return schema.NewError(schema.ErrCodeValidation, "preference key is empty")
	}
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO preferences (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "write preference %q", key).WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM preferences WHERE key = ?`, key); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "delete preference %q", key).WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) List(ctx context.Context, prefix string) ([]*Preference, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, updated_at FROM preferences WHERE key LIKE ? ESCAPE '\' ORDER BY key`,
		escapeLike(prefix)+"%",
	)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list preferences").WithCause(err)
	}
	defer rows.Close()

	var out []*Preference
	for rows.Next() {
		p := &Preference{}
		if err := rows.Scan(&p.Key, &p.Value, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan preference: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func storeNotFound(key string) *schema.PlanError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "preference %q not found", key)
}

// escapeLike escapes LIKE wildcards so prefix matches literally.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// IsNotFound reports whether err is a missing-key error from any Store.
func IsNotFound(err error) bool {
	var pe *schema.PlanError
	return errors.As(err, &pe) && pe.Code == schema.ErrCodeNotFound
}
