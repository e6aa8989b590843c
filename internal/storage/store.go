// Package storage is the durable key-value store behind the offline cache and
// the per-backend metadata caches. Values are JSON documents keyed by name.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	sqlLoad   = `SELECT value FROM kv WHERE name = ?`
	sqlDelete = `DELETE FROM kv WHERE name = ?`
	sqlNames  = `SELECT name FROM kv ORDER BY name`
	sqlSave   = `INSERT INTO kv (name, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
		 value = excluded.value,
		 updated_at = excluded.updated_at`
)

// Store is the sole writer to the state database.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

// Open opens (creating if needed) the SQLite database at path and applies
// pending migrations.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("storage: creating directory for %s: %w", path, err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=busy_timeout(5000)",
		path,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: opening database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("storage opened", slog.String("path", path))

	return &Store{db: db, logger: logger, nowFunc: time.Now}, nil
}

func migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("storage: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("storage: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("storage: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}
	return nil
}

// Load decodes the value stored under name into v. It reports false, with v
// untouched, when nothing is stored under name.
func (s *Store) Load(ctx context.Context, name string, v any) (bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, sqlLoad, name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: loading %q: %w", name, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("storage: decoding %q: %w", name, err)
	}
	return true, nil
}

// Save stores v under name, replacing any previous value.
func (s *Store) Save(ctx context.Context, name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: encoding %q: %w", name, err)
	}
	if _, err := s.db.ExecContext(ctx, sqlSave, name, raw, s.nowFunc().Unix()); err != nil {
		return fmt.Errorf("storage: saving %q: %w", name, err)
	}
	s.logger.Debug("storage saved", slog.String("name", name), slog.Int("bytes", len(raw)))
	return nil
}

// Delete removes name. Deleting a missing name is not an error.
func (s *Store) Delete(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, sqlDelete, name); err != nil {
		return fmt.Errorf("storage: deleting %q: %w", name, err)
	}
	return nil
}

// Names lists every stored name in order.
func (s *Store) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, sqlNames)
	if err != nil {
		return nil, fmt.Errorf("storage: listing names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("storage: scanning name: %w", err)
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterating names: %w", err)
	}
	return names, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
