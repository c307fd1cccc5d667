// Package store is the local persisted copy of the remote collection.
//
// It holds three collections in an embedded SQLite database: file records,
// the singleton sync cursor, and the queue of pending offline changes.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/fclairamb/kbsync/internal/apperrors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SchemaVersion is the schema version this binary migrates to.
const SchemaVersion = 3

const busyTimeoutMs = 5000

// Store is the local persisted store.
//
// The pool holds a single connection (an in-memory database only exists on
// the connection that created it). Every statement issued inside a
// transaction must go through that transaction or it blocks forever.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	subMu   sync.RWMutex
	subs    map[int]func(Event)
	nextSub int
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a custom logger for the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithClock overrides the clock used for queue timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open opens (or creates) the database at path and applies migrations.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)",
		filepath.ToSlash(path), busyTimeoutMs)
	return open(ctx, dsn, SchemaVersion, opts...)
}

// OpenMemory opens a private in-memory database.
func OpenMemory(ctx context.Context, opts ...Option) (*Store, error) {
	return open(ctx, ":memory:", SchemaVersion, opts...)
}

func open(ctx context.Context, dsn string, target int, opts ...Option) (*Store, error) {
	s := &Store{
		logger: slog.Default(),
		now:    time.Now,
		subs:   make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s.db = db

	if err := s.migrateTo(ctx, target); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SchemaVersion returns the schema version recorded in the database.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// migrateTo applies embedded migrations up to target. Each migration and its
// version stamp run in one transaction, so an upgrade never loses data.
func (s *Store) migrateTo(ctx context.Context, target int) error {
	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if current > SchemaVersion {
		return fmt.Errorf("%w: database %d, binary %d", apperrors.ErrUnknownMigration, current, SchemaVersion)
	}

	files, err := fs.Glob(migrationsFS, "migrations/*.up.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}

	for v := current + 1; v <= target; v++ {
		prefix := fmt.Sprintf("migrations/%06d_", v)
		var name string
		for _, f := range files {
			if len(f) > len(prefix) && f[:len(prefix)] == prefix {
				name = f
				break
			}
		}
		if name == "" {
			return fmt.Errorf("migration %d: %w", v, fs.ErrNotExist)
		}

		if err := s.applyMigration(ctx, v, name); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) applyMigration(ctx context.Context, version int, name string) error {
	body, err := fs.ReadFile(migrationsFS, name)
	if err != nil {
		return fmt.Errorf("read migration %d: %w", version, err)
	}

	err = s.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("exec migration %d: %w", version, err)
		}
		// PRAGMA cannot be parameterized.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
			return fmt.Errorf("stamp version %d: %w", version, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "applied migration", "version", version, "file", filepath.Base(name))
	return nil
}

// InTx runs fn in a transaction spanning every collection.
// The transaction commits when fn returns nil and rolls back otherwise.
func (s *Store) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.WarnContext(ctx, "rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
