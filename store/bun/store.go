// Package bunstore is a Bun ORM implementation of store.Store using the
// PostgreSQL dialect. Every coordination write is a conditional UPDATE
// checked via RowsAffected; multi-record commits use RunInTx.
package bunstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/omnigate/steward"
	"github.com/omnigate/steward/conversation"
	"github.com/omnigate/steward/node"
	"github.com/omnigate/steward/router"
	"github.com/omnigate/steward/task"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Ensure Store implements all subsystem interfaces at compile time.
var (
	_ node.Store         = (*Store)(nil)
	_ task.Store         = (*Store)(nil)
	_ conversation.Store = (*Store)(nil)
	_ router.Store       = (*Store)(nil)
)

// Store is the Postgres backend.
type Store struct {
	db     *bun.DB
	logger *slog.Logger
	closed atomic.Bool
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a new Bun store. The caller owns the db lifecycle; the
// Store will not close it on Close().
func New(db *bun.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open creates a Store from a Postgres DSN using Bun's native pgdriver.
// The Store owns the resulting connection and closes it on Close().
func Open(dsn string, opts ...Option) *Store {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	return New(db, opts...)
}

// DB returns the underlying *bun.DB for advanced usage.
func (s *Store) DB() *bun.DB {
	return s.db
}

// Migrate runs all embedded SQL migration files in order.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS steward_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("steward/bun: create migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("steward/bun: read migrations: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".sql") {
			continue
		}

		var applied int
		err = s.db.NewRaw(
			"SELECT COUNT(*) FROM steward_migrations WHERE filename = ?", name,
		).Scan(ctx, &applied)
		if err != nil {
			return fmt.Errorf("steward/bun: check migration %s: %w", name, err)
		}
		if applied > 0 {
			continue
		}

		raw, readErr := migrationsFS.ReadFile("migrations/" + name)
		if readErr != nil {
			return fmt.Errorf("steward/bun: read migration %s: %w", name, readErr)
		}

		txErr := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			if _, execErr := tx.ExecContext(ctx, string(raw)); execErr != nil {
				return execErr
			}
			_, insErr := tx.ExecContext(ctx,
				"INSERT INTO steward_migrations (filename) VALUES (?)", name)
			return insErr
		})
		if txErr != nil {
			return fmt.Errorf("steward/bun: apply migration %s: %w", name, txErr)
		}

		s.logger.Info("applied migration", slog.String("file", name))
	}
	return nil
}

// Ping checks database connectivity. A closed store reports
// steward.ErrStoreClosed instead of a driver error.
func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return steward.ErrStoreClosed
	}
	return s.db.PingContext(ctx)
}

// Close closes the underlying connection. Idempotent.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
