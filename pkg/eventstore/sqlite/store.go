// Package sqlite is the reference EventStore implementation: an
// append-only events table with unique-constraint side effects applied
// atomically, backed by modernc.org/sqlite (pure Go, no CGO), the same
// driver the teacher repo uses.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/authapp/coreid/pkg/eventstore/sqlite/migrate"
)

// EventStore implements eventstore.EventStore against a SQLite database.
type EventStore struct {
	db      *sql.DB
	mu      sync.RWMutex // guards cross-statement sequences; SQLite itself serializes writers
	dsn     string
	walMode bool
}

// Option configures an EventStore, mirroring the teacher's
// sqlite.WithDSN/WithWALMode functional-option constructor.
type Option func(*EventStore)

// WithDSN sets the SQLite data source name (e.g. ":memory:" or a file path).
func WithDSN(dsn string) Option {
	return func(s *EventStore) { s.dsn = dsn }
}

// WithWALMode enables SQLite's write-ahead log, allowing concurrent
// readers while a writer holds the transaction.
func WithWALMode(enabled bool) Option {
	return func(s *EventStore) { s.walMode = enabled }
}

// NewEventStore opens (creating if absent) the SQLite database and runs
// pending migrations.
func NewEventStore(opts ...Option) (*EventStore, error) {
	s := &EventStore{dsn: ":memory:", walMode: true}
	for _, opt := range opts {
		opt(s)
	}

	db, err := sql.Open("sqlite", s.dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// A single connection keeps :memory: databases from looking empty to
	// a second pooled connection, and keeps per-aggregate version
	// assignment serialized the way spec.md §5 requires.
	db.SetMaxOpenConns(1)
	s.db = db

	if s.walMode {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return s, nil
}

// DB returns the underlying connection for projections that need to read
// the event log directly during catch-up or share the connection for
// atomic checkpoint writes.
func (s *EventStore) DB() *sql.DB {
	return s.db
}

// Health pings the database.
func (s *EventStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *EventStore) Close() error {
	return s.db.Close()
}

// runMigrations applies the embedded schema to db using the migrate package.
func runMigrations(db *sql.DB) error {
	m := migrate.New(db, "schema_migrations")
	if err := m.LoadFromFS(migrationsFS, "migrations"); err != nil {
		return err
	}
	return m.Up()
}
