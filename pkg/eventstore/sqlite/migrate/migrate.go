// Package migrate is a minimal embedded-SQL migration runner, adapted
// from the teacher's pkg/store/sqlite/migrate package: migrations are
// plain "NNNNNN_name.up.sql" files loaded from an fs.FS and applied in
// order inside a transaction, tracked in a schema_migrations table.
package migrate

import (
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var nameRe = regexp.MustCompile(`^(\d+)_([a-zA-Z0-9_]+)\.up\.sql$`)

// Migration is a single numbered schema change.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Migrator applies pending Migrations to a database, tracking progress
// in a table named by trackingTable.
type Migrator struct {
	db            *sql.DB
	trackingTable string
	migrations    []Migration
}

// New returns a Migrator bound to db.
func New(db *sql.DB, trackingTable string) *Migrator {
	return &Migrator{db: db, trackingTable: trackingTable}
}

// LoadFromFS reads every "*.up.sql" file directly under dir in fsys and
// registers it as a Migration, ordered by its numeric prefix.
func (m *Migrator) LoadFromFS(fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := nameRe.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, err := strconv.Atoi(match[1])
		if err != nil {
			return fmt.Errorf("migration %s: bad version prefix: %w", entry.Name(), err)
		}
		body, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		migrations = append(migrations, Migration{
			Version: version,
			Name:    match[2],
			SQL:     string(body),
		})
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	m.migrations = migrations
	return nil
}

// Up applies every migration whose version hasn't been recorded yet.
func (m *Migrator) Up() error {
	if _, err := m.db.Exec(fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (version INTEGER PRIMARY KEY, name TEXT NOT NULL, applied_at TEXT NOT NULL DEFAULT (datetime('now')))`,
		m.trackingTable)); err != nil {
		return fmt.Errorf("create tracking table: %w", err)
	}

	applied := map[int]bool{}
	rows, err := m.db.Query(fmt.Sprintf(`SELECT version FROM %s`, m.trackingTable))
	if err != nil {
		return fmt.Errorf("read applied versions: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()

	for _, mig := range m.migrations {
		if applied[mig.Version] {
			continue
		}
		if err := m.applyOne(mig); err != nil {
			return fmt.Errorf("migration %06d_%s: %w", mig.Version, mig.Name, err)
		}
	}
	return nil
}

func (m *Migrator) applyOne(mig Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range splitStatements(mig.SQL) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec statement: %w", err)
		}
	}

	if _, err := tx.Exec(fmt.Sprintf(`INSERT INTO %s (version, name) VALUES (?, ?)`, m.trackingTable),
		mig.Version, mig.Name); err != nil {
		return fmt.Errorf("record version: %w", err)
	}

	return tx.Commit()
}

// splitStatements splits a migration body on every ";". SQLite
// migrations here never embed semicolons inside string literals, so a
// naive split is sufficient.
func splitStatements(body string) []string {
	return strings.Split(body, ";")
}
