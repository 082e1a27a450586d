package db

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"time"

	apperrors "github.com/kimhsiao/bounceback/backend/internal/errors"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the schema migrations compiled into the binary.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// V<version>__<name>.up.sql
var migrationName = regexp.MustCompile(`^V(\d+)__(\w+)\.up\.sql$`)

type migration struct {
	version int
	name    string
	file    string
}

// Migrator applies forward-only schema migrations and records each applied
// version in schema_migrations.
type Migrator struct {
	db    *sql.DB
	files fs.FS
}

// NewMigrator creates a Migrator reading migrations from files.
func NewMigrator(db *sql.DB, files fs.FS) *Migrator {
	return &Migrator{db: db, files: files}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	_, err := m.db.Exec(`
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		name TEXT NOT NULL CHECK(length(name) > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0)
	);`)
	return err
}

// CurrentVersion returns the newest applied version, or 0.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// pending lists migrations newer than the current version, oldest first.
// Files not matching the naming scheme are ignored.
func (m *Migrator) pending(current int) ([]migration, error) {
	entries, err := fs.ReadDir(m.files, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	var out []migration
	for _, entry := range entries {
		match := migrationName.FindStringSubmatch(entry.Name())
		if entry.IsDir() || match == nil {
			continue
		}
		version, _ := strconv.Atoi(match[1])
		if version > current {
			out = append(out, migration{version: version, name: match[2], file: entry.Name()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// Up applies every pending migration, each in its own transaction.
func (m *Migrator) Up() error {
	current, err := m.CurrentVersion()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "read schema version", err)
	}
	todo, err := m.pending(current)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "list migrations", err)
	}
	for _, mig := range todo {
		if err := m.apply(mig); err != nil {
			return apperrors.Wrap(apperrors.ErrMigration, fmt.Sprintf("apply V%d__%s", mig.version, mig.name), err)
		}
	}
	return nil
}

func (m *Migrator) apply(mig migration) error {
	script, err := fs.ReadFile(m.files, mig.file)
	if err != nil {
		return err
	}

	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(script)); err != nil {
		return err
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
		mig.version, mig.name, time.Now().UnixMilli()); err != nil {
		return err
	}
	return tx.Commit()
}
