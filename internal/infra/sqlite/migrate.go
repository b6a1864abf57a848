package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

// ErrMigrationDrift means an applied migration no longer matches the file
// embedded in this binary.
var ErrMigrationDrift = errors.New("applied migration differs from embedded file")

//go:embed migrations/*.up.sql
var migrations embed.FS

// Migration is one embedded schema step.
type Migration struct {
	Version  int
	Name     string // e.g. "001_registry.up.sql"
	Checksum string // hex sha256 of the SQL
	sql      string
}

// AppliedMigration is a row of schema_migrations.
type AppliedMigration struct {
	Version   int
	Name      string
	Checksum  string
	AppliedAt string
}

// MigrateUp applies pending migrations in version order, one transaction
// each. Every applied migration must still match its embedded checksum.
func MigrateUp(ctx context.Context, db *sql.DB) error {
	return migrate(ctx, db, migrations)
}

func migrate(ctx context.Context, db *sql.DB, fsys fs.FS) error {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return fmt.Errorf("migrate: ensure migrations table: %w", err)
	}
	pending, err := loadMigrations(fsys)
	if err != nil {
		return fmt.Errorf("migrate: load files: %w", err)
	}
	applied, err := appliedByVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	for _, m := range pending {
		if prev, ok := applied[m.Version]; ok {
			if err := checkApplied(ctx, db, prev, m); err != nil {
				return err
			}
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return fmt.Errorf("migrate: apply %s: %w", m.Name, err)
		}
	}
	return nil
}

// checkApplied compares a recorded migration against its file. Rows written
// before checksums were tracked are backfilled.
func checkApplied(ctx context.Context, db *sql.DB, prev AppliedMigration, m Migration) error {
	switch prev.Checksum {
	case m.Checksum:
		return nil
	case "":
		_, err := db.ExecContext(ctx, "UPDATE schema_migrations SET checksum = ? WHERE version = ?", m.Checksum, m.Version)
		if err != nil {
			return fmt.Errorf("migrate: backfill checksum %d: %w", m.Version, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s (recorded %s, embedded %s)", ErrMigrationDrift, m.Name, short(prev.Checksum), short(m.Checksum))
	}
}

// MigrationVersion returns the highest applied migration version, 0 when none.
func MigrationVersion(ctx context.Context, db *sql.DB) (int, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return 0, fmt.Errorf("migrate: ensure migrations table: %w", err)
	}
	var version int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return 0, fmt.Errorf("migrate: query version: %w", err)
	}
	return version, nil
}

// AppliedMigrations lists schema_migrations in version order.
func AppliedMigrations(ctx context.Context, db *sql.DB) ([]AppliedMigration, error) {
	rows, err := db.QueryContext(ctx, "SELECT version, name, checksum, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("migrate: list applied: %w", err)
	}
	defer rows.Close()
	var out []AppliedMigration
	for rows.Next() {
		var a AppliedMigration
		if err := rows.Scan(&a.Version, &a.Name, &a.Checksum, &a.AppliedAt); err != nil {
			return nil, fmt.Errorf("migrate: scan applied: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER NOT NULL PRIMARY KEY,
			name        TEXT    NOT NULL,
			checksum    TEXT    NOT NULL DEFAULT '',
			applied_at  TEXT    NOT NULL DEFAULT (datetime('now'))
		)
	`)
	return err
}

func appliedByVersion(ctx context.Context, db *sql.DB) (map[int]AppliedMigration, error) {
	list, err := AppliedMigrations(ctx, db)
	if err != nil {
		return nil, err
	}
	out := make(map[int]AppliedMigration, len(list))
	for _, a := range list {
		out[a.Version] = a
	}
	return out, nil
}

// loadMigrations reads every *.up.sql under migrations/. Names must start
// with a unique positive version ("002_package_env.up.sql").
func loadMigrations(fsys fs.FS) ([]Migration, error) {
	paths, err := fs.Glob(fsys, "migrations/*.up.sql")
	if err != nil {
		return nil, err
	}
	seen := map[int]string{}
	out := make([]Migration, 0, len(paths))
	for _, p := range paths {
		name := path.Base(p)
		version, err := versionFromFilename(name)
		if err != nil {
			return nil, err
		}
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", other, name, version)
		}
		seen[version] = name
		content, err := fs.ReadFile(fsys, p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		sum := sha256.Sum256(content)
		out = append(out, Migration{
			Version:  version,
			Name:     name,
			Checksum: hex.EncodeToString(sum[:]),
			sql:      string(content),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func versionFromFilename(name string) (int, error) {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, fmt.Errorf("migration %s: name must be <version>_<label>.up.sql", name)
	}
	version, err := strconv.Atoi(prefix)
	if err != nil || version <= 0 {
		return 0, fmt.Errorf("migration %s: version %q is not a positive integer", name, prefix)
	}
	return version, nil
}

func applyMigration(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // no-op after commit
	}()

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return fmt.Errorf("exec SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name, checksum) VALUES (?, ?, ?)",
		m.Version, m.Name, m.Checksum,
	); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit()
}

func short(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
