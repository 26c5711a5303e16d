package db

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultSchema is the schema migrations are applied to when none is given.
const DefaultSchema = "public"

// Migration represents a single database migration loaded from a SQL file.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// MigrationStatus represents the status of a migration (applied or pending).
type MigrationStatus struct {
	Version   int
	Name      string
	Applied   bool
	AppliedAt *time.Time
}

// Migrator reads SQL migration files from a file system and applies them to
// a PostgreSQL schema.
type Migrator struct {
	pool   *pgxpool.Pool
	source fs.FS
	schema string
}

// NewMigrator creates a Migrator that reads "NNN_name.sql" files from the
// root of source. An empty schema means DefaultSchema.
func NewMigrator(pool *pgxpool.Pool, source fs.FS, schema string) *Migrator {
	if schema == "" {
		schema = DefaultSchema
	}
	return &Migrator{pool: pool, source: source, schema: schema}
}

func (m *Migrator) quotedSchema() string {
	return pgx.Identifier{m.schema}.Sanitize()
}

// EnsureMigrationsTable creates the _migrations tracking table if it does
// not already exist.
func (m *Migrator) EnsureMigrationsTable(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %[1]s;
CREATE TABLE IF NOT EXISTS %[1]s._migrations (
    version INTEGER PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    applied_at TIMESTAMPTZ DEFAULT NOW()
)`, m.quotedSchema())

	if _, err := m.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create _migrations table in %s: %w", m.schema, err)
	}
	return nil
}

// LoadMigrations returns the migrations sorted by version. Files without a
// numeric "NNN_" prefix are skipped; two files with the same version are an
// error.
func (m *Migrator) LoadMigrations() ([]Migration, error) {
	entries, err := fs.ReadDir(m.source, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	seen := make(map[int]string)
	var migrations []Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", other, name, version)
		}
		seen[version] = name

		content, err := fs.ReadFile(m.source, name)
		if err != nil {
			return nil, fmt.Errorf("read migration file %s: %w", name, err)
		}
		migrations = append(migrations, Migration{Version: version, Name: name, SQL: string(content)})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

func (m *Migrator) applied(ctx context.Context) (map[int]time.Time, error) {
	rows, err := m.pool.Query(ctx, fmt.Sprintf(`SELECT version, applied_at FROM %s._migrations`, m.quotedSchema()))
	if err != nil {
		return nil, fmt.Errorf("query applied versions in %s: %w", m.schema, err)
	}
	defer rows.Close()

	out := make(map[int]time.Time)
	for rows.Next() {
		var v int
		var at time.Time
		if err := rows.Scan(&v, &at); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		out[v] = at
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied versions: %w", err)
	}
	return out, nil
}

// Up applies all pending migrations. Returns the count applied.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	return m.UpTo(ctx, 0)
}

// UpTo applies pending migrations up to and including targetVersion (0 means
// all). Each migration runs in its own transaction.
func (m *Migrator) UpTo(ctx context.Context, targetVersion int) (int, error) {
	if err := m.EnsureMigrationsTable(ctx); err != nil {
		return 0, err
	}
	migrations, err := m.LoadMigrations()
	if err != nil {
		return 0, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, mig := range pending(migrations, applied, targetVersion) {
		if err := m.applyMigration(ctx, mig); err != nil {
			return count, fmt.Errorf("apply migration %d (%s): %w", mig.Version, mig.Name, err)
		}
		count++
	}
	return count, nil
}

func pending(migrations []Migration, applied map[int]time.Time, targetVersion int) []Migration {
	var out []Migration
	for _, mig := range migrations {
		if targetVersion > 0 && mig.Version > targetVersion {
			break
		}
		if _, ok := applied[mig.Version]; ok {
			continue
		}
		out = append(out, mig)
	}
	return out
}

func (m *Migrator) applyMigration(ctx context.Context, mig Migration) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL search_path TO %s", m.quotedSchema())); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}
	if _, err := tx.Exec(ctx, mig.SQL); err != nil {
		return fmt.Errorf("execute SQL: %w", err)
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO _migrations (version, name) VALUES ($1, $2)",
		mig.Version, mig.Name,
	); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit(ctx)
}

// Status returns every known migration with whether it has been applied.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	if err := m.EnsureMigrationsTable(ctx); err != nil {
		return nil, err
	}
	migrations, err := m.LoadMigrations()
	if err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}
	return statuses(migrations, applied), nil
}

func statuses(migrations []Migration, applied map[int]time.Time) []MigrationStatus {
	out := make([]MigrationStatus, 0, len(migrations))
	for _, mig := range migrations {
		s := MigrationStatus{Version: mig.Version, Name: mig.Name}
		if at, ok := applied[mig.Version]; ok {
			s.Applied = true
			s.AppliedAt = &at
		}
		out = append(out, s)
	}
	return out
}
