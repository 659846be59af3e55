package storage

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migration is one versioned DDL file under migrations/. The version comes
// from the filename prefix: 003_create_anomaly_scores.sql is version 3.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Migrator applies the embedded schema migrations in version order, tracking
// applied versions in schema_migrations. ClickHouse DDL is not transactional:
// a migration that fails partway stays unrecorded and is retried on the next
// run, so every statement must be idempotent (IF NOT EXISTS).
type Migrator struct {
	client *ClickHouseClient
	logger *slog.Logger
}

// NewMigrator creates a Migrator.
func NewMigrator(client *ClickHouseClient) *Migrator {
	return &Migrator{client: client, logger: slog.Default()}
}

const trackingTableDDL = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version    UInt32,
		name       String,
		applied_at DateTime DEFAULT now()
	)
	ENGINE = MergeTree()
	ORDER BY version
`

// Run applies every embedded migration not yet recorded as applied.
func (m *Migrator) Run(ctx context.Context) error {
	if err := m.client.Exec(ctx, trackingTableDDL); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}

	for _, mig := range migrations {
		if applied[mig.Version] {
			m.logger.Debug("migration already applied",
				"version", mig.Version, "name", mig.Name)
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return err
		}
	}

	return nil
}

// apply runs one migration statement by statement, then records it.
func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	m.logger.Info("applying migration", "version", mig.Version, "name", mig.Name)

	for _, stmt := range sqlStatements(mig.SQL) {
		if err := m.client.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %03d_%s: %w", mig.Version, mig.Name, err)
		}
	}

	if err := m.client.Exec(ctx,
		"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
		uint32(mig.Version), mig.Name,
	); err != nil {
		return fmt.Errorf("record migration %d: %w", mig.Version, err)
	}

	m.logger.Info("migration applied", "version", mig.Version, "name", mig.Name)
	return nil
}

// appliedVersions returns the set of recorded migration versions.
func (m *Migrator) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := m.client.Query(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version uint32
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[int(version)] = true
	}

	return applied, nil
}

// loadMigrations reads the embedded migration files in version order.
func loadMigrations() ([]Migration, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, err
	}

	var migrations []Migration
	for _, entry := range entries {
		version, name, ok := parseMigrationName(entry.Name())
		if !ok {
			continue
		}
		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, Migration{
			Version: version,
			Name:    name,
			SQL:     string(content),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

// parseMigrationName splits "003_create_anomaly_scores.sql" into
// (3, "create_anomaly_scores"). Files that don't match are skipped.
func parseMigrationName(filename string) (version int, name string, ok bool) {
	base, found := strings.CutSuffix(filename, ".sql")
	if !found {
		return 0, "", false
	}
	prefix, name, found := strings.Cut(base, "_")
	if !found || name == "" {
		return 0, "", false
	}
	version, err := strconv.Atoi(prefix)
	if err != nil || version <= 0 {
		return 0, "", false
	}
	return version, name, true
}

// sqlStatements splits a migration file on top-level semicolons. Line
// comments are stripped so a commented header never gets prepended to the
// DDL that follows it; semicolons inside quoted literals don't split, and a
// doubled quote inside a literal is the ClickHouse escape.
func sqlStatements(script string) []string {
	var stmts []string
	var buf strings.Builder
	var quote byte

	flush := func() {
		if s := strings.TrimSpace(buf.String()); s != "" {
			stmts = append(stmts, s)
		}
		buf.Reset()
	}

	for i := 0; i < len(script); i++ {
		ch := script[i]
		switch {
		case quote != 0:
			buf.WriteByte(ch)
			if ch == quote {
				if i+1 < len(script) && script[i+1] == quote {
					buf.WriteByte(script[i+1])
					i++
				} else {
					quote = 0
				}
			}
		case ch == '\'' || ch == '"':
			quote = ch
			buf.WriteByte(ch)
		case ch == '-' && i+1 < len(script) && script[i+1] == '-':
			for i < len(script) && script[i] != '\n' {
				i++
			}
			buf.WriteByte('\n')
		case ch == ';':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()

	return stmts
}
