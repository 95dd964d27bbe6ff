package db

import (
	"database/sql"
	"fmt"
	"sort"
)

// Migration represents a database migration
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// SQLite migrations

var sqliteMigrations = []Migration{
	{
		Version: 1,
		Name:    "create_capture_kv_table",
		Up: `
			CREATE TABLE IF NOT EXISTS capture_kv (
				key TEXT PRIMARY KEY,
				value BLOB NOT NULL,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			);
		`,
		Down: `
			DROP TABLE IF EXISTS capture_kv;
		`,
	},
	{
		Version: 2,
		Name:    "add_capture_kv_updated_at_index",
		Up: `
			CREATE INDEX IF NOT EXISTS idx_capture_kv_updated_at ON capture_kv(updated_at);
		`,
		Down: `
			DROP INDEX IF EXISTS idx_capture_kv_updated_at;
		`,
	},
}

func migrationsFor(driver string) ([]Migration, error) {
	switch driver {
	case DriverSQLite:
		return sqliteMigrations, nil
	case DriverPostgres:
		return postgresMigrations, nil
	default:
		return nil, fmt.Errorf("no migrations for driver %q", driver)
	}
}

// Migrate runs all pending migrations for the driver's dialect
func Migrate(db *sql.DB, driver string) error {
	migrations, err := migrationsFor(driver)
	if err != nil {
		return err
	}

	if err := ensureMigrationsTable(db, driver); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	currentVersion, err := getCurrentVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	// Sort migrations by version
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Version < sorted[j].Version
	})

	// Run pending migrations
	for _, m := range sorted {
		if m.Version <= currentVersion {
			continue
		}

		if err := runMigration(db, driver, m); err != nil {
			return fmt.Errorf("failed to run migration %d (%s): %w", m.Version, m.Name, err)
		}
	}

	return nil
}

// ensureMigrationsTable creates the schema_migrations table if it doesn't exist
func ensureMigrationsTable(db *sql.DB, driver string) error {
	appliedAt := "TIMESTAMP DEFAULT CURRENT_TIMESTAMP"
	if driver == DriverPostgres {
		appliedAt = "TIMESTAMPTZ DEFAULT NOW()"
	}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at ` + appliedAt + `
		);
	`)
	return err
}

// getCurrentVersion returns the current migration version
func getCurrentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

// runMigration executes a single migration
func runMigration(db *sql.DB, driver string, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Execute migration
	if _, err := tx.Exec(m.Up); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	// Record migration
	if _, err := tx.Exec(
		placeholders(driver, "INSERT INTO schema_migrations (version, name) VALUES (?, ?)"),
		m.Version, m.Name,
	); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

// Rollback rolls back the last migration
func Rollback(db *sql.DB, driver string) error {
	migrations, err := migrationsFor(driver)
	if err != nil {
		return err
	}

	currentVersion, err := getCurrentVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	if currentVersion == 0 {
		return fmt.Errorf("no migrations to rollback")
	}

	// Find the migration to rollback
	var target *Migration
	for i := range migrations {
		if migrations[i].Version == currentVersion {
			target = &migrations[i]
			break
		}
	}

	if target == nil {
		return fmt.Errorf("migration %d not found", currentVersion)
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(target.Down); err != nil {
		return fmt.Errorf("failed to rollback migration: %w", err)
	}

	if _, err := tx.Exec(placeholders(driver, "DELETE FROM schema_migrations WHERE version = ?"), currentVersion); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}

	return tx.Commit()
}

// GetMigrationStatus returns the current migration status
func GetMigrationStatus(db *sql.DB, driver string) ([]MigrationStatus, error) {
	migrations, err := migrationsFor(driver)
	if err != nil {
		return nil, err
	}

	currentVersion, err := getCurrentVersion(db)
	if err != nil {
		return nil, err
	}

	var status []MigrationStatus
	for _, m := range migrations {
		status = append(status, MigrationStatus{
			Version: m.Version,
			Name:    m.Name,
			Applied: m.Version <= currentVersion,
		})
	}

	sort.Slice(status, func(i, j int) bool {
		return status[i].Version < status[j].Version
	})

	return status, nil
}

// MigrationStatus represents the status of a migration
type MigrationStatus struct {
	Version int
	Name    string
	Applied bool
}

func placeholders(driver, query string) string {
	return (&DB{driver: driver}).rebind(query)
}
