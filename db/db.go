package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver (pure Go)
)

// Supported drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrNotFound is returned by Get for a missing key
var ErrNotFound = errors.New("key not found")

// DB wraps the database connection and provides key/value access
type DB struct {
	conn   *sql.DB
	driver string
}

// Config contains database configuration
type Config struct {
	Driver string // "sqlite" (default) or "postgres"
	DSN    string // File path for SQLite, connection string for PostgreSQL
}

// New creates a new database connection and runs pending migrations
func New(config Config) (*DB, error) {
	driver := config.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	var conn *sql.DB
	var err error
	switch driver {
	case DriverSQLite:
		conn, err = openSQLite(config.DSN)
	case DriverPostgres:
		conn, err = openPostgres(config.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn, driver: driver}

	if err := Migrate(conn, driver); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

func openSQLite(path string) (*sql.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite db path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// PRAGMAs are per connection, so keep a single one
	conn.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}
	return conn, nil
}

func openPostgres(dsn string) (*sql.DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return conn, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// DB returns the underlying database connection for metrics collection
func (db *DB) DB() *sql.DB {
	return db.conn
}

// Driver returns the driver name in use
func (db *DB) Driver() string {
	return db.driver
}

// Get returns the value stored under key, or ErrNotFound
func (db *DB) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := db.conn.QueryRowContext(ctx, db.rebind("SELECT value FROM capture_kv WHERE key = ?"), key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, nil
}

// Put stores value under key, replacing any previous value
func (db *DB) Put(ctx context.Context, key string, value []byte) error {
	query := `
		INSERT INTO capture_kv (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`
	if _, err := db.conn.ExecContext(ctx, db.rebind(query), key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (db *DB) Delete(ctx context.Context, key string) error {
	if _, err := db.conn.ExecContext(ctx, db.rebind("DELETE FROM capture_kv WHERE key = ?"), key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Keys lists stored keys with the given prefix in sorted order
func (db *DB) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		db.rebind("SELECT key FROM capture_kv WHERE key LIKE ? ESCAPE '\\' ORDER BY key"),
		escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// rebind rewrites ? placeholders into $n for PostgreSQL
func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Snapshot is a single serialized document stored under a fixed key
type Snapshot struct {
	db  *DB
	key string
}

// Snapshot returns a handle on the document stored under key
func (db *DB) Snapshot(key string) *Snapshot {
	return &Snapshot{db: db, key: key}
}

// Load returns the stored document, or nil if nothing was saved yet
func (s *Snapshot) Load(ctx context.Context) ([]byte, error) {
	data, err := s.db.Get(ctx, s.key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return data, err
}

// Save replaces the stored document
func (s *Snapshot) Save(ctx context.Context, data []byte) error {
	return s.db.Put(ctx, s.key, data)
}
