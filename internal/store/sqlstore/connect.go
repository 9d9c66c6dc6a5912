// Package sqlstore is the relational backend for the Session Store's
// persisted rows. It implements session.Persister against either SQLite or
// PostgreSQL, grounded on an internal/db (OpenSQLite/OpenPostgres
// connection setup) shape and
// internal/task/repository/sqlite (the sqlx-based repository shape, schema
// bootstrap, and Rebind-for-portability query style). The journal itself
// stays filesystem JSONL; only the Session row lives here.
package sqlstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kandev/relay/internal/config"
)

const defaultBusyTimeoutMS = 5000

// Open connects to the backend named by cfg.Driver ("sqlite" or "postgres")
// and returns a ready Repository with its schema applied.
func Open(cfg config.DatabaseConfig) (*Repository, error) {
	switch cfg.Driver {
	case "postgres":
		return openPostgres(cfg)
	case "sqlite", "":
		return openSQLite(cfg)
	default:
		return nil, fmt.Errorf("sqlstore: unknown driver %q", cfg.Driver)
	}
}

// openSQLite mirrors a reference OpenSQLite: WAL mode, a single writer
// connection (SQLite serializes writes regardless; this avoids SQLITE_BUSY
// storms under concurrent session activity), foreign keys on, a busy timeout
// so transient lock contention waits instead of failing immediately.
func openSQLite(cfg config.DatabaseConfig) (*Repository, error) {
	path := cfg.Path
	if path == "" {
		path = "./relay.db"
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if dir := filepath.Dir(abs); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlstore: preparing database directory: %w", err)
		}
	}
	if f, err := os.OpenFile(abs, os.O_RDWR|os.O_CREATE, 0o644); err != nil {
		return nil, fmt.Errorf("sqlstore: creating database file: %w", err)
	} else {
		_ = f.Close()
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		abs, defaultBusyTimeoutMS,
	)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: opening sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return newRepository(db, "sqlite3")
}

// openPostgres mirrors a reference OpenPostgres, using pgx's database/sql
// driver (pgx/v5/stdlib) so the rest of the repository can stay a plain
// sqlx.DB regardless of backend, per the "dual-dialect" choice.
func openPostgres(cfg config.DatabaseConfig) (*Repository, error) {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName, sslMode,
	)
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: opening postgres database: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 10
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: pinging postgres database: %w", err)
	}

	return newRepository(db, "pgx")
}
