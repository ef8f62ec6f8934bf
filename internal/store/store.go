// Package store is the persistence surface: users, chats, messages,
// the model catalog, per-user tool configuration, and config rows.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/info-rubbish/meichu2025/migrations"
)

var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict indicates a uniqueness conflict that did not resolve.
	ErrConflict = errors.New("store: conflict")
)

// Store wraps the SQL database behind the repository operations.
type Store struct {
	db     *sql.DB
	scheme string
}

// Open connects to the database named by a DATABASE_URL style DSN.
// Supported schemes: sqlite:// (modernc) and postgres:// (pgx).
func Open(databaseURL string) (*Store, error) {
	scheme, rest, ok := strings.Cut(databaseURL, "://")
	if !ok {
		return nil, fmt.Errorf("store: malformed database url %q", databaseURL)
	}

	var (
		db  *sql.DB
		err error
	)
	switch scheme {
	case "sqlite":
		dsn := "file:" + rest
		if strings.Contains(dsn, "?") {
			dsn += "&_pragma=foreign_keys(1)"
		} else {
			dsn += "?_pragma=foreign_keys(1)"
		}
		db, err = sql.Open("sqlite", dsn)
		if err == nil {
			// SQLite tolerates a single writer; serialize access.
			db.SetMaxOpenConns(1)
		}
	case "postgres", "postgresql":
		db, err = sql.Open("pgx", databaseURL)
	default:
		return nil, fmt.Errorf("store: unsupported database scheme %q", scheme)
	}
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &Store{db: db, scheme: scheme}, nil
}

// Migrator builds a migrate instance over the embedded migrations for
// this store's backend.
func (s *Store) Migrator() (*migrate.Migrate, error) {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("store: migration source: %w", err)
	}

	var m *migrate.Migrate
	switch s.scheme {
	case "sqlite":
		driver, derr := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
		if derr != nil {
			return nil, fmt.Errorf("store: migration driver: %w", derr)
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite", driver)
	default:
		driver, derr := migratepg.WithInstance(s.db, &migratepg.Config{})
		if derr != nil {
			return nil, fmt.Errorf("store: migration driver: %w", derr)
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("store: migrator: %w", err)
	}
	return m, nil
}

// Migrate applies all pending schema migrations.
func (s *Store) Migrate() error {
	m, err := s.Migrator()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for the migrate command.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// isUniqueViolation reports whether err is a uniqueness constraint error
// from either backend.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "SQLSTATE 23505") ||
		strings.Contains(msg, "duplicate key value")
}
