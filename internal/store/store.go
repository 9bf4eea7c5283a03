// Package store persists creators, subscriptions and revenue events.
//
// Both sqlite3 and postgres are supported through database/sql. Queries use
// $N placeholders, which both drivers accept; placeholders must appear in
// ascending order of first use because sqlite numbers named parameters by
// appearance.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Supported driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

var (
	ErrCreatorNotFound       = errors.New("creator not found")
	ErrSubscriptionNotFound  = errors.New("subscription not found")
	ErrDuplicateSubscription = errors.New("active subscription already exists")
)

// Store wraps a database handle.
type Store struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite:
		if dsn == "" {
			dsn = "subzz.db"
		}
		if dsn != ":memory:" && !strings.Contains(dsn, "?") {
			dsn += "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
		}
	case DriverPostgres:
		if dsn == "" {
			return nil, fmt.Errorf("postgres requires a DATABASE_URL")
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// A single connection serialises writers and keeps :memory: databases alive.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{db: db, driver: driver, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Driver returns the driver name the store was opened with.
func (s *Store) Driver() string {
	return s.driver
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS creators (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		telegram_chat_id BIGINT NOT NULL DEFAULT 0,
		tier_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		currency TEXT NOT NULL DEFAULT 'ETB',
		tier_days INTEGER NOT NULL DEFAULT 30,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		creator_id TEXT NOT NULL REFERENCES creators(id),
		status TEXT NOT NULL,
		start_date TIMESTAMP NOT NULL,
		expiration_date TIMESTAMP NOT NULL,
		invite_link TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS subscriptions_one_active
		ON subscriptions (user_id, creator_id) WHERE status = 'active'`,
	`CREATE INDEX IF NOT EXISTS subscriptions_user_creator
		ON subscriptions (user_id, creator_id, expiration_date)`,
	`CREATE TABLE IF NOT EXISTS revenue_events (
		id TEXT PRIMARY KEY,
		creator_id TEXT NOT NULL REFERENCES creators(id),
		user_id TEXT NOT NULL,
		subscription_id TEXT NOT NULL REFERENCES subscriptions(id),
		amount DOUBLE PRECISION NOT NULL,
		currency TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d failed: %w", i, err)
		}
	}
	return nil
}

// timestamp normalises times so sqlite's text comparison orders them correctly.
func timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// isUniqueViolation reports whether err is a unique constraint failure on either driver.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
