// Package store persists entitlement records (manual grants, device-linked
// grants, users, roles) in a SQLite database. Uniqueness invariants — at most
// one device grant per device and at most one active manual grant per email —
// live here as constraints, not in service code.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

var (
	// ErrDeviceAlreadyLinked is returned when a device grant insert hits the
	// device_id unique constraint.
	ErrDeviceAlreadyLinked = errors.New("device already linked to a subscription")
	// ErrActiveGrantExists is returned when a manual grant insert hits the
	// one-active-per-email partial unique index.
	ErrActiveGrantExists = errors.New("an active subscription already exists for this email")
	// ErrNotFound is returned by single-row updates that matched nothing.
	ErrNotFound = errors.New("record not found")
)

// Store provides CRUD operations for entitlement records backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the entitlement database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dbPath := filepath.Join(dir, "entitlements.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open entitlement db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS manual_subscriptions (
		id           TEXT PRIMARY KEY,
		user_id      TEXT,
		user_email   TEXT NOT NULL,
		activated_by TEXT NOT NULL DEFAULT '',
		expires_at   INTEGER NOT NULL,
		status       TEXT NOT NULL DEFAULT 'active',
		notes        TEXT NOT NULL DEFAULT '',
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_manual_active_email
		ON manual_subscriptions(user_email) WHERE status = 'active';
	CREATE INDEX IF NOT EXISTS idx_manual_user_id ON manual_subscriptions(user_id);

	CREATE TABLE IF NOT EXISTS device_subscriptions (
		id                     TEXT PRIMARY KEY,
		device_id              TEXT NOT NULL UNIQUE,
		stripe_customer_id     TEXT NOT NULL DEFAULT '',
		stripe_subscription_id TEXT NOT NULL DEFAULT '',
		status                 TEXT NOT NULL DEFAULT 'active',
		expires_at             INTEGER,
		created_at             INTEGER NOT NULL,
		updated_at             INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_device_subs_stripe_sub
		ON device_subscriptions(stripe_subscription_id);

	CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		email      TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_roles (
		user_id TEXT NOT NULL,
		role    TEXT NOT NULL,
		PRIMARY KEY (user_id, role)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init entitlement schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
