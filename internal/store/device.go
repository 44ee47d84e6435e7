package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/maaun-app/maaun-server/pkg/grants"
)

const deviceGrantColumns = `id, device_id, stripe_customer_id,
	stripe_subscription_id, status, expires_at, created_at, updated_at`

// CreateDeviceGrant inserts a new device grant. The device_id unique
// constraint is the authoritative at-most-one-per-device guard: a concurrent
// second insert fails here and surfaces as ErrDeviceAlreadyLinked, never as a
// raw SQL error.
func (s *Store) CreateDeviceGrant(g *DeviceGrant) error {
	if g == nil {
		return fmt.Errorf("device grant is nil")
	}
	now := time.Now().UTC()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now
	if g.Status == grants.StatusBlank {
		g.Status = grants.StatusActive
	}

	_, err := s.db.Exec(`
		INSERT INTO device_subscriptions (
			id, device_id, stripe_customer_id, stripe_subscription_id,
			status, expires_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.DeviceID, g.StripeCustomerID, g.StripeSubscriptionID,
		string(g.Status), nullableTimeUnix(g.ExpiresAt),
		g.CreatedAt.Unix(), g.UpdatedAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDeviceAlreadyLinked
		}
		return fmt.Errorf("create device grant: %w", err)
	}
	return nil
}

// UpsertDeviceGrant inserts or, when the device already has a row, updates
// the processor references, status, and expiry in place. Webhook replays land
// here so redelivery can never produce a duplicate row.
func (s *Store) UpsertDeviceGrant(g *DeviceGrant) error {
	if g == nil {
		return fmt.Errorf("device grant is nil")
	}
	now := time.Now().UTC()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now
	if g.Status == grants.StatusBlank {
		g.Status = grants.StatusActive
	}

	_, err := s.db.Exec(`
		INSERT INTO device_subscriptions (
			id, device_id, stripe_customer_id, stripe_subscription_id,
			status, expires_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			stripe_customer_id = excluded.stripe_customer_id,
			stripe_subscription_id = excluded.stripe_subscription_id,
			status = excluded.status,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		g.ID, g.DeviceID, g.StripeCustomerID, g.StripeSubscriptionID,
		string(g.Status), nullableTimeUnix(g.ExpiresAt),
		g.CreatedAt.Unix(), g.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert device grant: %w", err)
	}
	return nil
}

// DeviceGrantByDeviceID retrieves the grant for a device, or nil.
func (s *Store) DeviceGrantByDeviceID(deviceID string) (*DeviceGrant, error) {
	row := s.db.QueryRow(`SELECT `+deviceGrantColumns+`
		FROM device_subscriptions WHERE device_id = ?`, deviceID)
	return scanDeviceGrant(row)
}

// DeviceGrantBySubscriptionID retrieves the grant carrying a processor
// subscription id, or nil.
func (s *Store) DeviceGrantBySubscriptionID(subscriptionID string) (*DeviceGrant, error) {
	row := s.db.QueryRow(`SELECT `+deviceGrantColumns+`
		FROM device_subscriptions WHERE stripe_subscription_id = ?`, subscriptionID)
	return scanDeviceGrant(row)
}

// ListStripeBackedDeviceGrants returns grants with a processor subscription
// id and the given stored status, used by the background reverifier.
func (s *Store) ListStripeBackedDeviceGrants(status grants.Status) ([]*DeviceGrant, error) {
	rows, err := s.db.Query(`SELECT `+deviceGrantColumns+`
		FROM device_subscriptions
		WHERE stripe_subscription_id != '' AND status = ?
		ORDER BY updated_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list stripe-backed device grants: %w", err)
	}
	defer rows.Close()

	var out []*DeviceGrant
	for rows.Next() {
		g, err := scanDeviceGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// UpdateDeviceGrant persists status and expiry changes for an existing grant.
func (s *Store) UpdateDeviceGrant(g *DeviceGrant) error {
	if g == nil {
		return fmt.Errorf("device grant is nil")
	}
	g.UpdatedAt = time.Now().UTC()

	res, err := s.db.Exec(`
		UPDATE device_subscriptions SET
			stripe_customer_id = ?, stripe_subscription_id = ?,
			status = ?, expires_at = ?, updated_at = ?
		WHERE id = ?`,
		g.StripeCustomerID, g.StripeSubscriptionID,
		string(g.Status), nullableTimeUnix(g.ExpiresAt), g.UpdatedAt.Unix(),
		g.ID,
	)
	if err != nil {
		return fmt.Errorf("update device grant: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateDeviceGrantBySubscriptionID updates status and expiry on the grant
// carrying the given processor subscription id. Zero matched rows is a
// successful no-op (affected=0): the webhook bridge tolerates
// update-before-insert ordering.
func (s *Store) UpdateDeviceGrantBySubscriptionID(subscriptionID string, status grants.Status, expiresAt *time.Time) (affected int64, err error) {
	res, err := s.db.Exec(`
		UPDATE device_subscriptions SET
			status = ?, expires_at = COALESCE(?, expires_at), updated_at = ?
		WHERE stripe_subscription_id = ?`,
		string(status), nullableTimeUnix(expiresAt), time.Now().UTC().Unix(),
		subscriptionID,
	)
	if err != nil {
		return 0, fmt.Errorf("update device grant by subscription: %w", err)
	}
	affected, _ = res.RowsAffected()
	return affected, nil
}

func scanDeviceGrant(sc scanner) (*DeviceGrant, error) {
	var g DeviceGrant
	var status string
	var expiresAt sql.NullInt64
	var createdAt, updatedAt int64

	err := sc.Scan(
		&g.ID, &g.DeviceID, &g.StripeCustomerID, &g.StripeSubscriptionID,
		&status, &expiresAt, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan device grant: %w", err)
	}

	g.Status = grants.ParseStatus(status)
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0).UTC()
		g.ExpiresAt = &t
	}
	g.CreatedAt = time.Unix(createdAt, 0).UTC()
	g.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &g, nil
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.Unix()
}
