package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/maaun-app/maaun-server/pkg/grants"
)

// CreateManualGrant inserts a new manual grant. The partial unique index on
// (user_email) WHERE status='active' is the real one-active-per-email guard;
// a violation surfaces as ErrActiveGrantExists.
func (s *Store) CreateManualGrant(g *ManualGrant) error {
	if g == nil {
		return fmt.Errorf("manual grant is nil")
	}
	now := time.Now().UTC()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now
	g.UserEmail = NormalizeEmail(g.UserEmail)
	if g.Status == grants.StatusBlank {
		g.Status = grants.StatusActive
	}

	_, err := s.db.Exec(`
		INSERT INTO manual_subscriptions (
			id, user_id, user_email, activated_by,
			expires_at, status, notes, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, nullableString(g.UserID), g.UserEmail, g.ActivatedBy,
		g.ExpiresAt.Unix(), string(g.Status), g.Notes,
		g.CreatedAt.Unix(), g.UpdatedAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrActiveGrantExists
		}
		return fmt.Errorf("create manual grant: %w", err)
	}
	return nil
}

const manualGrantColumns = `id, user_id, user_email, activated_by,
	expires_at, status, notes, created_at, updated_at`

// GetManualGrant retrieves a manual grant by ID.
func (s *Store) GetManualGrant(id string) (*ManualGrant, error) {
	row := s.db.QueryRow(`SELECT `+manualGrantColumns+`
		FROM manual_subscriptions WHERE id = ?`, id)
	return scanManualGrant(row)
}

// ActiveManualGrantByUserID returns the active manual grant for a user, or
// nil when none exists. Expiry is not filtered here; callers derive it.
func (s *Store) ActiveManualGrantByUserID(userID string) (*ManualGrant, error) {
	row := s.db.QueryRow(`SELECT `+manualGrantColumns+`
		FROM manual_subscriptions
		WHERE user_id = ? AND status = ?`, userID, string(grants.StatusActive))
	return scanManualGrant(row)
}

// ActiveManualGrantByEmail returns the active manual grant for a normalized
// email, or nil when none exists.
func (s *Store) ActiveManualGrantByEmail(email string) (*ManualGrant, error) {
	row := s.db.QueryRow(`SELECT `+manualGrantColumns+`
		FROM manual_subscriptions
		WHERE user_email = ? AND status = ?
		ORDER BY expires_at DESC LIMIT 1`,
		NormalizeEmail(email), string(grants.StatusActive))
	return scanManualGrant(row)
}

// ListActiveManualGrants returns all manual grants with stored status active.
func (s *Store) ListActiveManualGrants() ([]*ManualGrant, error) {
	rows, err := s.db.Query(`SELECT `+manualGrantColumns+`
		FROM manual_subscriptions
		WHERE status = ? ORDER BY created_at DESC`, string(grants.StatusActive))
	if err != nil {
		return nil, fmt.Errorf("list active manual grants: %w", err)
	}
	defer rows.Close()

	var out []*ManualGrant
	for rows.Next() {
		g, err := scanManualGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// UpdateManualGrant persists expiry, status, and notes changes.
func (s *Store) UpdateManualGrant(g *ManualGrant) error {
	if g == nil {
		return fmt.Errorf("manual grant is nil")
	}
	g.UpdatedAt = time.Now().UTC()

	res, err := s.db.Exec(`
		UPDATE manual_subscriptions SET
			user_id = ?, expires_at = ?, status = ?, notes = ?, updated_at = ?
		WHERE id = ?`,
		nullableString(g.UserID), g.ExpiresAt.Unix(), string(g.Status),
		g.Notes, g.UpdatedAt.Unix(), g.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrActiveGrantExists
		}
		return fmt.Errorf("update manual grant: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// AttachUserID backfills user_id onto a grant once, only if it is currently
// unset. The conditional update makes concurrent backfills safe: a second
// writer simply matches zero rows.
func (s *Store) AttachUserID(grantID, userID string) error {
	_, err := s.db.Exec(`
		UPDATE manual_subscriptions
		SET user_id = ?, updated_at = ?
		WHERE id = ? AND (user_id IS NULL OR user_id = '')`,
		userID, time.Now().UTC().Unix(), grantID,
	)
	if err != nil {
		return fmt.Errorf("attach user id: %w", err)
	}
	return nil
}

func scanManualGrant(sc scanner) (*ManualGrant, error) {
	var g ManualGrant
	var userID sql.NullString
	var status string
	var expiresAt, createdAt, updatedAt int64

	err := sc.Scan(
		&g.ID, &userID, &g.UserEmail, &g.ActivatedBy,
		&expiresAt, &status, &g.Notes, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan manual grant: %w", err)
	}

	g.UserID = userID.String
	g.Status = grants.ParseStatus(status)
	g.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	g.CreatedAt = time.Unix(createdAt, 0).UTC()
	g.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &g, nil
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
