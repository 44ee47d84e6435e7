package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateUser inserts a registered user.
func (s *Store) CreateUser(u *User) error {
	if u == nil {
		return fmt.Errorf("user is nil")
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	u.Email = NormalizeEmail(u.Email)

	_, err := s.db.Exec(`INSERT INTO users (id, email, created_at) VALUES (?, ?, ?)`,
		u.ID, u.Email, u.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// UserByEmail retrieves a user by normalized email, or nil.
func (s *Store) UserByEmail(email string) (*User, error) {
	row := s.db.QueryRow(`SELECT id, email, created_at FROM users WHERE email = ?`,
		NormalizeEmail(email))
	return scanUser(row)
}

// UserByID retrieves a user by ID, or nil.
func (s *Store) UserByID(id string) (*User, error) {
	row := s.db.QueryRow(`SELECT id, email, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// ListUsers returns all registered users, newest first.
func (s *Store) ListUsers() ([]*User, error) {
	rows, err := s.db.Query(`SELECT id, email, created_at FROM users ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// GrantRole assigns a role to a user. Re-granting is a no-op.
func (s *Store) GrantRole(userID, role string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO user_roles (user_id, role) VALUES (?, ?)`,
		userID, role)
	if err != nil {
		return fmt.Errorf("grant role: %w", err)
	}
	return nil
}

// HasRole reports whether the user holds the given role.
func (s *Store) HasRole(userID, role string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM user_roles WHERE user_id = ? AND role = ?`,
		userID, role).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check role: %w", err)
	}
	return true, nil
}

func scanUser(sc scanner) (*User, error) {
	var u User
	var createdAt int64
	err := sc.Scan(&u.ID, &u.Email, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &u, nil
}
