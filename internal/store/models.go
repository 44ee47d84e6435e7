package store

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/maaun-app/maaun-server/pkg/grants"
)

// ManualGrant is an admin-created subscription not backed by a payment
// processor. It is keyed by normalized email until the holder registers, at
// which point user_id is backfilled once.
type ManualGrant struct {
	ID          string        `json:"id"`
	UserID      string        `json:"user_id,omitempty"`
	UserEmail   string        `json:"user_email"`
	ActivatedBy string        `json:"activated_by"`
	ExpiresAt   time.Time     `json:"expires_at"`
	Status      grants.Status `json:"status"`
	Notes       string        `json:"notes,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// DeviceGrant binds an anonymous device identifier to an entitlement, backed
// either by a Stripe subscription or by a manual grant (processor ids empty).
// At most one row exists per device_id.
type DeviceGrant struct {
	ID                   string        `json:"id"`
	DeviceID             string        `json:"device_id"`
	StripeCustomerID     string        `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID string        `json:"stripe_subscription_id,omitempty"`
	Status               grants.Status `json:"status"`
	ExpiresAt            *time.Time    `json:"expires_at,omitempty"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

// StripeBacked reports whether the grant carries a live processor
// subscription reference. Only then is a processor read authoritative for
// expiry.
func (g *DeviceGrant) StripeBacked() bool {
	return g != nil && strings.TrimSpace(g.StripeSubscriptionID) != ""
}

// User is a registered account holder.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// RoleAdmin is the only role kind the entitlement server cares about.
const RoleAdmin = "admin"

// crockfordBase32 is the Crockford base32 alphabet (excludes I, L, O, U).
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

func randomID(prefix string) (string, error) {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	var sb strings.Builder
	sb.WriteString(prefix)
	for _, v := range b {
		sb.WriteByte(crockfordBase32[int(v)%len(crockfordBase32)])
	}
	return sb.String(), nil
}

// GenerateGrantID returns a grant ID of the form "g_" followed by 10 random
// Crockford base32 characters (50 bits of entropy).
func GenerateGrantID() (string, error) {
	return randomID("g_")
}

// GenerateUserID returns a user ID of the form "u_" followed by 10 random
// Crockford base32 characters.
func GenerateUserID() (string, error) {
	return randomID("u_")
}

// NormalizeEmail canonicalizes an email for storage and lookup: trim then
// lowercase. Every store query and every service goes through this before
// touching user_email.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
