package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maaun-app/maaun-server/internal/store"
	"github.com/maaun-app/maaun-server/pkg/grants"
)

// UserSummary is one row of the admin dashboard's user listing: the account
// joined with its manual grant and live processor state.
type UserSummary struct {
	UserID          string     `json:"user_id"`
	Email           string     `json:"email"`
	IsAdmin         bool       `json:"is_admin"`
	ManualGrantID   string     `json:"manual_grant_id,omitempty"`
	ManualStatus    string     `json:"manual_status,omitempty"`
	ManualExpiresAt *time.Time `json:"manual_expires_at,omitempty"`
	StripeActive    bool       `json:"stripe_active"`
	StripeExpiresAt *time.Time `json:"stripe_expires_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// ListUsers builds the per-user entitlement summary. Processor lookups are
// best-effort: a Stripe outage degrades the listing to local data instead of
// failing it.
func (s *GrantService) ListUsers(ctx context.Context) ([]UserSummary, error) {
	users, err := s.store.ListUsers()
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	now := s.now()

	out := make([]UserSummary, 0, len(users))
	for _, u := range users {
		row := UserSummary{UserID: u.ID, Email: u.Email, CreatedAt: u.CreatedAt}

		if isAdmin, err := s.store.HasRole(u.ID, store.RoleAdmin); err == nil {
			row.IsAdmin = isAdmin
		}

		if grant, err := s.store.ActiveManualGrantByEmail(u.Email); err != nil {
			log.Warn().Err(err).Str("email", u.Email).Msg("manual grant lookup failed in user listing")
		} else if grant != nil {
			row.ManualGrantID = grant.ID
			row.ManualStatus = string(grants.EffectiveStatus(grant.Status, &grant.ExpiresAt, now))
			end := grant.ExpiresAt
			row.ManualExpiresAt = &end
		}

		s.fillStripeState(ctx, &row)
		out = append(out, row)
	}
	return out, nil
}

func (s *GrantService) fillStripeState(ctx context.Context, row *UserSummary) {
	cust, err := s.client.CustomerByEmail(ctx, row.Email)
	if err != nil {
		log.Warn().Err(err).Str("email", row.Email).Msg("processor customer lookup failed in user listing")
		return
	}
	if cust == nil {
		return
	}
	sub, err := s.client.ActiveSubscription(ctx, cust.ID)
	if err != nil {
		log.Warn().Err(err).Str("customer_id", cust.ID).Msg("processor subscription lookup failed in user listing")
		return
	}
	if sub == nil {
		return
	}
	row.StripeActive = true
	if end, ok := grants.PeriodEnd(sub.CurrentPeriodEnd); ok {
		row.StripeExpiresAt = &end
	}
}
