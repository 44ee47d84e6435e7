package admin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maaun-app/maaun-server/internal/store"
	stripesvc "github.com/maaun-app/maaun-server/internal/stripe"
	"github.com/maaun-app/maaun-server/pkg/grants"
)

// Typed operation failures, mapped to response codes by the HTTP layer.
var (
	ErrActiveGrantExists     = store.ErrActiveGrantExists
	ErrGrantNotFound         = errors.New("manual grant not found")
	ErrInvalidDuration       = errors.New("duration must be a positive number of months")
	ErrSubscriptionNotActive = errors.New("processor subscription is not active")
)

// GrantService performs the manual grant mutations available to verified
// administrators. Every status change goes through the transition table.
type GrantService struct {
	store  *store.Store
	client stripesvc.ProcessorClient
	now    func() time.Time
}

func NewGrantService(st *store.Store, client stripesvc.ProcessorClient) *GrantService {
	return &GrantService{
		store:  st,
		client: client,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Activate creates an active manual grant for an email. An existing active
// grant for the same email is rejected; callers are told to extend instead.
// The user lookup is best-effort: no matching account leaves the grant in a
// pending-claim state that check-time backfill resolves later.
func (s *GrantService) Activate(ctx context.Context, email string, months int, notes, activatedBy string) (*store.ManualGrant, error) {
	if months <= 0 {
		return nil, ErrInvalidDuration
	}
	email = store.NormalizeEmail(email)
	if email == "" {
		return nil, fmt.Errorf("email is required")
	}

	// Friendly pre-check; the partial unique index is the real guard.
	existing, err := s.store.ActiveManualGrantByEmail(email)
	if err != nil {
		return nil, fmt.Errorf("active grant pre-check: %w", err)
	}
	if existing != nil {
		return nil, ErrActiveGrantExists
	}

	userID := ""
	if user, err := s.store.UserByEmail(email); err != nil {
		log.Warn().Err(err).Str("email", email).Msg("user lookup failed; grant activates unclaimed")
	} else if user != nil {
		userID = user.ID
	}

	id, err := store.GenerateGrantID()
	if err != nil {
		return nil, err
	}
	now := s.now()
	grant := &store.ManualGrant{
		ID:          id,
		UserID:      userID,
		UserEmail:   email,
		ActivatedBy: activatedBy,
		ExpiresAt:   grants.AddMonths(now, months),
		Status:      grants.StatusActive,
		Notes:       notes,
		CreatedAt:   now,
	}
	if err := s.store.CreateManualGrant(grant); err != nil {
		return nil, err
	}

	log.Info().
		Str("grant_id", grant.ID).
		Str("email", email).
		Int("months", months).
		Str("activated_by", activatedBy).
		Msg("Manual grant activated")
	return grant, nil
}

// Extend pushes a grant's expiry forward by whole months. The base is the
// current expiry when still in the future, otherwise now: extending a grant
// that lapsed long ago never compounds the dead time.
func (s *GrantService) Extend(ctx context.Context, grantID string, months int) (*store.ManualGrant, error) {
	if months <= 0 {
		return nil, ErrInvalidDuration
	}
	grant, err := s.store.GetManualGrant(grantID)
	if err != nil {
		return nil, fmt.Errorf("load grant: %w", err)
	}
	if grant == nil {
		return nil, ErrGrantNotFound
	}

	if grant.Status != grants.StatusActive {
		if !grants.CanTransition(grant.Status, grants.StatusActive) {
			return nil, fmt.Errorf("grant in status %s cannot be re-activated", grant.Status)
		}
		grant.Status = grants.StatusActive
	}

	grant.ExpiresAt = grants.AddMonths(grants.ExtensionBase(grant.ExpiresAt, s.now()), months)
	if err := s.store.UpdateManualGrant(grant); err != nil {
		return nil, err
	}

	log.Info().
		Str("grant_id", grant.ID).
		Int("months", months).
		Time("expires_at", grant.ExpiresAt).
		Msg("Manual grant extended")
	return grant, nil
}

// Cancel marks a grant cancelled. Cancelling an already-cancelled grant is an
// idempotent no-op returning the grant unchanged.
func (s *GrantService) Cancel(ctx context.Context, grantID string) (*store.ManualGrant, error) {
	grant, err := s.store.GetManualGrant(grantID)
	if err != nil {
		return nil, fmt.Errorf("load grant: %w", err)
	}
	if grant == nil {
		return nil, ErrGrantNotFound
	}
	if grant.Status == grants.StatusCancelled {
		return grant, nil
	}
	if !grants.CanTransition(grant.Status, grants.StatusCancelled) {
		return nil, fmt.Errorf("grant in status %s cannot be cancelled", grant.Status)
	}

	grant.Status = grants.StatusCancelled
	if err := s.store.UpdateManualGrant(grant); err != nil {
		return nil, err
	}

	log.Info().Str("grant_id", grant.ID).Msg("Manual grant cancelled")
	return grant, nil
}

// CancelStripeGrant cancels a processor subscription, immediately or at
// period end (the default), then reconciles the local device grant carrying
// that subscription id.
func (s *GrantService) CancelStripeGrant(ctx context.Context, subscriptionID string, cancelImmediately bool) (*store.DeviceGrant, error) {
	// An empty id would match manual-linked grants, which carry no
	// subscription reference.
	if subscriptionID == "" {
		return nil, ErrGrantNotFound
	}
	grant, err := s.store.DeviceGrantBySubscriptionID(subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("load device grant: %w", err)
	}
	if grant == nil {
		return nil, ErrGrantNotFound
	}

	sub, err := s.client.CancelSubscription(ctx, subscriptionID, !cancelImmediately)
	if err != nil {
		return nil, fmt.Errorf("cancel processor subscription: %w", err)
	}

	next := grants.StatusCancelling
	if cancelImmediately {
		next = grants.StatusCancelled
	}
	var end *time.Time
	if sub != nil {
		if t, ok := grants.PeriodEnd(sub.CurrentPeriodEnd); ok {
			end = &t
		}
	}
	if !grants.CanTransition(grant.Status, next) {
		return nil, fmt.Errorf("grant in status %s cannot move to %s", grant.Status, next)
	}
	if _, err := s.store.UpdateDeviceGrantBySubscriptionID(subscriptionID, next, end); err != nil {
		return nil, err
	}
	grant.Status = next
	if end != nil {
		grant.ExpiresAt = end
	}

	log.Info().
		Str("device_id", grant.DeviceID).
		Str("subscription_id", subscriptionID).
		Bool("immediate", cancelImmediately).
		Msg("Processor subscription cancelled")
	return grant, nil
}

// ExtendStripeGrant pushes a processor-backed subscription's period end out
// by whole 30-day months via a no-proration trial extension, then mirrors the
// new expiry onto the local device grant. The subscription must be live; a
// lapsed one is reactivated through a fresh checkout, not an extension.
func (s *GrantService) ExtendStripeGrant(ctx context.Context, subscriptionID string, additionalMonths int) (*store.DeviceGrant, error) {
	if additionalMonths <= 0 {
		return nil, ErrInvalidDuration
	}
	if subscriptionID == "" {
		return nil, ErrGrantNotFound
	}
	grant, err := s.store.DeviceGrantBySubscriptionID(subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("load device grant: %w", err)
	}
	if grant == nil {
		return nil, ErrGrantNotFound
	}

	sub, err := s.client.Subscription(ctx, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("read processor subscription: %w", err)
	}
	if sub == nil || (sub.Status != "active" && sub.Status != "trialing") {
		return nil, ErrSubscriptionNotActive
	}

	base := sub.CurrentPeriodEnd
	if base <= 0 {
		base = s.now().Unix()
	}
	newPeriodEnd := base + int64(additionalMonths)*30*24*60*60

	if _, err := s.client.ExtendSubscription(ctx, subscriptionID, newPeriodEnd); err != nil {
		return nil, fmt.Errorf("extend processor subscription: %w", err)
	}

	end := time.Unix(newPeriodEnd, 0).UTC()
	if _, err := s.store.UpdateDeviceGrantBySubscriptionID(subscriptionID, grant.Status, &end); err != nil {
		return nil, err
	}
	grant.ExpiresAt = &end

	log.Info().
		Str("device_id", grant.DeviceID).
		Str("subscription_id", subscriptionID).
		Int("additional_months", additionalMonths).
		Time("expires_at", end).
		Msg("Processor subscription extended")
	return grant, nil
}
