// Package entitlement reconciles the three sources of subscription truth
// (manual grants, device-linked grants, live processor subscriptions) into a
// single answer for "is this device/user subscribed".
package entitlement

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maaun-app/maaun-server/internal/metrics"
	"github.com/maaun-app/maaun-server/internal/store"
	stripesvc "github.com/maaun-app/maaun-server/internal/stripe"
	"github.com/maaun-app/maaun-server/pkg/grants"
)

// CheckRequest identifies the caller. DeviceID is always present; Email and
// UserID are optional and come from the request body and a verified bearer
// token respectively.
type CheckRequest struct {
	DeviceID string
	Email    string
	UserID   string
}

// Result is the reconciled entitlement answer. SubscriptionEnd is nil when
// the expiry is unknown, which is not the same as expired.
type Result struct {
	Subscribed      bool
	ProductID       string
	SubscriptionEnd *time.Time
	Email           string
	Source          string
}

// Resolution sources, recorded in results and metrics.
const (
	SourceManual    = "manual"
	SourceDevice    = "device"
	SourceProcessor = "processor"
	SourceNone      = "none"
)

// Resolver answers entitlement checks. Every step of the resolution order is
// independent: a failing step logs and falls through, and the final default
// is always "not subscribed" with HTTP success.
type Resolver struct {
	store  *store.Store
	client stripesvc.ProcessorClient
	now    func() time.Time
}

func NewResolver(st *store.Store, client stripesvc.ProcessorClient) *Resolver {
	return &Resolver{
		store:  st,
		client: client,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Check resolves entitlement in priority order: manual grant by user id,
// manual grant by email (with opportunistic user_id backfill), device-linked
// grant (with fail-open processor reverification), then a direct processor
// lookup for authenticated users. First match wins.
func (r *Resolver) Check(ctx context.Context, req CheckRequest) Result {
	started := r.now()
	result := r.resolve(ctx, req)
	metrics.EntitlementChecksTotal.WithLabelValues(checkOutcome(result)).Inc()
	metrics.EntitlementCheckDuration.Observe(r.now().Sub(started).Seconds())
	return result
}

func (r *Resolver) resolve(ctx context.Context, req CheckRequest) Result {
	now := r.now()
	email := store.NormalizeEmail(req.Email)

	if req.UserID != "" {
		grant, err := r.store.ActiveManualGrantByUserID(req.UserID)
		if err != nil {
			log.Error().Err(err).Str("user_id", req.UserID).Msg("manual grant lookup by user failed")
		} else if grant != nil && grant.ExpiresAt.After(now) {
			end := grant.ExpiresAt
			return Result{Subscribed: true, SubscriptionEnd: &end, Email: grant.UserEmail, Source: SourceManual}
		}
	}

	if email != "" {
		grant, err := r.store.ActiveManualGrantByEmail(email)
		if err != nil {
			log.Error().Err(err).Str("email", email).Msg("manual grant lookup by email failed")
		} else if grant != nil && grant.ExpiresAt.After(now) {
			if grant.UserID == "" && req.UserID != "" {
				// Link-on-first-sight. The conditional update makes this safe
				// to lose a race; failure only costs a later retry.
				if err := r.store.AttachUserID(grant.ID, req.UserID); err != nil {
					log.Warn().Err(err).Str("grant_id", grant.ID).Msg("user backfill failed")
				}
			}
			end := grant.ExpiresAt
			return Result{Subscribed: true, SubscriptionEnd: &end, Email: grant.UserEmail, Source: SourceManual}
		}
	}

	if req.DeviceID != "" {
		grant, err := r.store.DeviceGrantByDeviceID(req.DeviceID)
		if err != nil {
			log.Error().Err(err).Str("device_id", req.DeviceID).Msg("device grant lookup failed")
		} else if grant != nil {
			// A device grant, live or dead, terminates resolution: expired
			// grants stay on record and answer "not subscribed".
			return r.resolveDeviceGrant(ctx, grant, email, now)
		}
	}

	if req.UserID != "" && email != "" {
		if result, ok := r.resolveFromProcessor(ctx, email); ok {
			return result
		}
	}

	return Result{Subscribed: false, Email: email, Source: SourceNone}
}

// resolveDeviceGrant recomputes the grant's effective status, reverifying
// processor-backed grants against the live subscription first. Processor read
// errors are swallowed and the cached state used: fail-open on transient
// errors, fail-closed only on true expiry.
func (r *Resolver) resolveDeviceGrant(ctx context.Context, grant *store.DeviceGrant, email string, now time.Time) Result {
	productID := ""
	if grant.StripeBacked() && grants.GrantsAccess(grant.Status) {
		sub, err := r.client.Subscription(ctx, grant.StripeSubscriptionID)
		if err != nil {
			log.Warn().Err(err).
				Str("device_id", grant.DeviceID).
				Str("subscription_id", grant.StripeSubscriptionID).
				Msg("processor reverification failed; using cached grant")
		} else if sub != nil {
			productID = sub.ProductID
			r.reconcileGrant(grant, sub)
		}
	}

	effective := grants.EffectiveStatus(grant.Status, grant.ExpiresAt, now)
	if !grants.GrantsAccess(effective) {
		return Result{Subscribed: false, Email: email, Source: SourceDevice}
	}
	return Result{
		Subscribed:      true,
		ProductID:       productID,
		SubscriptionEnd: grant.ExpiresAt,
		Email:           email,
		Source:          SourceDevice,
	}
}

// reconcileGrant folds an authoritative processor read back into the local
// grant, in memory and in storage. Persistence failures are logged only; the
// in-memory state still answers this check correctly.
func (r *Resolver) reconcileGrant(grant *store.DeviceGrant, sub *stripesvc.Subscription) {
	next := grants.MapStripeStatus(sub.Status)
	if next == grants.StatusActive && sub.CancelAtPeriodEnd {
		next = grants.StatusCancelling
	}
	var end *time.Time
	if t, ok := grants.PeriodEnd(sub.CurrentPeriodEnd); ok {
		end = &t
	}

	changed := next != grant.Status ||
		(end != nil && (grant.ExpiresAt == nil || !grant.ExpiresAt.Equal(*end)))
	if !changed || !grants.CanTransition(grant.Status, next) {
		return
	}

	grant.Status = next
	if end != nil {
		grant.ExpiresAt = end
	}
	if _, err := r.store.UpdateDeviceGrantBySubscriptionID(grant.StripeSubscriptionID, next, end); err != nil {
		log.Warn().Err(err).
			Str("subscription_id", grant.StripeSubscriptionID).
			Msg("failed to persist reverified grant state")
	}
}

// resolveFromProcessor is the last-resort direct lookup for authenticated
// users whose device was never linked. Any processor error degrades to "not
// subscribed"; this step is never authoritative enough to fail the call.
func (r *Resolver) resolveFromProcessor(ctx context.Context, email string) (Result, bool) {
	cust, err := r.client.CustomerByEmail(ctx, email)
	if err != nil {
		log.Warn().Err(err).Str("email", email).Msg("processor customer lookup failed")
		return Result{}, false
	}
	if cust == nil {
		return Result{}, false
	}

	sub, err := r.client.ActiveSubscription(ctx, cust.ID)
	if err != nil {
		log.Warn().Err(err).Str("customer_id", cust.ID).Msg("processor subscription lookup failed")
		return Result{}, false
	}
	if sub == nil {
		return Result{}, false
	}

	var end *time.Time
	if t, ok := grants.PeriodEnd(sub.CurrentPeriodEnd); ok {
		end = &t
	}
	return Result{
		Subscribed:      true,
		ProductID:       sub.ProductID,
		SubscriptionEnd: end,
		Email:           email,
		Source:          SourceProcessor,
	}, true
}

func checkOutcome(res Result) string {
	if !res.Subscribed {
		return "not_subscribed"
	}
	return "subscribed_" + res.Source
}
