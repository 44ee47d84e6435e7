package entitlement

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maaun-app/maaun-server/internal/store"
	stripesvc "github.com/maaun-app/maaun-server/internal/stripe"
	"github.com/maaun-app/maaun-server/pkg/grants"
)

const defaultReverifyInterval = 1 * time.Hour

// Reverifier periodically re-syncs processor-backed device grants whose local
// expiry has passed against the live subscription, so renewals reflected only
// on the processor side do not leave devices locked out between client polls.
type Reverifier struct {
	store    *store.Store
	client   stripesvc.ProcessorClient
	interval time.Duration
	now      func() time.Time
}

func NewReverifier(st *store.Store, client stripesvc.ProcessorClient, interval time.Duration) *Reverifier {
	if interval <= 0 {
		interval = defaultReverifyInterval
	}
	return &Reverifier{
		store:    st,
		client:   client,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run starts the reverification loop. It blocks until ctx is cancelled.
func (r *Reverifier) Run(ctx context.Context) {
	log.Info().Dur("interval", r.interval).Msg("Grant reverifier started")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Grant reverifier stopped")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep reverifies every stale processor-backed grant. Read errors are logged
// and skipped; the sweep never mutates a grant it could not verify.
func (r *Reverifier) sweep(ctx context.Context) {
	for _, status := range []grants.Status{grants.StatusActive, grants.StatusCancelling} {
		rows, err := r.store.ListStripeBackedDeviceGrants(status)
		if err != nil {
			log.Error().Err(err).Str("status", string(status)).Msg("Reverifier: failed to list grants")
			return
		}
		now := r.now()
		for _, grant := range rows {
			if ctx.Err() != nil {
				return
			}
			// Only grants whose cached expiry has passed need a live read;
			// everything else is still answered correctly from cache.
			if grant.ExpiresAt == nil || grant.ExpiresAt.After(now) {
				continue
			}
			r.reverify(ctx, grant)
		}
	}
}

func (r *Reverifier) reverify(ctx context.Context, grant *store.DeviceGrant) {
	sub, err := r.client.Subscription(ctx, grant.StripeSubscriptionID)
	if err != nil {
		log.Warn().Err(err).
			Str("device_id", grant.DeviceID).
			Str("subscription_id", grant.StripeSubscriptionID).
			Msg("Reverifier: processor read failed")
		return
	}
	if sub == nil {
		return
	}

	next := grants.MapStripeStatus(sub.Status)
	if next == grants.StatusActive && sub.CancelAtPeriodEnd {
		next = grants.StatusCancelling
	}
	if !grants.CanTransition(grant.Status, next) {
		return
	}

	var end *time.Time
	if t, ok := grants.PeriodEnd(sub.CurrentPeriodEnd); ok {
		end = &t
	}
	if next == grant.Status && (end == nil || (grant.ExpiresAt != nil && grant.ExpiresAt.Equal(*end))) {
		return
	}

	if _, err := r.store.UpdateDeviceGrantBySubscriptionID(grant.StripeSubscriptionID, next, end); err != nil {
		log.Error().Err(err).
			Str("subscription_id", grant.StripeSubscriptionID).
			Msg("Reverifier: failed to persist grant state")
		return
	}

	log.Info().
		Str("device_id", grant.DeviceID).
		Str("subscription_id", grant.StripeSubscriptionID).
		Str("status", string(next)).
		Msg("Reverifier: grant re-synced from processor")
}
