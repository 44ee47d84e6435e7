package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/maaun-app/maaun-server/internal/store"
	"github.com/maaun-app/maaun-server/pkg/grants"
	"github.com/rs/zerolog/log"
)

// Bridge materializes device-linked grants from processor webhook events.
// All writes are upserts or keyed updates so event redelivery and
// out-of-order delivery never corrupt state.
type Bridge struct {
	store               *store.Store
	client              ProcessorClient
	fallbackGrantMonths int
	now                 func() time.Time
}

// NewBridge creates a webhook bridge. fallbackGrantMonths is the grant
// duration used when no authoritative period end can be obtained from the
// processor.
func NewBridge(st *store.Store, client ProcessorClient, fallbackGrantMonths int) *Bridge {
	if fallbackGrantMonths <= 0 {
		fallbackGrantMonths = 3
	}
	return &Bridge{
		store:               st,
		client:              client,
		fallbackGrantMonths: fallbackGrantMonths,
		now:                 func() time.Time { return time.Now().UTC() },
	}
}

// HandleCheckoutCompleted upserts a device grant from a
// checkout.session.completed event. A session without device metadata is
// logged and dropped: the payment is permanently unlinkable through this
// path and the user's recovery is the manual linking flow.
func (b *Bridge) HandleCheckoutCompleted(ctx context.Context, session CheckoutSessionEvent) error {
	deviceID := session.DeviceID()
	if deviceID == "" {
		log.Warn().
			Str("session_id", session.ID).
			Str("customer_id", session.Customer).
			Msg("checkout completed without device_id metadata; cannot link")
		return nil
	}

	customerID := session.Customer
	if customerID != "" && !IsSafeStripeID(customerID) {
		return fmt.Errorf("invalid stripe customer id: %s", customerID)
	}
	subscriptionID := session.Subscription
	if subscriptionID != "" && !IsSafeStripeID(subscriptionID) {
		return fmt.Errorf("invalid stripe subscription id: %s", subscriptionID)
	}

	// Prefer the live subscription's period end over anything in the event:
	// the processor read is authoritative whenever a subscription id exists.
	expiresAt := b.authoritativeExpiry(ctx, subscriptionID)
	status := grants.StatusActive

	id, err := store.GenerateGrantID()
	if err != nil {
		return err
	}
	grant := &store.DeviceGrant{
		ID:                   id,
		DeviceID:             deviceID,
		StripeCustomerID:     customerID,
		StripeSubscriptionID: subscriptionID,
		Status:               status,
		ExpiresAt:            expiresAt,
	}
	if err := b.store.UpsertDeviceGrant(grant); err != nil {
		return fmt.Errorf("upsert device grant for %s: %w", deviceID, err)
	}

	log.Info().
		Str("device_id", deviceID).
		Str("customer_id", customerID).
		Str("subscription_id", subscriptionID).
		Time("expires_at", derefTime(expiresAt)).
		Msg("Device grant materialized from checkout")
	return nil
}

// authoritativeExpiry resolves the grant expiry: live processor read when a
// subscription id exists, otherwise the fixed-duration estimate. A failed
// processor read also falls back to the estimate rather than failing the
// event.
func (b *Bridge) authoritativeExpiry(ctx context.Context, subscriptionID string) *time.Time {
	if subscriptionID != "" {
		sub, err := b.client.Subscription(ctx, subscriptionID)
		if err != nil {
			log.Warn().Err(err).
				Str("subscription_id", subscriptionID).
				Msg("live subscription read failed; using fixed-duration expiry")
		} else if sub != nil {
			if end, ok := grants.PeriodEnd(sub.CurrentPeriodEnd); ok {
				return &end
			}
			log.Warn().
				Str("subscription_id", subscriptionID).
				Int64("period_end", sub.CurrentPeriodEnd).
				Msg("subscription carries no usable period end; using fixed-duration expiry")
		}
	}
	est := grants.AddMonths(b.now(), b.fallbackGrantMonths)
	return &est
}

// HandleSubscriptionUpdated updates the device grant carrying the event's
// subscription id. No matching local record is a silent no-op: the update may
// have raced ahead of the checkout insert, or the grant was created through a
// path that never retained the id.
func (b *Bridge) HandleSubscriptionUpdated(ctx context.Context, sub SubscriptionEvent) error {
	return b.applySubscriptionEvent(sub, grants.MapStripeStatus(sub.Status), "subscription updated")
}

// HandleSubscriptionDeleted marks the device grant carrying the event's
// subscription id as cancelled.
func (b *Bridge) HandleSubscriptionDeleted(ctx context.Context, sub SubscriptionEvent) error {
	return b.applySubscriptionEvent(sub, grants.StatusCancelled, "subscription deleted")
}

func (b *Bridge) applySubscriptionEvent(sub SubscriptionEvent, next grants.Status, what string) error {
	if sub.ID == "" {
		return fmt.Errorf("subscription event missing id")
	}

	existing, err := b.store.DeviceGrantBySubscriptionID(sub.ID)
	if err != nil {
		return fmt.Errorf("lookup device grant by subscription: %w", err)
	}
	if existing == nil {
		log.Info().
			Str("subscription_id", sub.ID).
			Str("status", sub.Status).
			Msg("subscription event for unknown local grant; ignoring")
		return nil
	}

	if !grants.CanTransition(existing.Status, next) {
		log.Warn().
			Str("subscription_id", sub.ID).
			Str("from", string(existing.Status)).
			Str("to", string(next)).
			Msg("disallowed grant status transition; ignoring event")
		return nil
	}

	// cancel_at_period_end keeps access until expiry, surfaced as cancelling.
	if next == grants.StatusActive && sub.CancelAtPeriodEnd &&
		grants.CanTransition(existing.Status, grants.StatusCancelling) {
		next = grants.StatusCancelling
	}

	var expiresAt *time.Time
	if end, ok := grants.PeriodEnd(sub.PeriodEnd()); ok {
		expiresAt = &end
	}

	if _, err := b.store.UpdateDeviceGrantBySubscriptionID(sub.ID, next, expiresAt); err != nil {
		return fmt.Errorf("apply %s: %w", what, err)
	}

	log.Info().
		Str("subscription_id", sub.ID).
		Str("device_id", existing.DeviceID).
		Str("status", string(next)).
		Msg("Device grant reconciled from webhook")
	return nil
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
