// Package grants defines the subscription grant status machine shared by the
// entitlement store, the reconciliation service, and the Stripe webhook
// bridge. Status transitions are centralized here so no mutator writes an ad
// hoc status string.
package grants

import (
	"slices"
	"strings"
	"time"
)

// Status is the lifecycle state of a grant (manual or device-linked).
type Status string

const (
	// StatusActive grants access to the paid feature until expiry.
	StatusActive Status = "active"
	// StatusInactive is a processor-driven downgrade (payment lapsed,
	// subscription paused). Re-activation by a later webhook is allowed.
	StatusInactive Status = "inactive"
	// StatusCancelling marks a Stripe-backed grant scheduled to cancel at
	// period end. Access continues until expiry.
	StatusCancelling Status = "cancelling"
	// StatusCancelled is set by an explicit admin or user cancel action.
	StatusCancelled Status = "cancelled"
	// StatusExpired is derived from expiry, never stored.
	StatusExpired Status = "expired"
)

// Transition represents a valid stored-state transition.
type Transition struct {
	From Status
	To   Status
}

var validTransitions = map[Transition]bool{
	{StatusActive, StatusInactive}:      true, // payment lapsed
	{StatusActive, StatusCancelling}:    true, // cancel at period end requested
	{StatusActive, StatusCancelled}:     true, // explicit cancel
	{StatusInactive, StatusActive}:      true, // payment recovered
	{StatusInactive, StatusCancelled}:   true, // explicit cancel while lapsed
	{StatusCancelling, StatusActive}:    true, // cancellation revoked
	{StatusCancelling, StatusCancelled}: true, // period end reached
	{StatusCancelled, StatusActive}:     true, // admin re-activation (extend)
}

// StatusBlank is the zero value for a not-yet-created grant.
const StatusBlank Status = ""

// CanTransition reports whether a stored grant may move from one status to
// another. Creating a grant (blank -> active) is always allowed; setting the
// same status again is treated as an idempotent no-op and allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if from == StatusBlank && to == StatusActive {
		return true
	}
	return validTransitions[Transition{from, to}]
}

// ValidTransitionsFrom returns the sorted set of statuses reachable from the
// given status.
func ValidTransitionsFrom(from Status) []Status {
	targets := make([]Status, 0)
	for t, ok := range validTransitions {
		if ok && t.From == from {
			targets = append(targets, t.To)
		}
	}
	slices.Sort(targets)
	return targets
}

// ParseStatus normalizes a stored status string. Unknown values map to
// inactive so a corrupted row can never grant access.
func ParseStatus(raw string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusActive:
		return StatusActive
	case StatusInactive:
		return StatusInactive
	case StatusCancelling:
		return StatusCancelling
	case StatusCancelled:
		return StatusCancelled
	default:
		return StatusInactive
	}
}

// MapStripeStatus converts a Stripe subscription status to a grant status.
// Unknown statuses fail closed (inactive).
func MapStripeStatus(status string) Status {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active", "trialing":
		return StatusActive
	case "canceled":
		return StatusCancelled
	case "past_due", "unpaid", "paused", "incomplete", "incomplete_expired":
		return StatusInactive
	default:
		return StatusInactive
	}
}

// EffectiveStatus derives the observable status of a grant: a stored-active
// grant whose expiry has passed reads as expired. Grants with no known expiry
// keep their stored status.
func EffectiveStatus(stored Status, expiresAt *time.Time, now time.Time) Status {
	if stored != StatusActive && stored != StatusCancelling {
		return stored
	}
	if expiresAt != nil && !expiresAt.After(now) {
		return StatusExpired
	}
	return stored
}

// GrantsAccess reports whether a derived status entitles the holder to the
// paid feature.
func GrantsAccess(s Status) bool {
	return s == StatusActive || s == StatusCancelling
}
