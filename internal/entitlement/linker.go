package entitlement

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/maaun-app/maaun-server/internal/metrics"
	"github.com/maaun-app/maaun-server/internal/store"
	stripesvc "github.com/maaun-app/maaun-server/internal/stripe"
	"github.com/maaun-app/maaun-server/pkg/grants"
)

// Typed link failures. ErrDeviceAlreadyLinked is re-exported from the store
// so handlers need only one error set.
var (
	ErrInvalidDeviceID      = errors.New("device id must be a valid UUID")
	ErrInvalidEmail         = errors.New("email address is not well-formed")
	ErrNoActiveSubscription = errors.New("no active subscription found for this email")
	ErrDeviceAlreadyLinked  = store.ErrDeviceAlreadyLinked
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// defaultCustomerScanLimit bounds the fallback full-list scan used when the
// processor's email search index lags behind a fresh signup.
const defaultCustomerScanLimit = 100

// LinkResult describes a successful device link.
type LinkResult struct {
	GrantID   string
	ExpiresAt *time.Time
	Source    string
}

// Linker binds a device to the entitlement purchased under an email, either a
// live processor subscription or an active manual grant. The insert is the
// sole mutation: there is no partial state to clean up on failure.
type Linker struct {
	store     *store.Store
	client    stripesvc.ProcessorClient
	scanLimit int64
	now       func() time.Time
}

func NewLinker(st *store.Store, client stripesvc.ProcessorClient) *Linker {
	return &Linker{
		store:     st,
		client:    client,
		scanLimit: defaultCustomerScanLimit,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Link validates the request, finds an active entitlement for the email, and
// creates the device grant. The device_id UNIQUE constraint is the real
// double-link guard; the pre-check only exists to answer with a friendly
// message before doing processor work.
func (l *Linker) Link(ctx context.Context, deviceID, email string) (*LinkResult, error) {
	res, err := l.link(ctx, deviceID, email)
	metrics.LinkAttemptsTotal.WithLabelValues(linkOutcome(err)).Inc()
	return res, err
}

func (l *Linker) link(ctx context.Context, deviceID, email string) (*LinkResult, error) {
	if _, err := uuid.Parse(deviceID); err != nil {
		return nil, ErrInvalidDeviceID
	}
	email = store.NormalizeEmail(email)
	if !emailPattern.MatchString(email) {
		return nil, ErrInvalidEmail
	}

	existing, err := l.store.DeviceGrantByDeviceID(deviceID)
	if err != nil {
		return nil, fmt.Errorf("check existing link: %w", err)
	}
	if existing != nil {
		return nil, ErrDeviceAlreadyLinked
	}

	cust, err := l.findCustomer(ctx, email)
	if err != nil {
		return nil, err
	}
	if cust != nil {
		sub, err := l.client.ActiveSubscription(ctx, cust.ID)
		if err != nil {
			return nil, fmt.Errorf("processor subscription lookup: %w", err)
		}
		if sub != nil {
			return l.createFromSubscription(deviceID, cust.ID, sub)
		}
	}

	grant, err := l.store.ActiveManualGrantByEmail(email)
	if err != nil {
		return nil, fmt.Errorf("manual grant lookup: %w", err)
	}
	if grant != nil && grant.ExpiresAt.After(l.now()) {
		return l.createFromManualGrant(deviceID, grant)
	}

	return nil, ErrNoActiveSubscription
}

// findCustomer looks the email up exactly, then falls back to a bounded list
// scan. Zero hits is not an error; the caller falls through to manual grants.
func (l *Linker) findCustomer(ctx context.Context, email string) (*stripesvc.Customer, error) {
	cust, err := l.client.CustomerByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("processor customer lookup: %w", err)
	}
	if cust != nil {
		return cust, nil
	}

	customers, err := l.client.ListCustomers(ctx, l.scanLimit)
	if err != nil {
		return nil, fmt.Errorf("processor customer scan: %w", err)
	}
	for i := range customers {
		if store.NormalizeEmail(customers[i].Email) == email {
			return &customers[i], nil
		}
	}
	return nil, nil
}

func (l *Linker) createFromSubscription(deviceID, customerID string, sub *stripesvc.Subscription) (*LinkResult, error) {
	var expiresAt *time.Time
	if end, ok := grants.PeriodEnd(sub.CurrentPeriodEnd); ok {
		expiresAt = &end
	}

	id, err := store.GenerateGrantID()
	if err != nil {
		return nil, err
	}
	grant := &store.DeviceGrant{
		ID:                   id,
		DeviceID:             deviceID,
		StripeCustomerID:     customerID,
		StripeSubscriptionID: sub.ID,
		Status:               grants.MapStripeStatus(sub.Status),
		ExpiresAt:            expiresAt,
	}
	if err := l.store.CreateDeviceGrant(grant); err != nil {
		return nil, err
	}

	log.Info().
		Str("device_id", deviceID).
		Str("subscription_id", sub.ID).
		Msg("Device linked to processor subscription")
	return &LinkResult{GrantID: grant.ID, ExpiresAt: expiresAt, Source: SourceProcessor}, nil
}

func (l *Linker) createFromManualGrant(deviceID string, manual *store.ManualGrant) (*LinkResult, error) {
	id, err := store.GenerateGrantID()
	if err != nil {
		return nil, err
	}
	end := manual.ExpiresAt
	grant := &store.DeviceGrant{
		ID:        id,
		DeviceID:  deviceID,
		Status:    grants.StatusActive,
		ExpiresAt: &end,
	}
	if err := l.store.CreateDeviceGrant(grant); err != nil {
		return nil, err
	}

	log.Info().
		Str("device_id", deviceID).
		Str("grant_id", manual.ID).
		Msg("Device linked to manual grant")
	return &LinkResult{GrantID: grant.ID, ExpiresAt: &end, Source: SourceManual}, nil
}

func linkOutcome(err error) string {
	switch {
	case err == nil:
		return "linked"
	case errors.Is(err, ErrDeviceAlreadyLinked):
		return "already_linked"
	case errors.Is(err, ErrInvalidDeviceID), errors.Is(err, ErrInvalidEmail):
		return "invalid"
	case errors.Is(err, ErrNoActiveSubscription):
		return "no_subscription"
	default:
		return "error"
	}
}
