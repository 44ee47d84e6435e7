package admin

import (
	"context"
	"errors"
	"testing"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stretchr/testify/require"

	"github.com/maaun-app/maaun-server/internal/store"
	stripesvc "github.com/maaun-app/maaun-server/internal/stripe"
	"github.com/maaun-app/maaun-server/pkg/grants"
)

type stubProcessor struct {
	customers  map[string]*stripesvc.Customer
	activeSubs map[string]*stripesvc.Subscription
	subsByID   map[string]*stripesvc.Subscription
	emails     map[string]string
	err        error

	extendedID  string
	extendedEnd int64
}

func (s *stubProcessor) CustomerByEmail(ctx context.Context, email string) (*stripesvc.Customer, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.customers[email], nil
}

func (s *stubProcessor) ListCustomers(ctx context.Context, limit int64) ([]stripesvc.Customer, error) {
	return nil, s.err
}

func (s *stubProcessor) ActiveSubscription(ctx context.Context, customerID string) (*stripesvc.Subscription, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.activeSubs[customerID], nil
}

func (s *stubProcessor) Subscription(ctx context.Context, id string) (*stripesvc.Subscription, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.subsByID[id], nil
}

func (s *stubProcessor) CancelSubscription(ctx context.Context, id string, atPeriodEnd bool) (*stripesvc.Subscription, error) {
	if s.err != nil {
		return nil, s.err
	}
	sub := s.subsByID[id]
	if sub == nil {
		return nil, errors.New("no such subscription")
	}
	if atPeriodEnd {
		sub.CancelAtPeriodEnd = true
	} else {
		sub.Status = "canceled"
	}
	return sub, nil
}

func (s *stubProcessor) ExtendSubscription(ctx context.Context, id string, newPeriodEnd int64) (*stripesvc.Subscription, error) {
	if s.err != nil {
		return nil, s.err
	}
	sub := s.subsByID[id]
	if sub == nil {
		return nil, errors.New("no such subscription")
	}
	s.extendedID = id
	s.extendedEnd = newPeriodEnd
	sub.CurrentPeriodEnd = newPeriodEnd
	return sub, nil
}

func (s *stubProcessor) CustomerEmail(ctx context.Context, customerID string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.emails[customerID], nil
}

func (s *stubProcessor) NewCheckoutSession(ctx context.Context, params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error) {
	return nil, errors.New("not implemented")
}

var testNow = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func newService(t *testing.T, client stripesvc.ProcessorClient) (*GrantService, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	svc := NewGrantService(st, client)
	svc.now = func() time.Time { return testNow }
	return svc, st
}

func TestActivateRejectsSecondActiveGrant(t *testing.T) {
	svc, _ := newService(t, &stubProcessor{})
	ctx := context.Background()

	first, err := svc.Activate(ctx, "One@Example.com", 3, "promo", "admin@maaun.app")
	require.NoError(t, err)
	require.Equal(t, "one@example.com", first.UserEmail)
	require.Equal(t, grants.AddMonths(testNow, 3).Unix(), first.ExpiresAt.Unix())

	_, err = svc.Activate(ctx, "one@example.com ", 6, "", "admin@maaun.app")
	require.ErrorIs(t, err, ErrActiveGrantExists)
}

func TestActivateBackfillsKnownUser(t *testing.T) {
	svc, st := newService(t, &stubProcessor{})
	require.NoError(t, st.CreateUser(&store.User{ID: "u_known", Email: "known@example.com"}))

	grant, err := svc.Activate(context.Background(), "known@example.com", 1, "", "admin")
	require.NoError(t, err)
	require.Equal(t, "u_known", grant.UserID)

	// Unknown emails activate unclaimed.
	grant, err = svc.Activate(context.Background(), "stranger@example.com", 1, "", "admin")
	require.NoError(t, err)
	require.Empty(t, grant.UserID)
}

func TestExtendNeverCompoundsExpiredTime(t *testing.T) {
	svc, st := newService(t, &stubProcessor{})
	ctx := context.Background()

	grant, err := svc.Activate(ctx, "lapsed@example.com", 1, "", "admin")
	require.NoError(t, err)

	// Push the expiry two months into the past.
	grant.ExpiresAt = grants.AddMonths(testNow, -2)
	require.NoError(t, st.UpdateManualGrant(grant))

	extended, err := svc.Extend(ctx, grant.ID, 3)
	require.NoError(t, err)
	// Base is now, not the stale expiry: exactly 3 months from today.
	require.Equal(t, grants.AddMonths(testNow, 3).Unix(), extended.ExpiresAt.Unix())
}

func TestExtendFutureGrantAddsToCurrentExpiry(t *testing.T) {
	svc, _ := newService(t, &stubProcessor{})
	ctx := context.Background()

	grant, err := svc.Activate(ctx, "running@example.com", 2, "", "admin")
	require.NoError(t, err)

	extended, err := svc.Extend(ctx, grant.ID, 3)
	require.NoError(t, err)
	require.Equal(t, grants.AddMonths(testNow, 5).Unix(), extended.ExpiresAt.Unix())
}

func TestActivateActivateExtendScenario(t *testing.T) {
	svc, _ := newService(t, &stubProcessor{})
	ctx := context.Background()

	grant, err := svc.Activate(ctx, "scenario@example.com", 3, "", "admin")
	require.NoError(t, err)

	_, err = svc.Activate(ctx, "scenario@example.com", 3, "", "admin")
	require.ErrorIs(t, err, ErrActiveGrantExists)

	extended, err := svc.Extend(ctx, grant.ID, 3)
	require.NoError(t, err)
	require.Equal(t, grants.AddMonths(testNow, 6).Unix(), extended.ExpiresAt.Unix())
}

func TestCancelIsIdempotent(t *testing.T) {
	svc, _ := newService(t, &stubProcessor{})
	ctx := context.Background()

	grant, err := svc.Activate(ctx, "bye@example.com", 1, "", "admin")
	require.NoError(t, err)

	cancelled, err := svc.Cancel(ctx, grant.ID)
	require.NoError(t, err)
	require.Equal(t, grants.StatusCancelled, cancelled.Status)

	again, err := svc.Cancel(ctx, grant.ID)
	require.NoError(t, err)
	require.Equal(t, grants.StatusCancelled, again.Status)
}

func TestCancelUnknownGrant(t *testing.T) {
	svc, _ := newService(t, &stubProcessor{})
	_, err := svc.Cancel(context.Background(), "g_missing")
	require.ErrorIs(t, err, ErrGrantNotFound)
}

func TestCancelFreesEmailForReactivation(t *testing.T) {
	svc, _ := newService(t, &stubProcessor{})
	ctx := context.Background()

	grant, err := svc.Activate(ctx, "again@example.com", 1, "", "admin")
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, grant.ID)
	require.NoError(t, err)

	_, err = svc.Activate(ctx, "again@example.com", 2, "", "admin")
	require.NoError(t, err)
}

func TestCancelStripeGrant(t *testing.T) {
	periodEnd := testNow.Add(20 * 24 * time.Hour)
	client := &stubProcessor{subsByID: map[string]*stripesvc.Subscription{
		"sub_c": {ID: "sub_c", Status: "active", CurrentPeriodEnd: periodEnd.Unix()},
	}}
	svc, st := newService(t, client)

	id, err := store.GenerateGrantID()
	require.NoError(t, err)
	require.NoError(t, st.CreateDeviceGrant(&store.DeviceGrant{
		ID: id, DeviceID: "dev-c",
		StripeCustomerID: "cus_c", StripeSubscriptionID: "sub_c",
		Status: grants.StatusActive, ExpiresAt: &periodEnd,
	}))

	// The default cancels at period end: access survives until expiry.
	grant, err := svc.CancelStripeGrant(context.Background(), "sub_c", false)
	require.NoError(t, err)
	require.Equal(t, grants.StatusCancelling, grant.Status)

	// Immediate cancellation terminates.
	grant, err = svc.CancelStripeGrant(context.Background(), "sub_c", true)
	require.NoError(t, err)
	require.Equal(t, grants.StatusCancelled, grant.Status)
}

func TestCancelStripeGrantUnknownSubscription(t *testing.T) {
	svc, st := newService(t, &stubProcessor{})

	// A manual-linked device grant carries no subscription id; an empty id in
	// the request must not address it.
	id, err := store.GenerateGrantID()
	require.NoError(t, err)
	end := testNow.Add(time.Hour)
	require.NoError(t, st.CreateDeviceGrant(&store.DeviceGrant{
		ID: id, DeviceID: "dev-m", Status: grants.StatusActive, ExpiresAt: &end,
	}))

	_, err = svc.CancelStripeGrant(context.Background(), "", false)
	require.ErrorIs(t, err, ErrGrantNotFound)
	_, err = svc.CancelStripeGrant(context.Background(), "sub_missing", false)
	require.ErrorIs(t, err, ErrGrantNotFound)
}

func TestExtendStripeGrantPushesPeriodEnd(t *testing.T) {
	periodEnd := testNow.Add(20 * 24 * time.Hour)
	client := &stubProcessor{subsByID: map[string]*stripesvc.Subscription{
		"sub_e": {ID: "sub_e", Status: "active", CurrentPeriodEnd: periodEnd.Unix()},
	}}
	svc, st := newService(t, client)

	id, err := store.GenerateGrantID()
	require.NoError(t, err)
	require.NoError(t, st.CreateDeviceGrant(&store.DeviceGrant{
		ID: id, DeviceID: "dev-e",
		StripeCustomerID: "cus_e", StripeSubscriptionID: "sub_e",
		Status: grants.StatusActive, ExpiresAt: &periodEnd,
	}))

	grant, err := svc.ExtendStripeGrant(context.Background(), "sub_e", 2)
	require.NoError(t, err)

	wantEnd := periodEnd.Unix() + 2*30*24*60*60
	require.Equal(t, "sub_e", client.extendedID)
	require.Equal(t, wantEnd, client.extendedEnd)
	require.NotNil(t, grant.ExpiresAt)
	require.Equal(t, wantEnd, grant.ExpiresAt.Unix())

	// The local record mirrors the new expiry.
	stored, err := st.DeviceGrantBySubscriptionID("sub_e")
	require.NoError(t, err)
	require.Equal(t, wantEnd, stored.ExpiresAt.Unix())
	require.Equal(t, grants.StatusActive, stored.Status)
}

func TestExtendStripeGrantRejectsDeadSubscription(t *testing.T) {
	periodEnd := testNow.Add(-24 * time.Hour)
	client := &stubProcessor{subsByID: map[string]*stripesvc.Subscription{
		"sub_d": {ID: "sub_d", Status: "canceled", CurrentPeriodEnd: periodEnd.Unix()},
	}}
	svc, st := newService(t, client)

	id, err := store.GenerateGrantID()
	require.NoError(t, err)
	require.NoError(t, st.CreateDeviceGrant(&store.DeviceGrant{
		ID: id, DeviceID: "dev-d",
		StripeCustomerID: "cus_d", StripeSubscriptionID: "sub_d",
		Status: grants.StatusCancelled, ExpiresAt: &periodEnd,
	}))

	_, err = svc.ExtendStripeGrant(context.Background(), "sub_d", 1)
	require.ErrorIs(t, err, ErrSubscriptionNotActive)

	_, err = svc.ExtendStripeGrant(context.Background(), "sub_d", 0)
	require.ErrorIs(t, err, ErrInvalidDuration)

	_, err = svc.ExtendStripeGrant(context.Background(), "sub_missing", 1)
	require.ErrorIs(t, err, ErrGrantNotFound)
}

func TestListUsersJoinsEntitlementSources(t *testing.T) {
	stripeEnd := testNow.Add(15 * 24 * time.Hour)
	client := &stubProcessor{
		customers: map[string]*stripesvc.Customer{
			"payer@example.com": {ID: "cus_p", Email: "payer@example.com"},
		},
		activeSubs: map[string]*stripesvc.Subscription{
			"cus_p": {ID: "sub_p", Status: "active", CurrentPeriodEnd: stripeEnd.Unix()},
		},
	}
	svc, st := newService(t, client)
	ctx := context.Background()

	require.NoError(t, st.CreateUser(&store.User{ID: "u_p", Email: "payer@example.com"}))
	require.NoError(t, st.CreateUser(&store.User{ID: "u_m", Email: "manual@example.com"}))
	require.NoError(t, st.GrantRole("u_m", store.RoleAdmin))
	_, err := svc.Activate(ctx, "manual@example.com", 3, "", "admin")
	require.NoError(t, err)

	rows, err := svc.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byEmail := map[string]UserSummary{}
	for _, r := range rows {
		byEmail[r.Email] = r
	}
	payer := byEmail["payer@example.com"]
	require.True(t, payer.StripeActive)
	require.Equal(t, stripeEnd.Unix(), payer.StripeExpiresAt.Unix())
	require.Empty(t, payer.ManualGrantID)

	manual := byEmail["manual@example.com"]
	require.True(t, manual.IsAdmin)
	require.NotEmpty(t, manual.ManualGrantID)
	require.Equal(t, "active", manual.ManualStatus)
	require.False(t, manual.StripeActive)
}
