package store

import (
	"errors"
	"testing"
	"time"

	"github.com/maaun-app/maaun-server/pkg/grants"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustGrantID(t *testing.T) string {
	t.Helper()
	id, err := GenerateGrantID()
	if err != nil {
		t.Fatalf("GenerateGrantID: %v", err)
	}
	return id
}

func TestManualGrantActiveEmailUniqueness(t *testing.T) {
	s := newTestStore(t)
	expiry := time.Now().UTC().AddDate(0, 3, 0)

	first := &ManualGrant{
		ID:        mustGrantID(t),
		UserEmail: "Someone@Example.COM",
		ExpiresAt: expiry,
	}
	if err := s.CreateManualGrant(first); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if first.UserEmail != "someone@example.com" {
		t.Fatalf("email not normalized: %q", first.UserEmail)
	}

	// Second active grant for the same normalized email must fail at the
	// constraint, regardless of any service-level pre-check.
	second := &ManualGrant{
		ID:        mustGrantID(t),
		UserEmail: "someone@example.com",
		ExpiresAt: expiry,
	}
	err := s.CreateManualGrant(second)
	if !errors.Is(err, ErrActiveGrantExists) {
		t.Fatalf("second create err = %v, want ErrActiveGrantExists", err)
	}

	// Cancelling the first frees the slot for a new active grant.
	first.Status = grants.StatusCancelled
	if err := s.UpdateManualGrant(first); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := s.CreateManualGrant(second); err != nil {
		t.Fatalf("create after cancel: %v", err)
	}
}

func TestDeviceGrantUniquePerDevice(t *testing.T) {
	s := newTestStore(t)

	g := &DeviceGrant{ID: mustGrantID(t), DeviceID: "device-1"}
	if err := s.CreateDeviceGrant(g); err != nil {
		t.Fatalf("create: %v", err)
	}

	dup := &DeviceGrant{ID: mustGrantID(t), DeviceID: "device-1"}
	if err := s.CreateDeviceGrant(dup); !errors.Is(err, ErrDeviceAlreadyLinked) {
		t.Fatalf("duplicate create err = %v, want ErrDeviceAlreadyLinked", err)
	}
}

func TestUpsertDeviceGrantIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	expiry := time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Second)

	g := &DeviceGrant{
		ID:                   mustGrantID(t),
		DeviceID:             "device-2",
		StripeCustomerID:     "cus_123",
		StripeSubscriptionID: "sub_123",
		ExpiresAt:            &expiry,
	}
	if err := s.UpsertDeviceGrant(g); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	replay := &DeviceGrant{
		ID:                   mustGrantID(t),
		DeviceID:             "device-2",
		StripeCustomerID:     "cus_123",
		StripeSubscriptionID: "sub_123",
		ExpiresAt:            &expiry,
	}
	if err := s.UpsertDeviceGrant(replay); err != nil {
		t.Fatalf("replay upsert: %v", err)
	}

	got, err := s.DeviceGrantByDeviceID("device-2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("grant missing after upsert")
	}
	// The original row survives; the replay updated, not duplicated.
	if got.ID != g.ID {
		t.Fatalf("row id = %q, want original %q", got.ID, g.ID)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(expiry) {
		t.Fatalf("expiry = %v, want %v", got.ExpiresAt, expiry)
	}
}

func TestUpdateBySubscriptionIDNoOpWhenMissing(t *testing.T) {
	s := newTestStore(t)

	affected, err := s.UpdateDeviceGrantBySubscriptionID("sub_unknown", grants.StatusInactive, nil)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if affected != 0 {
		t.Fatalf("affected = %d, want 0", affected)
	}
}

func TestUpdateBySubscriptionIDKeepsExpiryWhenUnknown(t *testing.T) {
	s := newTestStore(t)
	expiry := time.Now().UTC().Add(time.Hour).Truncate(time.Second)

	g := &DeviceGrant{
		ID:                   mustGrantID(t),
		DeviceID:             "device-3",
		StripeSubscriptionID: "sub_keep",
		ExpiresAt:            &expiry,
	}
	if err := s.CreateDeviceGrant(g); err != nil {
		t.Fatalf("create: %v", err)
	}

	// A webhook with a malformed period end passes nil; the cached expiry
	// must survive.
	if _, err := s.UpdateDeviceGrantBySubscriptionID("sub_keep", grants.StatusInactive, nil); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.DeviceGrantByDeviceID("device-3")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != grants.StatusInactive {
		t.Fatalf("status = %q, want inactive", got.Status)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(expiry) {
		t.Fatalf("expiry = %v, want cached %v", got.ExpiresAt, expiry)
	}
}

func TestAttachUserIDOnlyWhenUnset(t *testing.T) {
	s := newTestStore(t)

	g := &ManualGrant{
		ID:        mustGrantID(t),
		UserEmail: "claim@example.com",
		ExpiresAt: time.Now().UTC().AddDate(0, 1, 0),
	}
	if err := s.CreateManualGrant(g); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.AttachUserID(g.ID, "u_first"); err != nil {
		t.Fatalf("first attach: %v", err)
	}
	// A concurrent second attach must not clobber the winner.
	if err := s.AttachUserID(g.ID, "u_second"); err != nil {
		t.Fatalf("second attach: %v", err)
	}

	got, err := s.GetManualGrant(g.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UserID != "u_first" {
		t.Fatalf("user_id = %q, want u_first", got.UserID)
	}
}

func TestUserRoles(t *testing.T) {
	s := newTestStore(t)

	u := &User{ID: "u_admin", Email: "Admin@Example.com"}
	if err := s.CreateUser(u); err != nil {
		t.Fatalf("create user: %v", err)
	}

	ok, err := s.HasRole("u_admin", RoleAdmin)
	if err != nil || ok {
		t.Fatalf("HasRole before grant = %v, %v", ok, err)
	}
	if err := s.GrantRole("u_admin", RoleAdmin); err != nil {
		t.Fatalf("grant role: %v", err)
	}
	if err := s.GrantRole("u_admin", RoleAdmin); err != nil {
		t.Fatalf("re-grant role: %v", err)
	}
	ok, err = s.HasRole("u_admin", RoleAdmin)
	if err != nil || !ok {
		t.Fatalf("HasRole after grant = %v, %v", ok, err)
	}

	found, err := s.UserByEmail("admin@example.com")
	if err != nil {
		t.Fatalf("UserByEmail: %v", err)
	}
	if found == nil || found.ID != "u_admin" {
		t.Fatalf("lookup by normalized email failed: %+v", found)
	}
}
