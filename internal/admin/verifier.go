// Package admin implements administrator verification and the manual grant
// operations behind the admin endpoints.
package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/maaun-app/maaun-server/internal/auth"
	"github.com/maaun-app/maaun-server/internal/store"
	stripesvc "github.com/maaun-app/maaun-server/internal/stripe"
	"github.com/maaun-app/maaun-server/pkg/grants"
)

// ErrNotAdmin is the authorization failure for every admin operation. It is
// deliberately indistinguishable across the two trust paths.
var ErrNotAdmin = errors.New("not an administrator")

// Principal identifies a verified administrator.
type Principal struct {
	UserID string
	Email  string
	// Path records which trust path verified the principal: "role" or "device".
	Path string
}

// Verifier re-derives admin status on every call through two independent
// paths: a bearer token resolving to a user with the admin role, or a device
// whose linked grant's billing email is on the injected allow-list. Nothing
// is cached between calls.
type Verifier struct {
	store       *store.Store
	client      stripesvc.ProcessorClient
	tokens      *auth.Tokens
	allowedSet  map[string]struct{}
	allowedList []string
}

func NewVerifier(st *store.Store, client stripesvc.ProcessorClient, tokens *auth.Tokens, allowedEmails []string) *Verifier {
	set := make(map[string]struct{}, len(allowedEmails))
	var list []string
	for _, e := range allowedEmails {
		e = store.NormalizeEmail(e)
		if e == "" {
			continue
		}
		if _, dup := set[e]; dup {
			continue
		}
		set[e] = struct{}{}
		list = append(list, e)
	}
	return &Verifier{
		store:       st,
		client:      client,
		tokens:      tokens,
		allowedSet:  set,
		allowedList: list,
	}
}

// Verify checks the caller against both trust paths: bearer token first, then
// device path. The first path that positively verifies wins; everything else
// is ErrNotAdmin with no detail about which path failed.
func (v *Verifier) Verify(ctx context.Context, authorizationHeader, deviceID string) (*Principal, error) {
	if p, err := v.verifyToken(authorizationHeader); err == nil {
		return p, nil
	} else if !errors.Is(err, ErrNotAdmin) && !errors.Is(err, auth.ErrNoToken) {
		return nil, err
	}
	return v.verifyDevice(ctx, deviceID)
}

// verifyToken resolves the bearer token to a user and requires an admin role
// row. Token absence and token invalidity both fall through to the device
// path as ErrNotAdmin.
func (v *Verifier) verifyToken(authorizationHeader string) (*Principal, error) {
	raw, err := auth.FromAuthorizationHeader(authorizationHeader)
	if err != nil {
		return nil, auth.ErrNoToken
	}
	claims, err := v.tokens.Verify(raw)
	if err != nil {
		return nil, ErrNotAdmin
	}

	ok, err := v.store.HasRole(claims.Subject, store.RoleAdmin)
	if err != nil {
		return nil, fmt.Errorf("role lookup: %w", err)
	}
	if !ok {
		return nil, ErrNotAdmin
	}
	return &Principal{UserID: claims.Subject, Email: store.NormalizeEmail(claims.Email), Path: "role"}, nil
}

// verifyDevice walks device -> active device grant -> processor billing email
// -> allow-list. Anonymous devices can only be admins through this path.
func (v *Verifier) verifyDevice(ctx context.Context, deviceID string) (*Principal, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" || len(v.allowedSet) == 0 {
		return nil, ErrNotAdmin
	}

	grant, err := v.store.DeviceGrantByDeviceID(deviceID)
	if err != nil {
		return nil, fmt.Errorf("device grant lookup: %w", err)
	}
	if grant == nil || !grants.GrantsAccess(grant.Status) {
		return nil, ErrNotAdmin
	}
	if grant.StripeCustomerID == "" {
		return nil, ErrNotAdmin
	}

	email, err := v.client.CustomerEmail(ctx, grant.StripeCustomerID)
	if err != nil {
		log.Warn().Err(err).
			Str("device_id", deviceID).
			Str("customer_id", grant.StripeCustomerID).
			Msg("billing email lookup failed during admin verification")
		return nil, ErrNotAdmin
	}
	email = store.NormalizeEmail(email)
	if _, ok := v.allowedSet[email]; !ok {
		return nil, ErrNotAdmin
	}
	return &Principal{Email: email, Path: "device"}, nil
}
