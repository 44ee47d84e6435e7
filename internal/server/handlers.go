package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maaun-app/maaun-server/internal/admin"
	"github.com/maaun-app/maaun-server/internal/auth"
	"github.com/maaun-app/maaun-server/internal/entitlement"
)

const requestBodyLimit = 64 * 1024

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("encode response")
	}
}

func decodeJSON[T any](w http.ResponseWriter, r *http.Request, dst *T) bool {
	r.Body = http.MaxBytesReader(w, r.Body, requestBodyLimit)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return false
	}
	return true
}

// bearerUserID resolves the optional Authorization header to a user id.
// Absent or invalid tokens mean an anonymous caller, never an error.
func (d *Deps) bearerUserID(r *http.Request) (userID, email string) {
	raw, err := auth.FromAuthorizationHeader(r.Header.Get("Authorization"))
	if err != nil {
		return "", ""
	}
	claims, err := d.Tokens.Verify(raw)
	if err != nil {
		return "", ""
	}
	return claims.Subject, claims.Email
}

type checkRequest struct {
	DeviceID   string `json:"deviceId"`
	Email      string `json:"email,omitempty"`
	CheckAdmin bool   `json:"checkAdmin,omitempty"`
}

type checkResponse struct {
	Subscribed      bool       `json:"subscribed"`
	ProductID       string     `json:"product_id,omitempty"`
	SubscriptionEnd *time.Time `json:"subscription_end,omitempty"`
	Email           string     `json:"email,omitempty"`
	IsAdmin         bool       `json:"is_admin,omitempty"`
}

// handleCheck answers the entitlement question. This endpoint never fails for
// the client: every internal error degrades to subscribed=false with 200.
func (d *Deps) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	userID, tokenEmail := d.bearerUserID(r)
	email := req.Email
	if email == "" {
		email = tokenEmail
	}

	result := d.Resolver.Check(r.Context(), entitlement.CheckRequest{
		DeviceID: req.DeviceID,
		Email:    email,
		UserID:   userID,
	})

	resp := checkResponse{
		Subscribed:      result.Subscribed,
		ProductID:       result.ProductID,
		SubscriptionEnd: result.SubscriptionEnd,
		Email:           result.Email,
	}
	if req.CheckAdmin {
		if _, err := d.Verifier.Verify(r.Context(), r.Header.Get("Authorization"), req.DeviceID); err == nil {
			resp.IsAdmin = true
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type linkRequest struct {
	DeviceID string `json:"deviceId"`
	Email    string `json:"email"`
}

type linkedSubscription struct {
	ID        string     `json:"id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type linkResponse struct {
	Success      bool                `json:"success"`
	Message      string              `json:"message"`
	Subscription *linkedSubscription `json:"subscription,omitempty"`
}

func (d *Deps) handleLink(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := d.Linker.Link(r.Context(), req.DeviceID, req.Email)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, linkResponse{
			Success: true,
			Message: "device linked successfully",
			Subscription: &linkedSubscription{
				ID:        res.GrantID,
				ExpiresAt: res.ExpiresAt,
			},
		})
	case errors.Is(err, entitlement.ErrInvalidDeviceID),
		errors.Is(err, entitlement.ErrInvalidEmail):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, entitlement.ErrDeviceAlreadyLinked):
		writeJSON(w, http.StatusOK, linkResponse{
			Success: false,
			Message: "this device is already linked to a subscription",
		})
	case errors.Is(err, entitlement.ErrNoActiveSubscription):
		writeJSON(w, http.StatusNotFound, linkResponse{
			Success: false,
			Message: "no active subscription found for this email",
		})
	default:
		log.Error().Err(err).Str("device_id", req.DeviceID).Msg("link failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to link device"})
	}
}

type checkoutRequest struct {
	DeviceID string `json:"deviceId"`
}

func (d *Deps) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DeviceID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "deviceId is required"})
		return
	}

	url, err := d.Checkout.Create(r.Context(), req.DeviceID)
	if err != nil {
		log.Error().Err(err).Str("device_id", req.DeviceID).Msg("checkout session creation failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to create checkout session"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// requireAdmin verifies the caller through either trust path. The device id
// may come from the body of the wrapped request; handlers pass it through.
func (d *Deps) requireAdmin(w http.ResponseWriter, r *http.Request, deviceID string) *admin.Principal {
	p, err := d.Verifier.Verify(r.Context(), r.Header.Get("Authorization"), deviceID)
	if err != nil {
		if !errors.Is(err, admin.ErrNotAdmin) {
			log.Error().Err(err).Msg("admin verification failed")
		}
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "admin access required"})
		return nil
	}
	return p
}

type adminActivateRequest struct {
	DeviceID string `json:"deviceId,omitempty"`
	Email    string `json:"userEmail"`
	Months   int    `json:"durationMonths"`
	Notes    string `json:"notes,omitempty"`
}

type adminGrantResponse struct {
	Success      bool `json:"success"`
	Subscription any  `json:"subscription,omitempty"`
}

func (d *Deps) handleAdminActivate(w http.ResponseWriter, r *http.Request) {
	var req adminActivateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p := d.requireAdmin(w, r, req.DeviceID)
	if p == nil {
		return
	}

	grant, err := d.Grants.Activate(r.Context(), req.Email, req.Months, req.Notes, p.Email)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, adminGrantResponse{Success: true, Subscription: grant})
	case errors.Is(err, admin.ErrActiveGrantExists):
		writeJSON(w, http.StatusConflict, errorResponse{
			Error: "an active subscription already exists for this email; use extend instead",
		})
	case errors.Is(err, admin.ErrInvalidDuration):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		log.Error().Err(err).Str("email", req.Email).Msg("manual activation failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to activate subscription"})
	}
}

type adminExtendRequest struct {
	DeviceID string `json:"deviceId,omitempty"`
	GrantID  string `json:"subscriptionId"`
	Months   int    `json:"additionalMonths"`
}

func (d *Deps) handleAdminExtend(w http.ResponseWriter, r *http.Request) {
	var req adminExtendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if d.requireAdmin(w, r, req.DeviceID) == nil {
		return
	}

	grant, err := d.Grants.Extend(r.Context(), req.GrantID, req.Months)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, adminGrantResponse{Success: true, Subscription: grant})
	case errors.Is(err, admin.ErrGrantNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "subscription not found"})
	case errors.Is(err, admin.ErrInvalidDuration):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, admin.ErrActiveGrantExists):
		// Re-activating a cancelled grant collides with a newer active grant
		// for the same email.
		writeJSON(w, http.StatusConflict, errorResponse{
			Error: "an active subscription already exists for this email",
		})
	default:
		log.Error().Err(err).Str("grant_id", req.GrantID).Msg("manual extension failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to extend subscription"})
	}
}

type adminCancelRequest struct {
	DeviceID string `json:"deviceId,omitempty"`
	GrantID  string `json:"subscriptionId"`
}

func (d *Deps) handleAdminCancel(w http.ResponseWriter, r *http.Request) {
	var req adminCancelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if d.requireAdmin(w, r, req.DeviceID) == nil {
		return
	}

	_, err := d.Grants.Cancel(r.Context(), req.GrantID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, adminGrantResponse{Success: true})
	case errors.Is(err, admin.ErrGrantNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "subscription not found"})
	default:
		log.Error().Err(err).Str("grant_id", req.GrantID).Msg("manual cancellation failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to cancel subscription"})
	}
}

type adminStripeCancelRequest struct {
	DeviceID          string `json:"deviceId,omitempty"`
	SubscriptionID    string `json:"subscriptionId"`
	CancelImmediately bool   `json:"cancelImmediately,omitempty"`
}

func (d *Deps) handleAdminStripeCancel(w http.ResponseWriter, r *http.Request) {
	var req adminStripeCancelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if d.requireAdmin(w, r, req.DeviceID) == nil {
		return
	}

	grant, err := d.Grants.CancelStripeGrant(r.Context(), req.SubscriptionID, req.CancelImmediately)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, adminGrantResponse{Success: true, Subscription: grant})
	case errors.Is(err, admin.ErrGrantNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "device grant not found"})
	default:
		log.Error().Err(err).Str("subscription_id", req.SubscriptionID).Msg("processor cancellation failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to cancel subscription"})
	}
}

type adminStripeExtendRequest struct {
	DeviceID       string `json:"deviceId,omitempty"`
	SubscriptionID string `json:"subscriptionId"`
	Months         int    `json:"additionalMonths"`
}

func (d *Deps) handleAdminStripeExtend(w http.ResponseWriter, r *http.Request) {
	var req adminStripeExtendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if d.requireAdmin(w, r, req.DeviceID) == nil {
		return
	}

	grant, err := d.Grants.ExtendStripeGrant(r.Context(), req.SubscriptionID, req.Months)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, adminGrantResponse{Success: true, Subscription: grant})
	case errors.Is(err, admin.ErrGrantNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "device grant not found"})
	case errors.Is(err, admin.ErrInvalidDuration), errors.Is(err, admin.ErrSubscriptionNotActive):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		log.Error().Err(err).Str("subscription_id", req.SubscriptionID).Msg("processor extension failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to extend subscription"})
	}
}

type adminUsersRequest struct {
	DeviceID string `json:"deviceId,omitempty"`
}

func (d *Deps) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	var req adminUsersRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if d.requireAdmin(w, r, req.DeviceID) == nil {
		return
	}

	rows, err := d.Grants.ListUsers(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("user listing failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to list users"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": rows})
}
