package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maaun-app/maaun-server/internal/admin"
	"github.com/maaun-app/maaun-server/internal/auth"
	"github.com/maaun-app/maaun-server/internal/entitlement"
	"github.com/maaun-app/maaun-server/internal/store"
	stripesvc "github.com/maaun-app/maaun-server/internal/stripe"
)

// Deps bundles everything the HTTP handlers need.
type Deps struct {
	Config   *Config
	Store    *store.Store
	Resolver *entitlement.Resolver
	Linker   *entitlement.Linker
	Checkout *stripesvc.CheckoutService
	Webhook  *stripesvc.WebhookHandler
	Verifier *admin.Verifier
	Grants   *admin.GrantService
	Tokens   *auth.Tokens

	Version   string
	StartedAt time.Time
}

// RegisterRoutes attaches all endpoints to the mux. The public entitlement
// endpoints and the webhook sit behind the IP rate limiter; ops endpoints do
// not.
func (d *Deps) RegisterRoutes(mux *http.ServeMux) {
	limiter := NewRateLimiter(d.Config.RateLimitWindow)
	limit := d.Config.RateLimit

	mux.Handle("/api/subscription/check", limiter.Limit("check", limit, post(d.handleCheck)))
	mux.Handle("/api/subscription/link", limiter.Limit("link", limit, post(d.handleLink)))
	mux.Handle("/api/checkout", limiter.Limit("checkout", limit, post(d.handleCheckout)))
	// The processor retries webhook delivery in bursts; give it headroom.
	mux.Handle("/api/stripe/webhook", limiter.Limit("webhook", limit*10, d.Webhook))

	mux.Handle("/api/admin/subscriptions/activate", post(d.handleAdminActivate))
	mux.Handle("/api/admin/subscriptions/extend", post(d.handleAdminExtend))
	mux.Handle("/api/admin/subscriptions/cancel", post(d.handleAdminCancel))
	mux.Handle("/api/admin/subscriptions/stripe/cancel", post(d.handleAdminStripeCancel))
	mux.Handle("/api/admin/subscriptions/stripe/extend", post(d.handleAdminStripeExtend))
	mux.Handle("/api/admin/users", post(d.handleAdminUsers))

	mux.HandleFunc("/healthz", d.handleHealthz)
	mux.HandleFunc("/readyz", d.handleReadyz)
	mux.HandleFunc("/status", d.handleStatus)
	mux.Handle("/metrics", d.metricsHandler())
}

func post(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
			return
		}
		h(w, r)
	})
}

func (d *Deps) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (d *Deps) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if err := d.Store.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": "storage not reachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (d *Deps) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "maaun-server",
		"version": d.Version,
		"uptime":  time.Since(d.StartedAt).Round(time.Second).String(),
	})
}

// metricsHandler serves Prometheus metrics, gated behind the ops key unless
// explicitly made public.
func (d *Deps) metricsHandler() http.Handler {
	prom := promhttp.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !d.Config.PublicMetrics {
			if d.Config.OpsKey == "" || r.Header.Get("X-Ops-Key") != d.Config.OpsKey {
				writeJSON(w, http.StatusForbidden, errorResponse{Error: "forbidden"})
				return
			}
		}
		prom.ServeHTTP(w, r)
	})
}
