package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterAllowsWithinBudget(t *testing.T) {
	rl := NewRateLimiter(time.Minute)
	for i := 0; i < 3; i++ {
		if !rl.allow("check|1.2.3.4", 3) {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if rl.allow("check|1.2.3.4", 3) {
		t.Fatal("fourth request should be blocked")
	}
	// A different IP has its own budget.
	if !rl.allow("check|5.6.7.8", 3) {
		t.Fatal("separate IP should be allowed")
	}
}

func TestRateLimiterScopesAreIndependent(t *testing.T) {
	rl := NewRateLimiter(time.Minute)
	if !rl.allow("check|1.2.3.4", 1) {
		t.Fatal("first check should be allowed")
	}
	if rl.allow("check|1.2.3.4", 1) {
		t.Fatal("second check should be blocked")
	}
	// Exhausting the check budget must not touch the link budget.
	if !rl.allow("link|1.2.3.4", 1) {
		t.Fatal("link scope should have its own budget")
	}
}

func TestRateLimiterWindowExpiry(t *testing.T) {
	rl := NewRateLimiter(time.Minute)
	current := time.Date(2026, 4, 15, 10, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return current }

	if !rl.allow("link|1.2.3.4", 1) {
		t.Fatal("first request should be allowed")
	}
	if rl.allow("link|1.2.3.4", 1) {
		t.Fatal("second request inside the window should be blocked")
	}
	current = current.Add(2 * time.Minute)
	if !rl.allow("link|1.2.3.4", 1) {
		t.Fatal("request after the window should be allowed")
	}
}

func TestRateLimiterHandlerWrap(t *testing.T) {
	rl := NewRateLimiter(time.Minute)
	handler := rl.Limit("link", 1, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/subscription/link", nil)
	req.RemoteAddr = "9.9.9.9:1234"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status=%d, want 429", rec.Code)
	}
}

func TestRateLimiterZeroLimitDisables(t *testing.T) {
	rl := NewRateLimiter(time.Minute)
	handler := rl.Limit("webhook", 0, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", nil)
	req.RemoteAddr = "9.9.9.9:1234"
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status=%d, want 200", i+1, rec.Code)
		}
	}
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	if got := clientIP(req); got != "10.0.0.1" {
		t.Fatalf("ip=%q, want 10.0.0.1", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := clientIP(req); got != "203.0.113.7" {
		t.Fatalf("ip=%q, want first forwarded address", got)
	}
}
