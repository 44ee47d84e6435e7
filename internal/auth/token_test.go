package auth

import (
	"testing"
	"time"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	tokens := NewTokens("test-secret", time.Hour)

	raw, err := tokens.Sign("u_123", "user@example.com")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	claims, err := tokens.Verify(raw)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "u_123" {
		t.Fatalf("subject=%q, want u_123", claims.Subject)
	}
	if claims.Email != "user@example.com" {
		t.Fatalf("email=%q", claims.Email)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	raw, err := NewTokens("secret-a", time.Hour).Sign("u_1", "")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := NewTokens("secret-b", time.Hour).Verify(raw); err == nil {
		t.Fatal("expected verification failure with wrong secret")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	tokens := NewTokens("test-secret", time.Hour)
	tokens.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	raw, err := tokens.Sign("u_1", "")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	fresh := NewTokens("test-secret", time.Hour)
	if _, err := fresh.Verify(raw); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	tokens := NewTokens("test-secret", time.Hour)
	for _, raw := range []string{"", "not.a.jwt", "aaaa.bbbb.cccc"} {
		if _, err := tokens.Verify(raw); err == nil {
			t.Fatalf("expected rejection for %q", raw)
		}
	}
}

func TestFromAuthorizationHeader(t *testing.T) {
	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc123", "abc123", true},
		{"bearer abc123", "abc123", true},
		{"Bearer  spaced ", "spaced", true},
		{"", "", false},
		{"Basic dXNlcg==", "", false},
		{"Bearer ", "", false},
		{"abc123", "", false},
	}
	for _, tc := range cases {
		got, err := FromAuthorizationHeader(tc.header)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("header %q: got %q err=%v, want %q", tc.header, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Fatalf("header %q: expected error", tc.header)
		}
	}
}
