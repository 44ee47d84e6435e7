package grants

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusBlank, StatusActive, true},
		{StatusActive, StatusInactive, true},
		{StatusInactive, StatusActive, true},
		{StatusActive, StatusCancelled, true},
		{StatusCancelled, StatusActive, true},
		{StatusCancelling, StatusCancelled, true},
		{StatusCancelled, StatusInactive, false},
		{StatusBlank, StatusCancelled, false},
		{StatusActive, StatusActive, true}, // idempotent re-set
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%q, %q) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestMapStripeStatusFailsClosed(t *testing.T) {
	if got := MapStripeStatus("active"); got != StatusActive {
		t.Fatalf("active mapped to %q", got)
	}
	if got := MapStripeStatus("past_due"); got != StatusInactive {
		t.Fatalf("past_due mapped to %q", got)
	}
	if got := MapStripeStatus("canceled"); got != StatusCancelled {
		t.Fatalf("canceled mapped to %q", got)
	}
	if got := MapStripeStatus("something_new"); got != StatusInactive {
		t.Fatalf("unknown status mapped to %q, want inactive", got)
	}
}

func TestEffectiveStatusDerivesExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	if got := EffectiveStatus(StatusActive, &past, now); got != StatusExpired {
		t.Fatalf("active past expiry = %q, want expired", got)
	}
	if got := EffectiveStatus(StatusActive, &future, now); got != StatusActive {
		t.Fatalf("active before expiry = %q, want active", got)
	}
	if got := EffectiveStatus(StatusActive, nil, now); got != StatusActive {
		t.Fatalf("active with unknown expiry = %q, want active", got)
	}
	if got := EffectiveStatus(StatusCancelled, &future, now); got != StatusCancelled {
		t.Fatalf("cancelled = %q, want cancelled regardless of expiry", got)
	}
}

func TestPeriodEndDefensiveConversion(t *testing.T) {
	if _, ok := PeriodEnd(0); ok {
		t.Fatal("zero timestamp should not convert")
	}
	if _, ok := PeriodEnd(-5); ok {
		t.Fatal("negative timestamp should not convert")
	}
	if _, ok := PeriodEnd(1 << 50); ok {
		t.Fatal("absurd timestamp should not convert")
	}
	ts, ok := PeriodEnd(1767225600)
	if !ok {
		t.Fatal("valid timestamp should convert")
	}
	if ts.Year() != 2026 || ts.Location() != time.UTC {
		t.Fatalf("unexpected conversion result: %v", ts)
	}
}

func TestExtensionBase(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	running := now.AddDate(0, 2, 0)
	if got := ExtensionBase(running, now); !got.Equal(running) {
		t.Fatalf("running grant base = %v, want current expiry", got)
	}

	lapsed := now.AddDate(0, -2, 0)
	if got := ExtensionBase(lapsed, now); !got.Equal(now) {
		t.Fatalf("expired grant base = %v, want now", got)
	}
}
