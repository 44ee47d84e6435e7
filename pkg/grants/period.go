package grants

import "time"

// maxEpochSeconds bounds processor timestamps to something representable;
// anything outside is treated as absent rather than an error.
const maxEpochSeconds = 1 << 40

// PeriodEnd converts a processor seconds-since-epoch period end into an
// absolute UTC timestamp. A missing, zero, negative, or absurd value yields
// ok=false so callers downgrade to "unknown expiry" instead of failing the
// whole call.
func PeriodEnd(unixSeconds int64) (time.Time, bool) {
	if unixSeconds <= 0 || unixSeconds > maxEpochSeconds {
		return time.Time{}, false
	}
	return time.Unix(unixSeconds, 0).UTC(), true
}

// AddMonths pushes a base time forward by whole calendar months.
func AddMonths(base time.Time, months int) time.Time {
	return base.AddDate(0, months, 0)
}

// ExtensionBase returns the time an extension counts from: the current expiry
// when the grant is still running, otherwise now. Extending an expired grant
// never compounds onto the stale past date.
func ExtensionBase(currentExpiry, now time.Time) time.Time {
	if currentExpiry.After(now) {
		return currentExpiry
	}
	return now
}
