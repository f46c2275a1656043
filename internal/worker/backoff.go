package worker

import "time"

// retryBackoff doubles from base on every failed attempt and never exceeds
// cap: min(cap, base * 2^(attempt-1)) for attempt >= 1
func retryBackoff(base, cap time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 32 {
		return cap
	}
	d := base << shift
	if d <= 0 || d > cap {
		return cap
	}
	return d
}
