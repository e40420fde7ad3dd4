package exam

import "time"

// IsWithinWindow reports whether now lies in [start, end).
func IsWithinWindow(now, start, end time.Time) bool {
	return !now.Before(start) && now.Before(end)
}

// HasExpired reports whether now is strictly after end.
func HasExpired(now, end time.Time) bool {
	return now.After(end)
}

// Remaining is the time left until end, never negative.
func Remaining(now, end time.Time) time.Duration {
	d := end.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
