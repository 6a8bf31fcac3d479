package supervisor

import "time"

const (
	// DefaultBaseBackoff is the wait before the first restart attempt.
	DefaultBaseBackoff = time.Second
	// DefaultMaxBackoff caps the doubling restart delay.
	DefaultMaxBackoff = 60 * time.Second
	// DefaultMaxRetries is the hub's restart ceiling per crash streak.
	DefaultMaxRetries = 10
	// DefaultProbeTimeout bounds the post-launch health probe for network
	// services.
	DefaultProbeTimeout = 10 * time.Second
)

// backoffDelay returns the wait before restart attempt n (1-based). The
// delay doubles with each consecutive failure and never exceeds max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
