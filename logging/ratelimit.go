package logging

import "time"

// Ratelimiter suppresses repeated log lines for the same logical event,
// used by the stream controller's ring-full retry loop (spec calls this out
// as "arguably a hot log") and by the capture device's access-denied log.
// It is not a general-purpose limiter: it tracks a single key at a
// time, which is all any one call site in kvmstream needs.
type Ratelimiter struct {
	interval time.Duration
	lastKey  string
	lastAt   time.Time
	armed    bool
}

// NewRatelimiter returns a limiter that allows at most one log per interval
// for a given key, and always allows the first occurrence of a new key.
func NewRatelimiter(interval time.Duration) *Ratelimiter {
	return &Ratelimiter{interval: interval}
}

// Allow reports whether a log for the given key should be emitted now. The
// very first call for a key is always allowed (so "errno changed" latches
// fire immediately); subsequent calls with the same key are throttled to
// the configured interval.
func (r *Ratelimiter) Allow(key string) bool {
	now := time.Now()
	if !r.armed || key != r.lastKey {
		r.armed = true
		r.lastKey = key
		r.lastAt = now
		return true
	}
	if now.Sub(r.lastAt) < r.interval {
		return false
	}
	r.lastAt = now
	return true
}

// Reset clears the latch so the next Allow call for any key is unconditional.
func (r *Ratelimiter) Reset() {
	r.armed = false
	r.lastKey = ""
}
