package transport

import (
	"math"
	"math/rand"
	"time"
)

// reconnector computes exponential backoff with jitter for redial attempts.
// The attempt counter resets once a connection has stayed up long enough to
// be considered stable.
type reconnector struct {
	baseDelay    time.Duration
	maxDelay     time.Duration
	stableAfter  time.Duration
	attempt      int
	connectedAt  time.Time
}

func newReconnector(base, max time.Duration) *reconnector {
	return &reconnector{
		baseDelay:   base,
		maxDelay:    max,
		stableAfter: 60 * time.Second,
	}
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > r.stableAfter {
		// Consume the reset: a long outage after a stable connection
		// must still escalate past the base delay.
		r.attempt = 0
		r.connectedAt = time.Time{}
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}
