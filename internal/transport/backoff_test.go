package transport

import (
	"testing"
	"time"
)

func TestBackoffEscalatesDuringOutageAfterStableConnection(t *testing.T) {
	r := newReconnector(10*time.Millisecond, time.Second)
	r.stableAfter = time.Millisecond
	r.markConnected()
	time.Sleep(5 * time.Millisecond)

	// First redial after a stable connection starts over from the base.
	first := r.nextDelay()
	if first > 15*time.Millisecond {
		t.Fatalf("first delay = %v, want near base", first)
	}
	if !r.connectedAt.IsZero() {
		t.Fatal("stable reset must be consumed once, not on every attempt")
	}

	// Later attempts in the same outage keep escalating.
	var last time.Duration
	for i := 0; i < 4; i++ {
		last = r.nextDelay()
	}
	if r.attempt != 5 {
		t.Fatalf("attempt = %d after 5 delays, want 5", r.attempt)
	}
	if last < 160*time.Millisecond {
		t.Fatalf("fifth delay = %v, want escalated past base*2^4", last)
	}
}
