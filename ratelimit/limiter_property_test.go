package ratelimit

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"pgregory.net/rapid"
)

// Randomized sequences of reports and clock advances must never push the
// bucket outside [0, capacity] or shrink the backoff window.
func TestLimiterStateInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		const capacity = 1000.0
		clock := newFakeClock()
		l := NewLimiter(testConfig(capacity, 50, 4), zap.NewNop(), WithClock(clock.Now))

		prevBackoff := l.Stats().BackoffUntil

		steps := rapid.IntRange(1, 50).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 3).Draw(t, "op") {
			case 0:
				clock.Advance(time.Duration(rapid.Int64Range(0, int64(10*time.Second)).Draw(t, "advance")))
			case 1:
				l.ReportRemaining(rapid.Float64Range(-10, 2*capacity).Draw(t, "remaining"))
			case 2:
				l.ReportThrottled(time.Duration(rapid.Int64Range(-1, int64(time.Minute)).Draw(t, "penalty")))
			case 3:
				// Drain attempt; admission deducts, refusal must not.
				cost := rapid.Float64Range(1, capacity).Draw(t, "cost")
				l.tryAdmit(cost)
			}

			stats := l.Stats()
			if stats.Tokens < 0 || stats.Tokens > capacity {
				t.Fatalf("tokens %g outside [0, %g]", stats.Tokens, capacity)
			}
			if stats.BackoffUntil.Before(prevBackoff) {
				t.Fatalf("backoff window shrank from %v to %v", prevBackoff, stats.BackoffUntil)
			}
			prevBackoff = stats.BackoffUntil
		}
	})
}
