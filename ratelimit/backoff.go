package ratelimit

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// BackoffPolicy computes retry delays with exponential growth and jitter.
type BackoffPolicy struct {
	Base       time.Duration // delay for attempt 0, before jitter
	Cap        time.Duration // upper bound applied before jitter
	Multiplier float64
}

// DefaultBackoffPolicy suits most LLM API retry loops.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:       1 * time.Second,
		Cap:        30 * time.Second,
		Multiplier: 2.0,
	}
}

// Backoff produces jittered exponential delays. Safe for concurrent use.
type Backoff struct {
	policy BackoffPolicy

	mu  sync.Mutex
	rng *rand.Rand
}

// NewBackoff creates a Backoff with its own time-seeded source.
func NewBackoff(policy BackoffPolicy) *Backoff {
	return NewBackoffWithSource(policy, rand.NewSource(time.Now().UnixNano()))
}

// NewBackoffWithSource creates a Backoff with an explicit source, so tests
// can pin the jitter sequence.
func NewBackoffWithSource(policy BackoffPolicy, src rand.Source) *Backoff {
	if policy.Base <= 0 {
		policy.Base = 1 * time.Second
	}
	if policy.Cap <= 0 {
		policy.Cap = 30 * time.Second
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = 2.0
	}
	return &Backoff{
		policy: policy,
		rng:    rand.New(src),
	}
}

// Delay returns the wait before retry number attempt (0-based). The raw
// delay is base * multiplier^attempt capped at Cap, then scaled by a
// uniform factor in [0.75, 1.25) so concurrent retries spread out.
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	raw := float64(b.policy.Base) * math.Pow(b.policy.Multiplier, float64(attempt))
	if raw > float64(b.policy.Cap) {
		raw = float64(b.policy.Cap)
	}

	b.mu.Lock()
	factor := 0.75 + b.rng.Float64()*0.5
	b.mu.Unlock()

	return time.Duration(raw * factor)
}
