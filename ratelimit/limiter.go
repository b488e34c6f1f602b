// =============================================================================
// DataForge adaptive rate limiter
// =============================================================================
// Combines three admission controls in front of LLM providers:
//
//   - a token bucket accounting for token-per-minute budgets (lazy refill)
//   - a concurrency semaphore bounding simultaneous in-flight requests
//   - a backoff window that pauses all admissions after provider throttling
//
// Provider response headers feed back into the bucket so local accounting
// tracks the provider's real view of the budget.
// =============================================================================
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/dataforge/config"
	"github.com/BaSui01/dataforge/types"
)

// defaultPenalty applies when a throttle report carries no Retry-After hint.
const defaultPenalty = 1 * time.Second

// Limiter gates requests on token budget, concurrency, and backoff state.
type Limiter struct {
	capacity    float64
	refillRate  float64 // tokens per second
	concurrency int64

	mu           sync.Mutex
	tokens       float64
	lastRefill   time.Time
	backoffUntil time.Time

	sem      *semaphore.Weighted
	inFlight atomic.Int64

	logger *zap.Logger
	now    func() time.Time
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock, pinning refill math in tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates a limiter with a full bucket.
func NewLimiter(cfg config.RateLimitConfig, logger *zap.Logger, opts ...Option) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Limiter{
		capacity:    cfg.Capacity,
		refillRate:  cfg.RefillRate,
		concurrency: int64(cfg.ConcurrencyLimit),
		tokens:      cfg.Capacity,
		sem:         semaphore.NewWeighted(int64(cfg.ConcurrencyLimit)),
		logger:      logger.With(zap.String("component", "ratelimit")),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.lastRefill = l.now()
	return l
}

// Permit represents one admitted request. Release returns the concurrency
// slot; token cost is consumed at admission and never refunded.
type Permit struct {
	limiter *Limiter
	once    sync.Once
}

// Release frees the concurrency slot. Safe to call more than once.
func (p *Permit) Release() {
	p.once.Do(func() {
		p.limiter.inFlight.Add(-1)
		p.limiter.sem.Release(1)
	})
}

// Acquire blocks until cost tokens are available, a concurrency slot is
// free, and no backoff window is active. A cost above the bucket capacity
// can never be admitted and fails immediately with a validation error.
// Cancellation of ctx returns ctx.Err().
func (l *Limiter) Acquire(ctx context.Context, cost float64) (*Permit, error) {
	if cost <= 0 {
		return nil, types.NewErrorf(types.ErrValidation,
			"acquire cost must be positive, got %g", cost)
	}
	if cost > l.capacity {
		return nil, types.NewErrorf(types.ErrValidation,
			"acquire cost %g exceeds bucket capacity %g", cost, l.capacity)
	}

	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	l.inFlight.Add(1)

	for {
		wait, admitted := l.tryAdmit(cost)
		if admitted {
			return &Permit{limiter: l}, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			l.inFlight.Add(-1)
			l.sem.Release(1)
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAdmit refills the bucket and either deducts cost or reports how long
// the caller should wait before the next attempt.
func (l *Limiter) tryAdmit(cost float64) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.refillLocked(now)

	if now.Before(l.backoffUntil) {
		return l.backoffUntil.Sub(now), false
	}

	if l.tokens >= cost {
		l.tokens -= cost
		return 0, true
	}

	deficit := cost - l.tokens
	wait := time.Duration(deficit / l.refillRate * float64(time.Second))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait, false
}

// refillLocked adds tokens for the time elapsed since the last refill,
// clamped to capacity. Caller holds l.mu.
func (l *Limiter) refillLocked(now time.Time) {
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	l.tokens += elapsed * l.refillRate
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
	l.lastRefill = now
}

// ReportThrottled opens a backoff window during which no request is
// admitted. Windows only extend: a hint shorter than the remaining window
// is ignored. A non-positive hint applies a small default penalty.
func (l *Limiter) ReportThrottled(retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = defaultPenalty
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	until := l.now().Add(retryAfter)
	if until.After(l.backoffUntil) {
		l.backoffUntil = until
		l.logger.Warn("provider throttled, pausing admissions",
			zap.Duration("retry_after", retryAfter),
			zap.Time("backoff_until", until),
		)
	}
}

// ReportRemaining reconciles the bucket against the provider's reported
// remaining token budget. Reconciliation only lowers the local count;
// a provider reporting more than we think is ignored, since our own
// spend is already committed.
func (l *Limiter) ReportRemaining(remaining float64) {
	if remaining < 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked(l.now())
	if remaining < l.tokens {
		l.logger.Debug("lowering token bucket from provider headers",
			zap.Float64("local", l.tokens),
			zap.Float64("provider", remaining),
		)
		l.tokens = remaining
	}
}

// Stats is a point-in-time snapshot for metrics and health reporting.
type Stats struct {
	Tokens       float64   `json:"tokens"`
	Capacity     float64   `json:"capacity"`
	InFlight     int64     `json:"in_flight"`
	Concurrency  int64     `json:"concurrency"`
	BackoffUntil time.Time `json:"backoff_until,omitempty"`
}

// Stats returns the current limiter state.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked(l.now())
	return Stats{
		Tokens:       l.tokens,
		Capacity:     l.capacity,
		InFlight:     l.inFlight.Load(),
		Concurrency:  l.concurrency,
		BackoffUntil: l.backoffUntil,
	}
}

// HeaderFeedback carries rate-limit state parsed from provider response
// headers. Zero-value fields mean the header was absent or unparseable.
type HeaderFeedback struct {
	RemainingTokens   float64
	HasRemaining      bool
	ResetAfter        time.Duration
	HasReset          bool
	RemainingRequests int
	HasRequests       bool
}

// ParseHeaders extracts rate-limit feedback from provider response headers.
// Parsing is fail-soft: malformed or missing headers yield unset fields,
// never an error.
func ParseHeaders(h http.Header) HeaderFeedback {
	var fb HeaderFeedback

	if v := h.Get("x-ratelimit-remaining-tokens"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			fb.RemainingTokens = f
			fb.HasRemaining = true
		}
	}
	if v := h.Get("x-ratelimit-remaining-requests"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			fb.RemainingRequests = n
			fb.HasRequests = true
		}
	}
	if v := h.Get("x-ratelimit-reset-tokens"); v != "" {
		if d, ok := parseResetValue(v); ok {
			fb.ResetAfter = d
			fb.HasReset = true
		}
	}

	return fb
}

// parseResetValue accepts both Go-style durations ("6m0s") and bare
// second counts ("30", "1.5"), the two formats providers emit.
func parseResetValue(v string) (time.Duration, bool) {
	if d, err := time.ParseDuration(v); err == nil && d >= 0 {
		return d, true
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
		return time.Duration(f * float64(time.Second)), true
	}
	return 0, false
}

// Apply feeds parsed header state into the limiter.
func (l *Limiter) Apply(fb HeaderFeedback) {
	if fb.HasRemaining {
		l.ReportRemaining(fb.RemainingTokens)
	}
}
