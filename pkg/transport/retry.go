package transport

import (
	"math"
	"math/rand"
	"time"
)

// Retryer decides the delay before each reconnection attempt.
type Retryer interface {
	// NextDelay returns the delay before the next attempt. attempt is
	// 0-based. The bool reports whether to keep retrying.
	NextDelay(attempt int, lastErr error) (time.Duration, bool)

	// Reset clears retry state after a successful connection.
	Reset()
}

// ExponentialBackoffRetryer implements exponential backoff with
// jitter.
type ExponentialBackoffRetryer struct {
	// InitialDelay is the first retry delay.
	InitialDelay time.Duration

	// MaxDelay caps the delay.
	MaxDelay time.Duration

	// Multiplier is the exponential growth factor.
	Multiplier float64

	// MaxRetries caps the attempt count (0 for infinite).
	MaxRetries int

	// Jitter randomizes the delay to avoid thundering herd.
	Jitter bool

	// JitterFactor is the maximum jitter as a fraction of the delay.
	JitterFactor float64
}

// NewExponentialBackoffRetryer returns a retryer with the default
// schedule: 1 s initial, 30 s cap, doubling, 30% jitter, unlimited
// attempts.
func NewExponentialBackoffRetryer() *ExponentialBackoffRetryer {
	return &ExponentialBackoffRetryer{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   0,
		Jitter:       true,
		JitterFactor: 0.3,
	}
}

// NextDelay implements Retryer.
func (r *ExponentialBackoffRetryer) NextDelay(attempt int, lastErr error) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}

	delay := float64(r.InitialDelay) * math.Pow(r.Multiplier, float64(attempt))
	if delay > float64(r.MaxDelay) {
		delay = float64(r.MaxDelay)
	}

	if r.Jitter && r.JitterFactor > 0 {
		//nolint:gosec // math/rand is fine for jitter, not security-critical
		jitter := delay * r.JitterFactor * (2*rand.Float64() - 1)
		delay += jitter
		if delay < 0 {
			delay = float64(r.InitialDelay)
		}
	}

	return time.Duration(delay), true
}

// Reset implements Retryer.
func (r *ExponentialBackoffRetryer) Reset() {
	// No state to reset for exponential backoff
}

// FixedDelayRetryer retries at a constant interval.
type FixedDelayRetryer struct {
	// Delay between attempts.
	Delay time.Duration

	// MaxRetries caps the attempt count (0 for infinite).
	MaxRetries int
}

// NewFixedDelayRetryer creates a fixed delay retryer.
func NewFixedDelayRetryer(delay time.Duration, maxRetries int) *FixedDelayRetryer {
	return &FixedDelayRetryer{Delay: delay, MaxRetries: maxRetries}
}

// NextDelay implements Retryer.
func (r *FixedDelayRetryer) NextDelay(attempt int, lastErr error) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}
	return r.Delay, true
}

// Reset implements Retryer.
func (r *FixedDelayRetryer) Reset() {
	// No state to reset for fixed delay
}
