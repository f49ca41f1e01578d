package curlstep

import (
	"math/rand"
	"time"
)

// DefaultRetryInterval is the fixed wait between attempts of the default policy.
const DefaultRetryInterval = 1000 * time.Millisecond

// DefaultRetryPolicy retries without limit, waiting DefaultRetryInterval
// between attempts. A condition that never holds keeps Execute looping until
// its context is cancelled.
// nolint:gochecknoglobals
var DefaultRetryPolicy = RetryPolicy{Backoff: ConstantBackoff(DefaultRetryInterval)}

// RetryPolicy controls how Execute repeats a request whose condition does
// not hold yet. Transport errors are never retried.
type RetryPolicy struct {
	// MaxAttempts caps the number of requests sent. Zero or less means no limit.
	MaxAttempts int
	// Backoff returns the wait after a given attempt. Defaults to
	// ConstantBackoff(DefaultRetryInterval).
	Backoff Backoffer
}

func (p *RetryPolicy) normalize() {
	if p.Backoff == nil {
		p.Backoff = ConstantBackoff(DefaultRetryInterval)
	}
}

func (p RetryPolicy) exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

// Backoffer calculates how long to wait between attempts. attempt is the
// attempt which just completed and starts at 1.
type Backoffer interface {
	Backoff(attempt int) time.Duration
}

// BackofferFunc adapts a function to the Backoffer interface.
type BackofferFunc func(int) time.Duration

// Backoff implements Backoffer
func (b BackofferFunc) Backoff(attempt int) time.Duration {
	return b(attempt)
}

// ConstantBackoff waits the same duration after every attempt.
type ConstantBackoff time.Duration

// Backoff implements Backoffer
func (c ConstantBackoff) Backoff(int) time.Duration {
	return time.Duration(c)
}

// ExponentialBackoff grows the wait by Multiplier after each attempt, up to
// MaxDelay, randomized by Jitter.
type ExponentialBackoff struct {
	// BaseDelay is the wait after the first attempt.
	BaseDelay time.Duration
	// Multiplier is the growth factor between attempts.
	Multiplier float64
	// Jitter is the factor by which waits are randomized.
	Jitter float64
	// MaxDelay is the upper bound of the wait.
	MaxDelay time.Duration
}

// Backoff implements Backoffer
func (c *ExponentialBackoff) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return c.BaseDelay
	}

	backoff, maxDelay := float64(c.BaseDelay), float64(c.MaxDelay)
	for backoff < maxDelay && attempt > 1 {
		backoff *= c.Multiplier
		attempt--
	}
	if backoff > maxDelay {
		backoff = maxDelay
	}
	// nolint:gosec
	backoff *= 1 + c.Jitter*(rand.Float64()*2-1)
	if backoff < 0 {
		return 0
	}
	return time.Duration(backoff)
}
