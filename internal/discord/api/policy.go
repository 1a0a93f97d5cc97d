package api

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy holds every tunable of the request client.
type RetryPolicy struct {
	// Attempts before giving up on a throttled request.
	MaxRateLimitAttempts int
	// Retries after network failures or 502/503/504 responses.
	MaxTransportRetries int
	TransportInitial    time.Duration
	TransportMax        time.Duration

	// Added to a route's reset time before sending on an exhausted bucket.
	ResetBuffer time.Duration
	// Added to retry_after after a 429.
	GlobalBuffer time.Duration
	RouteBuffer  time.Duration

	// Adaptive delay applied while inside the cooldown after a 429.
	AdaptiveBase time.Duration
	AdaptiveMax  time.Duration
	Cooldown     time.Duration

	MultiplierGrowth float64
	MultiplierCap    float64
	MultiplierDecay  float64

	// Successful responses with fewer remaining requests than this are slowed down.
	LowRemaining     int
	LowRemainingStep time.Duration

	// Used when a 429 carries no retry_after.
	DefaultRetryAfter time.Duration
}

// DefaultRetryPolicy returns the production policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRateLimitAttempts: 6,
		MaxTransportRetries:  4,
		TransportInitial:     500 * time.Millisecond,
		TransportMax:         5 * time.Second,
		ResetBuffer:          250 * time.Millisecond,
		GlobalBuffer:         500 * time.Millisecond,
		RouteBuffer:          250 * time.Millisecond,
		AdaptiveBase:         100 * time.Millisecond,
		AdaptiveMax:          5 * time.Second,
		Cooldown:             30 * time.Second,
		MultiplierGrowth:     1.5,
		MultiplierCap:        8,
		MultiplierDecay:      0.8,
		LowRemaining:         3,
		LowRemainingStep:     100 * time.Millisecond,
		DefaultRetryAfter:    time.Second,
	}
}

// transportBackOff returns the backoff used between transport retries.
func (p RetryPolicy) transportBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.TransportInitial
	b.MaxInterval = p.TransportMax
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.WithMaxRetries(b, uint64(max(p.MaxTransportRetries, 0))) //nolint:gosec // clamped above
}
