package rate

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/ethoslink/rolesync/pkg/utils"
)

// Limiter spaces out operations by a base interval with random jitter.
type Limiter struct {
	mu          sync.Mutex
	clock       utils.Clock
	lastRequest time.Time
	minInterval time.Duration
	maxJitter   time.Duration
	rng         *rand.Rand
}

// New creates a pacing limiter with base interval and jitter.
// For example, baseInterval=1s and jitter=200ms will result in delays between 800ms-1200ms.
func New(baseInterval, jitter time.Duration, clock utils.Clock) *Limiter {
	return &Limiter{
		clock:       clock,
		lastRequest: clock.Now().Add(-baseInterval - jitter),
		minInterval: baseInterval,
		maxJitter:   jitter,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // jitter only
	}
}

// Wait blocks until enough time has passed since the previous operation.
func (r *Limiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	elapsed := r.clock.Now().Sub(r.lastRequest)

	targetDelay := r.minInterval
	if r.maxJitter > 0 {
		targetDelay += time.Duration(r.rng.Int63n(int64(r.maxJitter*2))) - r.maxJitter
	}

	waitDuration := targetDelay - elapsed
	r.mu.Unlock()

	if waitDuration > 0 {
		if err := r.clock.Sleep(ctx, waitDuration); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.lastRequest = r.clock.Now()
	r.mu.Unlock()

	return nil
}

// Interval returns the base interval.
func (r *Limiter) Interval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.minInterval
}
