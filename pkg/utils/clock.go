package utils

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Clock abstracts time so that pacing and rate limit waits can be tested
// without real sleeps.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// Sleep blocks for the duration or until the context is cancelled.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

// RealClock returns a Clock backed by the time package.
func RealClock() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	return ContextSleep(ctx, d)
}

// ContextSleep sleeps for the specified duration while respecting context cancellation.
// Returns the context error if the context was cancelled before the duration elapsed.
func ContextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SleepUntil waits on the clock until the target time is reached.
func SleepUntil(ctx context.Context, clock Clock, target time.Time) error {
	return clock.Sleep(ctx, target.Sub(clock.Now()))
}

// ContextGuard checks if the context is cancelled and returns true if so.
// This is useful at the beginning of loops or before starting long-running operations.
func ContextGuard(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// FakeClock is a manually driven Clock. Sleep advances the clock instantly
// and records the requested duration.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

// NewFakeClock creates a FakeClock starting at the given time.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the fake current time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

// Sleep advances the fake time by d.
func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if d <= 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)

	return nil
}

// Advance moves the fake time forward without recording a sleep.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

// Sleeps returns a copy of every recorded sleep.
func (c *FakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Clone(c.sleeps)
}

// TotalSlept returns the sum of every recorded sleep.
func (c *FakeClock) TotalSlept() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	var total time.Duration
	for _, d := range c.sleeps {
		total += d
	}

	return total
}
