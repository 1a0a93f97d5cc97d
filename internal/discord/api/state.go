package api

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// bucket tracks the advertised limit of one route.
type bucket struct {
	remaining int
	resetAt   time.Time
}

// State is the rate limit state shared by every request of a process.
// It is safe for concurrent use.
type State struct {
	mu            sync.Mutex
	buckets       map[string]*bucket
	globalUntil   time.Time
	multiplier    float64
	lastThrottled time.Time
	throttled     int64
	requests      int64
}

// RouteSnapshot is a copy of one route bucket.
type RouteSnapshot struct {
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// Snapshot is a point-in-time copy of the rate limit state.
type Snapshot struct {
	GlobalUntil   time.Time                `json:"globalUntil"`
	Multiplier    float64                  `json:"multiplier"`
	LastThrottled time.Time                `json:"lastThrottled"`
	Throttled     int64                    `json:"throttled"`
	Requests      int64                    `json:"requests"`
	Routes        map[string]RouteSnapshot `json:"routes"`
}

// NewState creates an empty rate limit state.
func NewState() *State {
	return &State{
		buckets:    make(map[string]*bucket),
		multiplier: 1,
	}
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	routes := make(map[string]RouteSnapshot, len(s.buckets))
	for route, b := range s.buckets {
		routes[route] = RouteSnapshot{Remaining: b.remaining, ResetAt: b.resetAt}
	}

	return Snapshot{
		GlobalUntil:   s.globalUntil,
		Multiplier:    s.multiplier,
		LastThrottled: s.lastThrottled,
		Throttled:     s.throttled,
		Requests:      s.requests,
		Routes:        routes,
	}
}

// Reset clears every bucket and restores the multiplier.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buckets = make(map[string]*bucket)
	s.globalUntil = time.Time{}
	s.multiplier = 1
	s.lastThrottled = time.Time{}
}

// Multiplier returns the current adaptive multiplier.
func (s *State) Multiplier() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.multiplier
}

// globalLockout returns the end of an active global lockout.
func (s *State) globalLockout(now time.Time) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.globalUntil, s.globalUntil.After(now)
}

// exhausted returns the reset time of a route that has no requests left.
func (s *State) exhausted(route string, now time.Time) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[route]
	if !ok || b.remaining > 0 || !b.resetAt.After(now) {
		return time.Time{}, false
	}

	return b.resetAt, true
}

// adaptiveDelay returns the extra delay applied during the cooldown after a 429.
func (s *State) adaptiveDelay(now time.Time, p RetryPolicy) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastThrottled.IsZero() || now.Sub(s.lastThrottled) >= p.Cooldown {
		return 0
	}

	delay := time.Duration(float64(p.AdaptiveBase) * s.multiplier)

	return min(delay, p.AdaptiveMax)
}

// observe records the bucket headers of a response.
func (s *State) observe(route string, header http.Header, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests++

	remaining, err := strconv.Atoi(header.Get("X-RateLimit-Remaining"))
	if err != nil {
		return
	}

	b, ok := s.buckets[route]
	if !ok {
		b = &bucket{}
		s.buckets[route] = b
	}

	b.remaining = remaining

	if resetAfter, err := strconv.ParseFloat(header.Get("X-RateLimit-Reset-After"), 64); err == nil {
		b.resetAt = now.Add(secondsToDuration(resetAfter))
	}
}

// route returns the tracked bucket of a route.
func (s *State) route(route string) (bucket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[route]
	if !ok {
		return bucket{}, false
	}

	return *b, true
}

// throttle records a 429 and grows the multiplier.
func (s *State) throttle(route string, now time.Time, retryAfter time.Duration, global bool, p RetryPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.throttled++
	s.lastThrottled = now
	s.multiplier = math.Min(s.multiplier*p.MultiplierGrowth, p.MultiplierCap)

	until := now.Add(retryAfter)
	if global {
		if until.After(s.globalUntil) {
			s.globalUntil = until
		}

		return
	}

	b, ok := s.buckets[route]
	if !ok {
		b = &bucket{}
		s.buckets[route] = b
	}

	b.remaining = 0
	b.resetAt = until
}

// decay shrinks the multiplier once the cooldown has passed.
func (s *State) decay(now time.Time, p RetryPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lastThrottled.IsZero() && now.Sub(s.lastThrottled) < p.Cooldown {
		return
	}

	s.multiplier = math.Max(s.multiplier*p.MultiplierDecay, 1)
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
