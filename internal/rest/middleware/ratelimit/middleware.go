package ratelimit

import (
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/ethoslink/rolesync/internal/rest/middleware/ip"
	"github.com/ethoslink/rolesync/pkg/utils"
	"github.com/uptrace/bunrouter"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const headerRetryAfter = "Retry-After"

// Middleware limits requests per client IP.
type Middleware struct {
	limiters *utils.TTLMap[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
	logger   *zap.Logger
}

// New creates a rate limiting middleware. A non-positive rate disables limiting.
func New(requestsPerSecond float64, burst int, logger *zap.Logger) *Middleware {
	if burst <= 0 {
		burst = 1
	}

	// Idle limiters are refilled long before they expire
	ttl := time.Minute
	if requestsPerSecond > 0 {
		refill := time.Duration(float64(burst) / requestsPerSecond * float64(time.Second))
		ttl = max(ttl, 2*refill)
	}

	return &Middleware{
		limiters: utils.NewTTLMap[string, *rate.Limiter](ttl),
		limit:    rate.Limit(requestsPerSecond),
		burst:    burst,
		logger:   logger,
	}
}

// Close stops the limiter cleanup.
func (m *Middleware) Close() {
	m.limiters.Close()
}

// AsRESTMiddleware returns a bunrouter middleware handler.
func (m *Middleware) AsRESTMiddleware(next bunrouter.HandlerFunc) bunrouter.HandlerFunc {
	return func(w http.ResponseWriter, req bunrouter.Request) error {
		if m.limit <= 0 {
			return next(w, req)
		}

		clientIP := ip.FromContext(req.Context())
		if allowed, retryAfter := m.allow(clientIP); !allowed {
			m.logger.Debug("Client rate limited",
				zap.String("ip", clientIP),
				zap.Duration("retryAfter", retryAfter))

			w.Header().Set(headerRetryAfter, fmt.Sprintf("%.0f", math.Ceil(retryAfter.Seconds())))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)

			return nil
		}

		return next(w, req)
	}
}

// allow consumes a token for the client and reports how long to wait when none is left.
func (m *Middleware) allow(clientIP string) (bool, time.Duration) {
	limiter := m.limiters.GetOrCreate(clientIP, func() *rate.Limiter {
		return rate.NewLimiter(m.limit, m.burst)
	})

	reservation := limiter.Reserve()
	if !reservation.OK() {
		return false, time.Second
	}

	delay := reservation.Delay()
	if delay == 0 {
		return true, 0
	}

	reservation.Cancel()

	return false, max(delay, time.Second)
}
