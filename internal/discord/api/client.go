package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cenkalti/backoff/v4"
	"github.com/ethoslink/rolesync/internal/setup/config"
	"github.com/ethoslink/rolesync/pkg/utils"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Response is a successful Discord API response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v any) error {
	return sonic.Unmarshal(r.Body, v)
}

// Client sends Discord REST requests without exceeding per-route or global limits.
type Client struct {
	http   *resty.Client
	state  *State
	policy RetryPolicy
	clock  utils.Clock
	logger *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithClock replaces the clock used for every wait.
func WithClock(clock utils.Clock) Option {
	return func(c *Client) {
		c.clock = clock
	}
}

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *Client) {
		c.policy = policy
	}
}

// RequestOption configures a single request.
type RequestOption func(*resty.Request)

// WithAuditReason sets the audit log reason of a mutation.
func WithAuditReason(reason string) RequestOption {
	return func(r *resty.Request) {
		if reason != "" {
			r.SetHeader("X-Audit-Log-Reason", url.PathEscape(reason))
		}
	}
}

// WithQuery adds a query parameter.
func WithQuery(key, value string) RequestOption {
	return func(r *resty.Request) {
		r.SetQueryParam(key, value)
	}
}

// NewClient creates a client for the configured Discord API.
// The state is shared so that every caller observes the same limits.
func NewClient(cfg *config.Discord, state *State, logger *zap.Logger, opts ...Option) *Client {
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.APIBaseURL, "/")).
		SetHeader("Authorization", "Bot "+cfg.Token).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "DiscordBot (https://github.com/ethoslink/rolesync, "+config.RepositoryVersion+")").
		SetTimeout(cfg.RequestTimeoutDuration()).
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal)

	c := &Client{
		http:   httpClient,
		state:  state,
		policy: DefaultRetryPolicy(),
		clock:  utils.RealClock(),
		logger: logger.Named("discord_api"),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Status returns a snapshot of the shared rate limit state.
func (c *Client) Status() Snapshot {
	return c.state.Snapshot()
}

// Reset clears the shared rate limit state.
func (c *Client) Reset() {
	c.state.Reset()
	c.logger.Info("Rate limit state reset")
}

// Call sends a request and returns the response of the first successful attempt.
// Throttled requests are retried after the advertised delay, transport failures
// with exponential backoff. Other non-2xx responses return an *APIError.
func (c *Client) Call(ctx context.Context, method, path string, body any, opts ...RequestOption) (*Response, error) {
	route := RouteKey(method, path)
	transport := c.policy.transportBackOff()
	throttles := 0

	for {
		if err := c.waitBeforeSend(ctx, route); err != nil {
			return nil, err
		}

		resp, err := c.send(ctx, method, path, body, opts)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			if err := c.waitTransport(ctx, transport, route, err); err != nil {
				return nil, err
			}

			continue
		}

		now := c.clock.Now()
		c.state.observe(route, resp.Header, now)

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			throttles++

			retryAfter, global := parseThrottle(resp, c.policy.DefaultRetryAfter)
			c.state.throttle(route, now, retryAfter, global, c.policy)

			c.logger.Warn("Request throttled",
				zap.String("route", route),
				zap.Bool("global", global),
				zap.Duration("retryAfter", retryAfter),
				zap.Int("attempt", throttles),
				zap.Float64("multiplier", c.state.Multiplier()))

			if throttles >= c.policy.MaxRateLimitAttempts {
				return nil, fmt.Errorf("%w: %s after %d attempts", ErrRateLimitExceeded, route, throttles)
			}

			buffer := c.policy.RouteBuffer
			if global {
				buffer = c.policy.GlobalBuffer
			}

			if err := c.clock.Sleep(ctx, retryAfter+buffer); err != nil {
				return nil, err
			}

		case isTransientStatus(resp.StatusCode):
			statusErr := fmt.Errorf("status %d", resp.StatusCode)
			if err := c.waitTransport(ctx, transport, route, statusErr); err != nil {
				return nil, err
			}

		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if err := c.afterSuccess(ctx, route); err != nil {
				return nil, err
			}

			return resp, nil

		default:
			return nil, newAPIError(route, resp)
		}
	}
}

// waitBeforeSend honors the global lockout, exhausted buckets and the adaptive delay.
func (c *Client) waitBeforeSend(ctx context.Context, route string) error {
	if until, ok := c.state.globalLockout(c.clock.Now()); ok {
		c.logger.Debug("Waiting for global rate limit",
			zap.String("route", route),
			zap.Time("until", until))

		if err := utils.SleepUntil(ctx, c.clock, until); err != nil {
			return err
		}
	}

	if resetAt, ok := c.state.exhausted(route, c.clock.Now()); ok {
		c.logger.Debug("Waiting for route reset",
			zap.String("route", route),
			zap.Time("resetAt", resetAt))

		if err := utils.SleepUntil(ctx, c.clock, resetAt.Add(c.policy.ResetBuffer)); err != nil {
			return err
		}
	}

	if delay := c.state.adaptiveDelay(c.clock.Now(), c.policy); delay > 0 {
		if err := c.clock.Sleep(ctx, delay); err != nil {
			return err
		}
	}

	return nil
}

// afterSuccess slows down when a bucket is nearly empty and decays the multiplier.
func (c *Client) afterSuccess(ctx context.Context, route string) error {
	now := c.clock.Now()

	if b, ok := c.state.route(route); ok && b.resetAt.After(now) {
		switch {
		case b.remaining <= 1:
			if err := utils.SleepUntil(ctx, c.clock, b.resetAt); err != nil {
				return err
			}
		case b.remaining < c.policy.LowRemaining:
			delay := c.policy.LowRemainingStep * time.Duration(c.policy.LowRemaining-b.remaining)
			if err := c.clock.Sleep(ctx, delay); err != nil {
				return err
			}
		}
	}

	c.state.decay(c.clock.Now(), c.policy)

	return nil
}

// waitTransport sleeps for the next transport backoff or fails once retries run out.
func (c *Client) waitTransport(ctx context.Context, b backoff.BackOff, route string, cause error) error {
	wait := b.NextBackOff()
	if wait == backoff.Stop {
		return fmt.Errorf("%w: %s: %w", ErrTransport, route, cause)
	}

	c.logger.Warn("Transient request failure, retrying",
		zap.String("route", route),
		zap.Duration("wait", wait),
		zap.Error(cause))

	return c.clock.Sleep(ctx, wait)
}

// send performs one HTTP exchange.
func (c *Client) send(
	ctx context.Context, method, path string, body any, opts []RequestOption,
) (*Response, error) {
	req := c.http.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}

	for _, opt := range opts {
		opt(req)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, err
	}

	return &Response{
		StatusCode: resp.StatusCode(),
		Header:     resp.Header(),
		Body:       resp.Body(),
	}, nil
}

// parseThrottle extracts the retry delay and scope of a 429 response.
func parseThrottle(resp *Response, fallback time.Duration) (time.Duration, bool) {
	global := strings.EqualFold(resp.Header.Get("X-RateLimit-Global"), "true") ||
		strings.EqualFold(resp.Header.Get("X-RateLimit-Scope"), "global")

	var body errorBody
	if err := sonic.Unmarshal(resp.Body, &body); err == nil {
		global = global || body.Global
		if body.RetryAfter > 0 {
			return secondsToDuration(body.RetryAfter), global
		}
	}

	if seconds, err := strconv.ParseFloat(resp.Header.Get("Retry-After"), 64); err == nil && seconds > 0 {
		return secondsToDuration(seconds), global
	}

	return fallback, global
}

func isTransientStatus(status int) bool {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether err may succeed on a later attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimitExceeded) || errors.Is(err, ErrTransport)
}
