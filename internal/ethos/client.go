package ethos

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/ethoslink/rolesync/internal/setup/config"
	"github.com/ethoslink/rolesync/pkg/utils"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

var (
	// ErrProfileNotFound is returned when the directory has no profile for an identity.
	ErrProfileNotFound = errors.New("profile not found")
	// ErrDirectory is returned for unexpected directory responses.
	ErrDirectory = errors.New("profile directory request failed")
)

// Directory endpoints relative to the configured base URL.
const (
	scorePath     = "/api/v1/score/{userkey}"
	statsPath     = "/api/v1/users/{userkey}/stats"
	addressPath   = "/api/v1/addresses/{userkey}"
	validatorPath = "/api/v1/nfts/user/{userkey}/owns-validator"
	bulkScorePath = "/api/v1/score/bulk"
	bulkStatsPath = "/api/v1/users/stats/bulk"
)

// Client talks to the Ethos profile directory.
type Client struct {
	http      *resty.Client
	batchSize int
	retry     utils.RetryOptions
	logger    *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithRetryOptions replaces the retry options for transient failures.
func WithRetryOptions(opts utils.RetryOptions) Option {
	return func(c *Client) {
		c.retry = opts
	}
}

// NewClient creates a directory client.
func NewClient(cfg *config.Ethos, logger *zap.Logger, opts ...Option) *Client {
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Accept", "application/json").
		SetHeader("X-Ethos-Client", cfg.ClientName).
		SetTimeout(cfg.RequestTimeoutDuration()).
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal)

	if cfg.APIKey != "" {
		httpClient.SetAuthToken(cfg.APIKey)
	}

	retry := utils.GetDirectoryRetryOptions()
	if cfg.MaxRetries >= 0 {
		retry.MaxRetries = uint64(cfg.MaxRetries) //nolint:gosec // checked above
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}

	c := &Client{
		http:      httpClient,
		batchSize: batchSize,
		retry:     retry,
		logger:    logger.Named("ethos"),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// BatchSize returns the number of identities per bulk request.
func (c *Client) BatchSize() int {
	return c.batchSize
}

// get fetches a per-identity endpoint and returns the unwrapped payload.
func (c *Client) get(ctx context.Context, path, userkey string) ([]byte, error) {
	return utils.WithRetry(ctx, func() ([]byte, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetPathParam("userkey", userkey).
			Get(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDirectory, err)
		}

		return c.payload(resp)
	}, c.retry)
}

// post sends a bulk request and returns the unwrapped payload.
func (c *Client) post(ctx context.Context, path string, userkeys []string) ([]byte, error) {
	return utils.WithRetry(ctx, func() ([]byte, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(map[string][]string{"userkeys": userkeys}).
			Post(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDirectory, err)
		}

		return c.payload(resp)
	}, c.retry)
}

// payload classifies the response status and unwraps the body.
// Only 429 and 5xx responses are retried.
func (c *Client) payload(resp *resty.Response) ([]byte, error) {
	status := resp.StatusCode()

	switch {
	case status == http.StatusNotFound:
		return nil, utils.Permanent(ErrProfileNotFound)
	case status == http.StatusTooManyRequests || status >= 500:
		return nil, fmt.Errorf("%w: %s returned %d", ErrDirectory, resp.Request.URL, status)
	case status < 200 || status >= 300:
		return nil, utils.Permanent(fmt.Errorf("%w: %s returned %d", ErrDirectory, resp.Request.URL, status))
	}

	body, err := unwrap(resp.Body())
	if err != nil {
		return nil, utils.Permanent(err)
	}

	return body, nil
}
