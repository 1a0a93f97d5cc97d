package utils

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryOptions contains configuration for retry behavior.
type RetryOptions struct {
	MaxElapsedTime  time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      uint64
}

// GetDirectoryRetryOptions returns retry options for profile directory lookups.
func GetDirectoryRetryOptions() RetryOptions {
	return RetryOptions{
		MaxElapsedTime:  20 * time.Second,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     4 * time.Second,
		MaxRetries:      3,
	}
}

// GetLedgerRetryOptions returns retry options for role-change ledger writes.
func GetLedgerRetryOptions() RetryOptions {
	return RetryOptions{
		MaxElapsedTime:  30 * time.Second,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxRetries:      5,
	}
}

// NewBackOff builds the exponential backoff described by the options.
func (o RetryOptions) NewBackOff() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(o.MaxElapsedTime),
		backoff.WithInitialInterval(o.InitialInterval),
		backoff.WithMaxInterval(o.MaxInterval),
	), o.MaxRetries)
}

// Permanent marks an error as terminal so WithRetry stops immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// WithRetry executes the given operation with exponential backoff using provided options.
func WithRetry[T any](ctx context.Context, operation func() (T, error), opts RetryOptions) (T, error) {
	var result T

	backoffOperation := func() error {
		var err error
		result, err = operation()
		return err
	}

	err := backoff.Retry(backoffOperation, backoff.WithContext(opts.NewBackOff(), ctx))

	return result, err
}
