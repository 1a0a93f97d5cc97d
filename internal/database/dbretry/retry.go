package dbretry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"
)

// Policy controls retries of database operations.
type Policy struct {
	MaxElapsedTime  time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      uint64
}

// DefaultPolicy is used by the package-level helpers.
var DefaultPolicy = Policy{
	MaxElapsedTime:  30 * time.Second,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     5 * time.Second,
	MaxRetries:      5,
}

// retryableClasses are the SQLSTATE classes worth retrying: connection
// exceptions, transaction rollbacks, insufficient resources and operator intervention.
var retryableClasses = []string{"08", "40", "53", "57"}

// retryableCodes are individual SQLSTATE codes worth retrying.
var retryableCodes = map[string]bool{
	"55006": true, // object_in_use
	"55P03": true, // lock_not_available
}

// networkFragments mark driver errors caused by a broken connection.
var networkFragments = []string{
	"connection reset by peer",
	"broken pipe",
	"connection refused",
	"no connection",
	"i/o timeout",
	"EOF",
}

// IsRetryableError checks if the given error is retryable.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var pgerr pgdriver.Error
	if errors.As(err, &pgerr) {
		code := pgerr.Field('C')
		if retryableCodes[code] {
			return true
		}

		for _, class := range retryableClasses {
			if strings.HasPrefix(code, class) {
				return true
			}
		}

		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := err.Error()
	for _, fragment := range networkFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}

	return false
}

// backOff builds the retry schedule of a policy.
func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(p.MaxElapsedTime),
		backoff.WithInitialInterval(p.InitialInterval),
		backoff.WithMaxInterval(p.MaxInterval),
	), p.MaxRetries), ctx)
}

// Do runs operation until it succeeds, fails permanently or retries run out.
func (p Policy) Do(ctx context.Context, operation func(context.Context) error) error {
	err := backoff.Retry(func() error {
		err := operation(ctx)
		if err != nil && (!IsRetryableError(err) || ctx.Err() != nil) {
			return backoff.Permanent(err)
		}

		return err
	}, p.backOff(ctx))
	if err != nil {
		return fmt.Errorf("database operation failed: %w", err)
	}

	return nil
}

// Operation wraps a database operation that returns a result with retry logic.
func Operation[T any](ctx context.Context, operation func(context.Context) (T, error)) (T, error) {
	var result T

	err := DefaultPolicy.Do(ctx, func(ctx context.Context) error {
		var err error
		result, err = operation(ctx)

		return err
	})

	return result, err
}

// NoResult wraps a database operation that doesn't return a result.
func NoResult(ctx context.Context, operation func(context.Context) error) error {
	return DefaultPolicy.Do(ctx, operation)
}

// Transaction wraps a database transaction with retry logic.
func Transaction(ctx context.Context, db *bun.DB, fn func(context.Context, bun.Tx) error) error {
	return NoResult(ctx, func(ctx context.Context) error {
		return db.RunInTx(ctx, nil, fn)
	})
}
