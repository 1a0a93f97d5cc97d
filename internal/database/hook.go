package database

import (
	"context"
	"time"

	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// slowQueryThreshold marks queries logged at warn level.
const slowQueryThreshold = 500 * time.Millisecond

// Hook implements bun.QueryHook to log queries with zap.
type Hook struct {
	logger *zap.Logger
}

// NewHook creates a new query hook.
func NewHook(logger *zap.Logger) *Hook {
	return &Hook{logger: logger}
}

// BeforeQuery implements bun.QueryHook.
func (h *Hook) BeforeQuery(ctx context.Context, _ *bun.QueryEvent) context.Context {
	return ctx
}

// AfterQuery logs the query with its duration.
func (h *Hook) AfterQuery(_ context.Context, event *bun.QueryEvent) {
	duration := time.Since(event.StartTime)

	switch {
	case event.Err != nil:
		h.logger.Error("Query failed",
			zap.String("operation", event.Operation()),
			zap.String("query", event.Query),
			zap.Duration("duration", duration),
			zap.Error(event.Err))
	case duration > slowQueryThreshold:
		h.logger.Warn("Slow query",
			zap.String("operation", event.Operation()),
			zap.String("query", event.Query),
			zap.Duration("duration", duration))
	default:
		h.logger.Debug("Query executed",
			zap.String("operation", event.Operation()),
			zap.Duration("duration", duration))
	}
}
