package synccache

import (
	"context"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/ethoslink/rolesync/pkg/utils"
	"go.uber.org/zap"
)

// Store persists the last sync time of each user.
type Store interface {
	// Get returns the last sync time and whether a record exists.
	Get(ctx context.Context, userID snowflake.ID) (time.Time, bool, error)
	// Set records a sync that stays relevant for ttl.
	Set(ctx context.Context, userID snowflake.ID, syncedAt time.Time, ttl time.Duration) error
	// Delete removes the record of a user.
	Delete(ctx context.Context, userID snowflake.ID) error
	// Entries returns every record.
	Entries(ctx context.Context) (map[snowflake.ID]time.Time, error)
	// Name identifies the backend.
	Name() string
	// Close releases the backend.
	Close() error
}

// Stats summarizes the cache contents.
type Stats struct {
	Backend     string    `json:"backend"`
	Total       int       `json:"total"`
	Fresh       int       `json:"fresh"`
	Stale       int       `json:"stale"`
	WindowHours float64   `json:"windowHours"`
	Oldest      time.Time `json:"oldest"`
	Newest      time.Time `json:"newest"`
}

// Cache decides whether a user was synced recently enough to be skipped.
// Store failures never block a sync; they make the user look stale.
type Cache struct {
	store  Store
	window time.Duration
	clock  utils.Clock
	logger *zap.Logger
}

// New creates a sync cache over a store.
func New(store Store, window time.Duration, clock utils.Clock, logger *zap.Logger) *Cache {
	return &Cache{
		store:  store,
		window: window,
		clock:  clock,
		logger: logger.Named("sync_cache"),
	}
}

// Window returns the freshness window.
func (c *Cache) Window() time.Duration {
	return c.window
}

// IsFresh reports whether the user was synced within the freshness window.
func (c *Cache) IsFresh(ctx context.Context, userID snowflake.ID) bool {
	syncedAt, ok, err := c.store.Get(ctx, userID)
	if err != nil {
		c.logger.Warn("Failed to read sync record",
			zap.Uint64("userID", uint64(userID)),
			zap.Error(err))

		return false
	}

	return ok && c.clock.Now().Sub(syncedAt) < c.window
}

// MarkSynced records a completed sync for the user.
func (c *Cache) MarkSynced(ctx context.Context, userID snowflake.ID) error {
	return c.store.Set(ctx, userID, c.clock.Now(), c.window)
}

// Clear removes the record so the next sync is not skipped.
func (c *Cache) Clear(ctx context.Context, userID snowflake.ID) error {
	return c.store.Delete(ctx, userID)
}

// Stats counts fresh and stale records.
func (c *Cache) Stats(ctx context.Context) (*Stats, error) {
	entries, err := c.store.Entries(ctx)
	if err != nil {
		return nil, err
	}

	now := c.clock.Now()
	stats := &Stats{
		Backend:     c.store.Name(),
		Total:       len(entries),
		WindowHours: c.window.Hours(),
	}

	for _, syncedAt := range entries {
		if now.Sub(syncedAt) < c.window {
			stats.Fresh++
		} else {
			stats.Stale++
		}

		if stats.Oldest.IsZero() || syncedAt.Before(stats.Oldest) {
			stats.Oldest = syncedAt
		}

		if syncedAt.After(stats.Newest) {
			stats.Newest = syncedAt
		}
	}

	return stats, nil
}

// Close releases the underlying store.
func (c *Cache) Close() error {
	return c.store.Close()
}
