package synccache_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/disgoorg/snowflake/v2"
	"github.com/ethoslink/rolesync/internal/synccache"
	"github.com/ethoslink/rolesync/pkg/utils"
	"github.com/redis/rueidis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const window = 72 * time.Hour

func newRedisStore(t *testing.T, _ utils.Clock) synccache.Store {
	t.Helper()

	mr := miniredis.RunT(t)

	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{mr.Addr()},
		DisableCache: true,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return synccache.NewRedisStore(client)
}

func newSQLiteStore(t *testing.T, clock utils.Clock) synccache.Store {
	t.Helper()

	store, err := synccache.OpenSQLiteStore(filepath.Join(t.TempDir(), "cache", "sync.db"), clock)
	require.NoError(t, err)

	return store
}

func TestCache(t *testing.T) {
	t.Parallel()

	backends := []struct {
		name  string
		store func(t *testing.T, clock utils.Clock) synccache.Store
	}{
		{name: "redis", store: newRedisStore},
		{name: "sqlite", store: newSQLiteStore},
	}

	for _, backend := range backends {
		t.Run(backend.name, func(t *testing.T) {
			t.Parallel()

			clock := utils.NewFakeClock(time.Now())
			cache := synccache.New(backend.store(t, clock), window, clock, zaptest.NewLogger(t))
			t.Cleanup(func() { _ = cache.Close() })

			ctx := t.Context()
			user := snowflake.ID(123456789012345678)
			other := snowflake.ID(223456789012345678)

			assert.False(t, cache.IsFresh(ctx, user))

			require.NoError(t, cache.MarkSynced(ctx, user))
			assert.True(t, cache.IsFresh(ctx, user))

			clock.Advance(window - time.Minute)
			assert.True(t, cache.IsFresh(ctx, user))

			require.NoError(t, cache.MarkSynced(ctx, other))

			clock.Advance(2 * time.Minute)
			assert.False(t, cache.IsFresh(ctx, user))
			assert.True(t, cache.IsFresh(ctx, other))

			stats, err := cache.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, backend.name, stats.Backend)
			assert.Equal(t, 1, stats.Fresh)
			assert.InDelta(t, 72.0, stats.WindowHours, 0.001)

			require.NoError(t, cache.Clear(ctx, other))
			assert.False(t, cache.IsFresh(ctx, other))
		})
	}
}

// failingStore fails every operation.
type failingStore struct{}

var errStoreDown = errors.New("store down")

func (failingStore) Get(context.Context, snowflake.ID) (time.Time, bool, error) {
	return time.Time{}, false, errStoreDown
}

func (failingStore) Set(context.Context, snowflake.ID, time.Time, time.Duration) error {
	return errStoreDown
}

func (failingStore) Delete(context.Context, snowflake.ID) error {
	return errStoreDown
}

func (failingStore) Entries(context.Context) (map[snowflake.ID]time.Time, error) {
	return nil, errStoreDown
}

func (failingStore) Name() string { return "failing" }

func (failingStore) Close() error { return nil }

func TestCacheErrorsLookStale(t *testing.T) {
	t.Parallel()

	cache := synccache.New(failingStore{}, window, utils.RealClock(), zaptest.NewLogger(t))

	assert.False(t, cache.IsFresh(t.Context(), 1))
	require.ErrorIs(t, cache.MarkSynced(t.Context(), 1), errStoreDown)

	_, err := cache.Stats(t.Context())
	require.ErrorIs(t, err, errStoreDown)
}

func TestRedisStoreEntriesAcrossSlots(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)

	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{mr.Addr()},
		DisableCache: true,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	store := synccache.NewRedisStore(client)
	ctx := t.Context()
	syncedAt := time.Unix(1750000000, 0)

	users := []snowflake.ID{100000000000000001, 100000000000000002, 100000000000000003}
	for _, user := range users {
		require.NoError(t, store.Set(ctx, user, syncedAt, time.Hour))
	}

	// Expires before the scan reads it
	require.NoError(t, store.Set(ctx, 100000000000000004, syncedAt, time.Minute))
	mr.FastForward(2 * time.Minute)

	entries, err := store.Entries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, len(users))

	for _, user := range users {
		assert.Equal(t, syncedAt, entries[user])
	}
}

func TestOpenSQLiteStoreSchemaFailure(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sync.db")

	// A view with the table's name makes the index creation fail
	conn, err := sqlite.OpenConn(path, sqlite.OpenCreate|sqlite.OpenReadWrite)
	require.NoError(t, err)
	require.NoError(t, sqlitex.ExecuteTransient(conn, "CREATE VIEW sync_records AS SELECT 1 AS expires_at", nil))
	require.NoError(t, conn.Close())

	store, err := synccache.OpenSQLiteStore(path, utils.RealClock())
	require.Error(t, err)
	assert.Nil(t, store)
	assert.Contains(t, err.Error(), "failed to create sync_records table")
}
