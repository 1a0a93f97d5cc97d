package reconcile_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/snowflake/v2"
	"github.com/ethoslink/rolesync/internal/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedVerified adds n verified members with valid profiles and one
// unverified member after every tenth.
func seedVerified(env *testEnv, n int) []snowflake.ID {
	users := make([]snowflake.ID, 0, n)

	for i := range n {
		user := snowflake.ID(10_000 + i)
		env.guild.addMember(user, env.role(env.roles.Verified))
		env.directory.setProfile(user, 1300+i, 1)
		users = append(users, user)

		if i%10 == 0 {
			env.guild.addMember(snowflake.ID(90_000 + i))
		}
	}

	return users
}

func TestReconcileGuildChunksResume(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 0)
	users := seedVerified(env, 120)

	steps := []struct {
		start         int
		wantCompleted bool
		wantNext      int
	}{
		{start: 0, wantCompleted: false, wantNext: 50},
		{start: 50, wantCompleted: false, wantNext: 100},
		{start: 100, wantCompleted: true, wantNext: 120},
	}

	for _, step := range steps {
		result, err := env.engine.ReconcileGuild(t.Context(), testGuild, reconcile.ChunkOptions{
			StartIndex: step.start,
			ChunkSize:  50,
		})
		require.NoError(t, err)

		assert.Equal(t, step.wantCompleted, result.Completed)
		assert.Equal(t, step.wantNext, result.NextIndex)
		assert.Equal(t, 120, result.TotalUsers)
		assert.Equal(t, step.wantNext-step.start, result.Processed)
	}

	// Every user was fetched exactly once, with no overlap or gap
	for _, user := range users {
		assert.Equal(t, 1, env.guild.getCount(user), "user %d", user)
		assert.Contains(t, env.guild.rolesOf(user), env.role(env.roles.Profile))
	}
}

func TestReconcileGuildReusesMemberSnapshot(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 0)
	users := seedVerified(env, 120)

	var members []discord.Member

	for _, start := range []int{0, 50, 100} {
		result, err := env.engine.ReconcileGuild(t.Context(), testGuild, reconcile.ChunkOptions{
			StartIndex: start,
			ChunkSize:  50,
			Members:    members,
		})
		require.NoError(t, err)
		require.Len(t, result.Members, 120)

		members = result.Members
	}

	assert.Equal(t, 1, env.guild.listCount())

	for _, user := range users {
		assert.Equal(t, 1, env.guild.getCount(user), "user %d", user)
	}
}

func TestReconcileGuildMonolithic(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 0)
	seedVerified(env, 30)

	var progressCalls atomic.Int32

	result, err := env.engine.ReconcileGuild(t.Context(), testGuild, reconcile.ChunkOptions{
		Progress: func(_, _, total int) {
			progressCalls.Add(1)
			assert.Equal(t, 30, total)
		},
	})
	require.NoError(t, err)

	assert.True(t, result.Completed)
	assert.Equal(t, 30, result.Processed)
	assert.Equal(t, 30, result.Changed)
	assert.Equal(t, int32(30), progressCalls.Load())
}

func TestReconcileGuildStop(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 0)
	seedVerified(env, 40)

	var processed atomic.Int32

	result, err := env.engine.ReconcileGuild(t.Context(), testGuild, reconcile.ChunkOptions{
		Stop: func() bool {
			return processed.Load() >= 10
		},
		Progress: func(_, done, _ int) {
			processed.Store(int32(done)) //nolint:gosec // small test counts
		},
	})
	require.NoError(t, err)

	assert.True(t, result.Stopped)
	assert.False(t, result.Completed)
	assert.Equal(t, 10, result.NextIndex)
	assert.Equal(t, 10, result.Processed)
}

func TestReconcileGuildCancelledContext(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 0)
	users := seedVerified(env, 20)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	result, err := env.engine.ReconcileGuild(ctx, testGuild, reconcile.ChunkOptions{StartIndex: 5})
	require.NoError(t, err)

	assert.True(t, result.Stopped)
	assert.False(t, result.Completed)
	assert.Equal(t, 5, result.NextIndex)
	assert.Zero(t, result.Processed)

	for _, user := range users {
		assert.Zero(t, env.guild.getCount(user), "user %d", user)
	}
}

func TestReconcileGuildTimeBudget(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 0)
	seedVerified(env, 20)

	// Bring every member in line first so the budget run does only pacing
	_, err := env.engine.ReconcileGuild(t.Context(), testGuild, reconcile.ChunkOptions{Force: true})
	require.NoError(t, err)

	result, err := env.engine.ReconcileGuild(t.Context(), testGuild, reconcile.ChunkOptions{
		Force:       true,
		MaxDuration: time.Second,
	})
	require.NoError(t, err)

	assert.True(t, result.TimedOut)
	assert.False(t, result.Completed)
	assert.GreaterOrEqual(t, result.NextIndex, 3)
	assert.LessOrEqual(t, result.NextIndex, 6)

	resumed, err := env.engine.ReconcileGuild(t.Context(), testGuild, reconcile.ChunkOptions{
		StartIndex: result.NextIndex,
		Force:      true,
	})
	require.NoError(t, err)
	assert.True(t, resumed.Completed)
	assert.Equal(t, 20-result.NextIndex, resumed.Processed)
}

func TestReconcileGuildBatch(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 10)
	users := seedVerified(env, 25)
	env.directory.setValidator(users[3], true)

	// One fresh user is skipped before any lookup
	require.NoError(t, env.cache.MarkSynced(t.Context(), users[0]))

	result, err := env.engine.ReconcileGuildBatch(t.Context(), testGuild, reconcile.BatchOptions{})
	require.NoError(t, err)

	assert.Equal(t, 25, result.TotalUsers)
	assert.Equal(t, 25, result.Processed)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 24, result.Changed)
	assert.Equal(t, 3, result.Batches)
	assert.Equal(t, []int{10, 10, 4}, env.directory.batchSizes)

	assert.Contains(t, env.guild.rolesOf(users[3]), env.role(env.roles.ValidatorNeutral))
	assert.NotContains(t, env.guild.rolesOf(users[0]), env.role(env.roles.Profile))

	// Batch delay between the three batches
	assert.Contains(t, env.clock.Sleeps(), 2*time.Second)
}

func TestReconcileGuildBatchStop(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 10)
	seedVerified(env, 30)

	result, err := env.engine.ReconcileGuildBatch(t.Context(), testGuild, reconcile.BatchOptions{
		Stop: func() bool { return true },
	})
	require.NoError(t, err)

	assert.True(t, result.Stopped)
	assert.Zero(t, result.Batches)
	assert.Empty(t, env.guild.operations())
}
