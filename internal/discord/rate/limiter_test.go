package rate_test

import (
	"testing"
	"time"

	"github.com/ethoslink/rolesync/internal/discord/rate"
	"github.com/ethoslink/rolesync/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterWait(t *testing.T) {
	t.Parallel()

	clock := utils.NewFakeClock(time.Unix(0, 0))
	limiter := rate.New(300*time.Millisecond, 0, clock)

	// First slot is immediately available
	require.NoError(t, limiter.Wait(t.Context()))
	assert.Empty(t, clock.Sleeps())

	require.NoError(t, limiter.Wait(t.Context()))
	assert.Equal(t, []time.Duration{300 * time.Millisecond}, clock.Sleeps())

	// Time spent elsewhere counts towards the interval
	clock.Advance(200 * time.Millisecond)
	require.NoError(t, limiter.Wait(t.Context()))
	assert.Equal(t, []time.Duration{300 * time.Millisecond, 100 * time.Millisecond}, clock.Sleeps())
}

func TestLimiterJitter(t *testing.T) {
	t.Parallel()

	clock := utils.NewFakeClock(time.Unix(0, 0))
	limiter := rate.New(time.Second, 200*time.Millisecond, clock)

	for range 20 {
		require.NoError(t, limiter.Wait(t.Context()))
	}

	for _, d := range clock.Sleeps() {
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.Less(t, d, 1200*time.Millisecond)
	}
}
