package utils_test

import (
	"context"
	"testing"
	"time"

	"github.com/ethoslink/rolesync/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextSleep(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		duration    time.Duration
		cancelAfter time.Duration
		wantErr     error
	}{
		{
			name:     "sleep completes normally",
			duration: 10 * time.Millisecond,
		},
		{
			name:        "context cancelled before sleep completes",
			duration:    time.Second,
			cancelAfter: 10 * time.Millisecond,
			wantErr:     context.Canceled,
		},
		{
			name:     "zero duration sleep",
			duration: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithCancel(t.Context())
			defer cancel()

			if tt.cancelAfter > 0 {
				go func() {
					time.Sleep(tt.cancelAfter)
					cancel()
				}()
			}

			err := utils.ContextSleep(ctx, tt.duration)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestFakeClock(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := utils.NewFakeClock(start)

	require.NoError(t, clock.Sleep(t.Context(), 2*time.Second))
	require.NoError(t, clock.Sleep(t.Context(), 0))
	clock.Advance(time.Minute)

	assert.Equal(t, start.Add(time.Minute+2*time.Second), clock.Now())
	assert.Equal(t, []time.Duration{2 * time.Second}, clock.Sleeps())
	assert.Equal(t, 2*time.Second, clock.TotalSlept())

	require.NoError(t, utils.SleepUntil(t.Context(), clock, clock.Now().Add(500*time.Millisecond)))
	assert.Equal(t, 2500*time.Millisecond, clock.TotalSlept())

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	require.ErrorIs(t, clock.Sleep(ctx, time.Second), context.Canceled)
}

func TestContextGuard(t *testing.T) {
	t.Parallel()

	assert.False(t, utils.ContextGuard(t.Context()))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	assert.True(t, utils.ContextGuard(ctx))
}
