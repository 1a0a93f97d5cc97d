package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethoslink/rolesync/internal/discord/api"
	"github.com/ethoslink/rolesync/internal/setup/config"
	"github.com/ethoslink/rolesync/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*api.Client, *utils.FakeClock) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.Default().Discord
	cfg.APIBaseURL = srv.URL
	cfg.Token = "test-token"

	clock := utils.NewFakeClock(time.Unix(1_700_000_000, 0))
	client := api.NewClient(&cfg, api.NewState(), zaptest.NewLogger(t), api.WithClock(clock))

	return client, clock
}

func TestCallSuccess(t *testing.T) {
	t.Parallel()

	client, clock := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bot test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "/guilds/123456789012345678/members/223456789012345678", r.URL.Path)
		w.Header().Set("X-RateLimit-Remaining", "5")
		w.Header().Set("X-RateLimit-Reset-After", "1.5")
		_, _ = w.Write([]byte(`{"roles":["1"]}`))
	})

	resp, err := client.Call(t.Context(), http.MethodGet, "/guilds/123456789012345678/members/223456789012345678", nil)
	require.NoError(t, err)

	var body struct {
		Roles []string `json:"roles"`
	}
	require.NoError(t, resp.Decode(&body))
	assert.Equal(t, []string{"1"}, body.Roles)
	assert.Empty(t, clock.Sleeps())

	status := client.Status()
	route := status.Routes["GET /guilds/123456789012345678/members/:id"]
	assert.Equal(t, 5, route.Remaining)
	assert.Equal(t, int64(1), status.Requests)
}

func TestCallGlobalThrottle(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32

	client, clock := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("X-RateLimit-Global", "true")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"message":"You are being rate limited.","retry_after":2.0,"global":true}`))

			return
		}

		w.WriteHeader(http.StatusNoContent)
	})

	start := clock.Now()

	_, err := client.Call(t.Context(), http.MethodPut, "/guilds/1/members/2/roles/3", nil)
	require.NoError(t, err)

	assert.Equal(t, int32(2), hits.Load())
	assert.GreaterOrEqual(t, clock.Now().Sub(start), 2*time.Second)
	assert.Equal(t, []time.Duration{2500 * time.Millisecond, 150 * time.Millisecond}, clock.Sleeps())

	status := client.Status()
	assert.InDelta(t, 1.5, status.Multiplier, 0.0001)
	assert.Equal(t, start.Add(2*time.Second), status.GlobalUntil)
	assert.Equal(t, int64(1), status.Throttled)
}

func TestMultiplierDecay(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32

	client, clock := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"retry_after":0.5}`))

			return
		}

		w.WriteHeader(http.StatusNoContent)
	})

	_, err := client.Call(t.Context(), http.MethodGet, "/users/@me", nil)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, client.Status().Multiplier, 0.0001)

	clock.Advance(31 * time.Second)

	_, err = client.Call(t.Context(), http.MethodGet, "/users/@me", nil)
	require.NoError(t, err)
	assert.InDelta(t, 1.2, client.Status().Multiplier, 0.0001)

	for range 5 {
		_, err = client.Call(t.Context(), http.MethodGet, "/users/@me", nil)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, client.Status().Multiplier, 1.0)
	}

	assert.InDelta(t, 1.0, client.Status().Multiplier, 0.0001)
}

func TestCallRateLimitExhausted(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32

	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.Call(t.Context(), http.MethodGet, "/guilds/1/members", nil)
	require.ErrorIs(t, err, api.ErrRateLimitExceeded)
	assert.True(t, api.IsRetryable(err))
	assert.Equal(t, int32(6), hits.Load())
	assert.InDelta(t, 8.0, client.Status().Multiplier, 0.0001)
}

func TestCallTransientStatus(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32

	client, clock := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := client.Call(t.Context(), http.MethodGet, "/guilds/1", nil)
	require.ErrorIs(t, err, api.ErrTransport)
	assert.Equal(t, int32(5), hits.Load())
	assert.Equal(t, []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
	}, clock.Sleeps())
}

func TestCallTransientRecovers(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32

	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	})

	_, err := client.Call(t.Context(), http.MethodGet, "/guilds/1", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())
}

func TestCallAPIError(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":10007,"message":"Unknown Member"}`))
	})

	_, err := client.Call(t.Context(), http.MethodGet, "/guilds/1/members/123456789012345678", nil)
	require.Error(t, err)
	assert.True(t, api.IsNotFound(err))
	assert.False(t, api.IsRetryable(err))

	var apiErr *api.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 10007, apiErr.Code)
	assert.Equal(t, "Unknown Member", apiErr.Message)
}

func TestCallLowRemaining(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		remaining string
		want      []time.Duration
	}{
		{name: "plenty left", remaining: "10", want: nil},
		{name: "two left", remaining: "2", want: []time.Duration{100 * time.Millisecond}},
		{name: "one left waits for reset", remaining: "1", want: []time.Duration{2 * time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client, clock := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("X-RateLimit-Remaining", tt.remaining)
				w.Header().Set("X-RateLimit-Reset-After", "2")
				w.WriteHeader(http.StatusNoContent)
			})

			_, err := client.Call(t.Context(), http.MethodDelete, "/guilds/1/members/2/roles/3", nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, clock.Sleeps())
		})
	}
}

func TestCallSleepsUntilReset(t *testing.T) {
	t.Parallel()

	client, clock := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset-After", "3")
		w.WriteHeader(http.StatusNoContent)
	})

	_, err := client.Call(t.Context(), http.MethodGet, "/guilds/1/roles", nil)
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{3 * time.Second}, clock.Sleeps())

	client.Reset()
	assert.Empty(t, client.Status().Routes)
	assert.InDelta(t, 1.0, client.Status().Multiplier, 0.0001)
}

func TestCallContextCancelled(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := client.Call(ctx, http.MethodGet, "/guilds/1", nil)
	require.ErrorIs(t, err, context.Canceled)
}
