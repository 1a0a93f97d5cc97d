package rest_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/disgoorg/snowflake/v2"
	"github.com/ethoslink/rolesync/internal/discord/api"
	"github.com/ethoslink/rolesync/internal/ethos"
	"github.com/ethoslink/rolesync/internal/jobs"
	"github.com/ethoslink/rolesync/internal/reconcile"
	"github.com/ethoslink/rolesync/internal/rest"
	"github.com/ethoslink/rolesync/internal/setup/config"
	"github.com/ethoslink/rolesync/internal/synccache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const defaultGuild = snowflake.ID(777)

type fakeJobs struct {
	mu        sync.Mutex
	running   map[jobs.Kind]bool
	syncs     []jobs.SyncRequest
	batches   []snowflake.ID
	validator []snowflake.ID
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{running: make(map[jobs.Kind]bool)}
}

func (f *fakeJobs) start(kind jobs.Kind) jobs.StartResult {
	if f.running[kind] {
		return jobs.AlreadyRunning
	}

	f.running[kind] = true

	return jobs.Accepted
}

func (f *fakeJobs) StartSync(req jobs.SyncRequest) jobs.StartResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.syncs = append(f.syncs, req)

	return f.start(jobs.KindSync)
}

func (f *fakeJobs) StartBatchSync(guildID snowflake.ID, _ bool) jobs.StartResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.batches = append(f.batches, guildID)

	return f.start(jobs.KindSync)
}

func (f *fakeJobs) StopSync() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	was := f.running[jobs.KindSync]
	f.running[jobs.KindSync] = false

	return was
}

func (f *fakeJobs) StartValidatorCheck(guildID snowflake.ID) jobs.StartResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.validator = append(f.validator, guildID)

	return f.start(jobs.KindValidatorCheck)
}

func (f *fakeJobs) StopValidatorCheck() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	was := f.running[jobs.KindValidatorCheck]
	f.running[jobs.KindValidatorCheck] = false

	return was
}

func (f *fakeJobs) Status(kind jobs.Kind) jobs.Status {
	f.mu.Lock()
	defer f.mu.Unlock()

	return jobs.Status{Kind: kind, IsRunning: f.running[kind], LastIndex: 25, TotalCount: 100}
}

func (f *fakeJobs) Plan() jobs.ChunkPlan {
	return jobs.ChunkPlan{ChunkSize: 50}
}

type fakeSyncer struct{}

func (fakeSyncer) SyncUser(
	_ context.Context, _, userID snowflake.ID, opts reconcile.Options,
) (*reconcile.Result, error) {
	switch userID {
	case 404:
		return nil, reconcile.ErrMemberNotFound
	case 503:
		return nil, fmt.Errorf("failed to fetch member %s: %w", userID, api.ErrRateLimitExceeded)
	case 502:
		return nil, errors.New("unexpected response")
	}

	score := 1700

	return &reconcile.Result{
		UserID:         userID,
		Changes:        []string{"+Reputable"},
		Profile:        &ethos.Profile{Score: &score},
		Classification: ethos.ClassValid,
		Validator:      opts.Force,
	}, nil
}

type fakeCache struct{}

func (fakeCache) Stats(context.Context) (*synccache.Stats, error) {
	return &synccache.Stats{Backend: "memory", Total: 3, Fresh: 2, Stale: 1, WindowHours: 72}, nil
}

type fakeRateLimits struct {
	mu     sync.Mutex
	resets int
}

func (f *fakeRateLimits) Status() api.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	return api.Snapshot{Multiplier: 1.5, Throttled: int64(f.resets)}
}

func (f *fakeRateLimits) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.resets++
}

type testServer struct {
	handler    http.Handler
	jobs       *fakeJobs
	rateLimits *fakeRateLimits
}

func newTestServer(t *testing.T, mutate func(cfg *config.API)) *testServer {
	t.Helper()

	cfg := config.Default().API
	cfg.RequestsPerSecond = 0
	if mutate != nil {
		mutate(&cfg)
	}

	ts := &testServer{jobs: newFakeJobs(), rateLimits: &fakeRateLimits{}}

	server := rest.NewServer(rest.Dependencies{
		Jobs:       ts.jobs,
		Syncer:     fakeSyncer{},
		Cache:      fakeCache{},
		RateLimits: ts.rateLimits,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics"))
		}),
		Now: func() time.Time { return time.Unix(1_700_000_000, 0) },
	}, &cfg, defaultGuild, zaptest.NewLogger(t))
	t.Cleanup(server.Close)

	ts.handler = server.Handler()

	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequestWithContext(t.Context(), method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &v))

	return v
}

func TestHealth(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, func(cfg *config.API) { cfg.AuthToken = "secret" })

	rec := ts.do(t, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[map[string]any](t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "2023-11-14T22:13:20Z", body["timestamp"])
}

func TestAuth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		configured string
		sent       string
		wantStatus int
	}{
		{name: "missing token", configured: "secret", sent: "", wantStatus: http.StatusUnauthorized},
		{name: "wrong token", configured: "secret", sent: "guess", wantStatus: http.StatusUnauthorized},
		{name: "valid token", configured: "secret", sent: "secret", wantStatus: http.StatusOK},
		{name: "open access", configured: "", sent: "", wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ts := newTestServer(t, func(cfg *config.API) { cfg.AuthToken = tt.configured })

			rec := ts.do(t, http.MethodGet, "/sync-status", "", tt.sent)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestTriggerSync(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/trigger-sync", "", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	body := decode[map[string]any](t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "777", body["guildId"])
	assert.InDelta(t, 0, body["startIndex"], 0)
	assert.InDelta(t, 50, body["chunkSize"], 0)

	// Running jobs reject new starts
	rec = ts.do(t, http.MethodPost, "/trigger-sync", `{"guildId":"123","startIndex":100,"chunkSize":20}`, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.Len(t, ts.jobs.syncs, 2)
	assert.Equal(t, jobs.SyncRequest{GuildID: snowflake.ID(123), StartIndex: 100, ChunkSize: 20}, ts.jobs.syncs[1])

	rec = ts.do(t, http.MethodPost, "/stop-sync", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode[map[string]any](t, rec)["wasRunning"])

	rec = ts.do(t, http.MethodPost, "/trigger-batch-sync", `{"guildId":456}`, "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []snowflake.ID{456}, ts.jobs.batches)
}

func TestTriggerSyncRejectsBadInput(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)

	for _, body := range []string{`{"guildId":"abc"}`, `{"startIndex":-1}`, `not json`} {
		rec := ts.do(t, http.MethodPost, "/trigger-sync", body, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	assert.Empty(t, ts.jobs.syncs)
}

func TestValidatorCheckEndpoints(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/trigger-validator-check", "", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []snowflake.ID{defaultGuild}, ts.jobs.validator)

	rec = ts.do(t, http.MethodGet, "/validator-check-status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	status := decode[map[string]any](t, rec)
	assert.Equal(t, true, status["isRunning"])
	assert.InDelta(t, 25, status["percent"], 0.001)

	rec = ts.do(t, http.MethodPost, "/stop-validator-check", "", "")
	assert.Equal(t, true, decode[map[string]any](t, rec)["wasRunning"])

	rec = ts.do(t, http.MethodPost, "/stop-validator-check", "", "")
	assert.Equal(t, false, decode[map[string]any](t, rec)["wasRunning"])
}

func TestForceSync(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/force-sync", `{"userId":"55"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[map[string]any](t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "55", body["userId"])
	assert.Equal(t, []any{"+Reputable"}, body["changes"])
	assert.Equal(t, "valid", body["classification"])
	assert.InDelta(t, 1700, body["score"], 0)

	rec = ts.do(t, http.MethodPost, "/force-sync", `{"userId":404}`, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/force-sync", `{"userId":503}`, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, decode[map[string]any](t, rec)["error"], "rate limit")

	rec = ts.do(t, http.MethodPost, "/force-sync", `{"userId":502}`, "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = ts.do(t, http.MethodPost, "/force-sync", `{}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSystemEndpoints(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/cache-stats", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[map[string]any](t, rec)["stats"].(map[string]any)
	assert.InDelta(t, 2, stats["fresh"], 0)

	rec = ts.do(t, http.MethodPost, "/reset-rate-limits", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, ts.rateLimits.resets)

	rec = ts.do(t, http.MethodGet, "/rate-limit-status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	state := decode[map[string]any](t, rec)["state"].(map[string]any)
	assert.InDelta(t, 1.5, state["multiplier"], 0)

	rec = ts.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "# metrics", rec.Body.String())
}

func TestRequestRateLimit(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, func(cfg *config.API) {
		cfg.RequestsPerSecond = 0.1
		cfg.BurstSize = 2
	})

	for range 2 {
		rec := ts.do(t, http.MethodGet, "/sync-status", "", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := ts.do(t, http.MethodGet, "/sync-status", "", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "10", rec.Header().Get("Retry-After"))

	// Health is outside the limited group
	rec = ts.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
