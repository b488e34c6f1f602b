package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/dataforge/config"
	"github.com/BaSui01/dataforge/orchestrator"
	"github.com/BaSui01/dataforge/prompt"
	"github.com/BaSui01/dataforge/provider"
	"github.com/BaSui01/dataforge/ratelimit"
	"github.com/BaSui01/dataforge/store"
	"github.com/BaSui01/dataforge/tokenizer"
	"github.com/BaSui01/dataforge/types"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.LLM.DefaultProvider = provider.NameMock
	cfg.LLM.Mock.Delay = 0
	cfg.Retry = config.RetryConfig{MaxAttempts: 2, BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond}

	jobStore := store.NewMemory(nil)
	t.Cleanup(func() { jobStore.Close() })

	limiter := ratelimit.NewLimiter(cfg.RateLimit, zap.NewNop())
	registry, err := provider.NewRegistry(cfg.LLM, nil)
	require.NoError(t, err)
	renderer, err := prompt.NewRenderer(cfg.Prompt, nil)
	require.NoError(t, err)

	orch := orchestrator.New(cfg, jobStore, limiter, registry, renderer,
		tokenizer.HeuristicEstimator{}, nil, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})

	h := NewJobs(orch, limiter.Stats, registry.Names(), "test", zap.NewNop())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, Response) {
	t.Helper()

	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var envelope Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return resp, envelope
}

func decodeJob(t *testing.T, envelope Response) types.Job {
	t.Helper()
	data, err := json.Marshal(envelope.Data)
	require.NoError(t, err)
	var job types.Job
	require.NoError(t, json.Unmarshal(data, &job))
	return job
}

func TestSubmitAndPollJob(t *testing.T) {
	srv := newTestServer(t)

	resp, envelope := doJSON(t, http.MethodPost, srv.URL+"/api/v1/jobs", map[string]any{
		"topic":       "urban beekeeping",
		"count":       2,
		"temperature": 0.8,
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.True(t, envelope.Success)

	job := decodeJob(t, envelope)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, types.StatusPending, job.Status)

	deadline := time.After(5 * time.Second)
	for {
		resp, envelope = doJSON(t, http.MethodGet, srv.URL+"/api/v1/jobs/"+job.ID, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		got := decodeJob(t, envelope)
		if got.Status.IsTerminal() {
			assert.Equal(t, types.StatusCompleted, got.Status)
			assert.Len(t, got.Samples, 2)
			assert.Equal(t, 100, got.Progress)
			return
		}
		select {
		case <-deadline:
			t.Fatal("job never finished")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSubmitValidationError(t *testing.T) {
	srv := newTestServer(t)

	resp, envelope := doJSON(t, http.MethodPost, srv.URL+"/api/v1/jobs", map[string]any{
		"topic": "x",
		"count": 1,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, envelope.Success)
	require.NotNil(t, envelope.Error)
	assert.Equal(t, string(types.ErrValidation), envelope.Error.Code)
}

func TestSubmitRejectsUnknownFields(t *testing.T) {
	srv := newTestServer(t)

	resp, envelope := doJSON(t, http.MethodPost, srv.URL+"/api/v1/jobs", map[string]any{
		"topic":   "bees",
		"count":   1,
		"verbose": true,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(types.ErrValidation), envelope.Error.Code)
}

func TestSubmitMalformedBody(t *testing.T) {
	srv := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/jobs",
		bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetMissingJob(t *testing.T) {
	srv := newTestServer(t)

	resp, envelope := doJSON(t, http.MethodGet, srv.URL+"/api/v1/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, string(types.ErrJobNotFound), envelope.Error.Code)
}

func TestCancelJob(t *testing.T) {
	srv := newTestServer(t)

	_, envelope := doJSON(t, http.MethodPost, srv.URL+"/api/v1/jobs", map[string]any{
		"topic": "urban beekeeping",
		"count": 1,
	})
	job := decodeJob(t, envelope)

	resp, envelope := doJSON(t, http.MethodDelete, srv.URL+"/api/v1/jobs/"+job.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeJob(t, envelope)
	assert.True(t, got.Status.IsTerminal())
}

func TestCancelMissingJob(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := doJSON(t, http.MethodDelete, srv.URL+"/api/v1/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp, envelope := doJSON(t, http.MethodGet, srv.URL+"/api/v1/stats", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, envelope.Success)

	data, err := json.Marshal(envelope.Data)
	require.NoError(t, err)
	var stats StatsResponse
	require.NoError(t, json.Unmarshal(data, &stats))

	assert.Positive(t, stats.RateLimit.Capacity)
	assert.Contains(t, stats.Providers, provider.NameMock)
	assert.Positive(t, stats.Jobs.MaxConcurrentJobs)
	assert.GreaterOrEqual(t, stats.Jobs.ActiveJobs, 0)
}

func TestVersionEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp, envelope := doJSON(t, http.MethodGet, srv.URL+"/version", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, envelope.Success)

	data, err := json.Marshal(envelope.Data)
	require.NoError(t, err)
	var v VersionResponse
	require.NoError(t, json.Unmarshal(data, &v))
	assert.Equal(t, "test", v.Version)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp, envelope := doJSON(t, http.MethodGet, srv.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, envelope.Success)

	data, err := json.Marshal(envelope.Data)
	require.NoError(t, err)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(data, &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "test", health.Version)
}
