package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/dataforge/config"
	"github.com/BaSui01/dataforge/prompt"
	"github.com/BaSui01/dataforge/provider"
	"github.com/BaSui01/dataforge/ratelimit"
	"github.com/BaSui01/dataforge/store"
	"github.com/BaSui01/dataforge/tokenizer"
	"github.com/BaSui01/dataforge/types"
)

// fastConfig returns a config tuned so tests finish in milliseconds.
func fastConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.RateLimit = config.RateLimitConfig{Capacity: 1e6, RefillRate: 1e6, ConcurrencyLimit: 10}
	cfg.Retry = config.RetryConfig{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond}
	cfg.Job = config.JobConfig{MaxSamplesPerRequest: 50, MaxConcurrentJobs: 10, TTL: time.Hour, MinSuccessThreshold: 1}
	cfg.LLM.DefaultProvider = provider.NameMock
	cfg.LLM.MaxTokens = 100
	cfg.LLM.Timeout = time.Second
	cfg.LLM.Mock.Delay = 0
	return cfg
}

type testEnv struct {
	orch  *Orchestrator
	mock  *provider.Mock
	store store.Store
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := fastConfig()
	if mutate != nil {
		mutate(cfg)
	}

	jobStore := store.NewMemory(nil)
	t.Cleanup(func() { jobStore.Close() })

	limiter := ratelimit.NewLimiter(cfg.RateLimit, zap.NewNop())
	registry, err := provider.NewRegistry(cfg.LLM, nil)
	require.NoError(t, err)
	renderer, err := prompt.NewRenderer(cfg.Prompt, nil)
	require.NoError(t, err)

	mockProv, err := registry.Get(provider.NameMock)
	require.NoError(t, err)

	orch := New(cfg, jobStore, limiter, registry, renderer, tokenizer.HeuristicEstimator{}, nil, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})

	return &testEnv{orch: orch, mock: mockProv.(*provider.Mock), store: jobStore}
}

func waitForTerminal(t *testing.T, orch *Orchestrator, id string) *types.Job {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("job %s never reached a terminal state", id)
		case <-time.After(2 * time.Millisecond):
		}
		job, err := orch.Get(context.Background(), id)
		require.NoError(t, err)
		if job.Status.IsTerminal() {
			return job
		}
	}
}

func submitReq(count int) types.GenerationRequest {
	return types.GenerationRequest{Topic: "urban beekeeping", Count: count, Temperature: 0.8}
}

func TestSubmitAllUnitsSucceed(t *testing.T) {
	env := newTestEnv(t, nil)

	job, err := env.orch.Submit(context.Background(), submitReq(5))
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, job.Status)
	assert.Equal(t, 0, job.Progress)

	final := waitForTerminal(t, env.orch, job.ID)
	assert.Equal(t, types.StatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
	assert.Len(t, final.Samples, 5)
	assert.Empty(t, final.UnitErrors)

	seen := map[string]bool{}
	for _, s := range final.Samples {
		assert.NotEmpty(t, s.Text)
		assert.Positive(t, s.TokensEstimated)
		assert.False(t, seen[s.ID], "duplicate sample id")
		seen[s.ID] = true
	}
}

func TestPartialFailureStillCompletes(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Retry.MaxAttempts = 1
	})
	env.mock.Script(
		types.NewError(types.ErrProviderError, "boom"),
		types.NewError(types.ErrProviderError, "boom"),
		nil, nil, nil,
	)

	job, err := env.orch.Submit(context.Background(), submitReq(5))
	require.NoError(t, err)

	final := waitForTerminal(t, env.orch, job.ID)
	assert.Equal(t, types.StatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
	assert.Len(t, final.Samples, 3)
	assert.Len(t, final.UnitErrors, 2)
	for _, ue := range final.UnitErrors {
		assert.Equal(t, types.ErrProviderError, ue.Code)
	}
}

func TestAllUnitsFail(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Retry.MaxAttempts = 1
	})
	env.mock.Script(
		types.NewError(types.ErrProviderError, "boom"),
		types.NewError(types.ErrTimeout, "slow"),
		types.NewError(types.ErrProviderError, "boom"),
	)

	job, err := env.orch.Submit(context.Background(), submitReq(3))
	require.NoError(t, err)

	final := waitForTerminal(t, env.orch, job.ID)
	assert.Equal(t, types.StatusError, final.Status)
	assert.Len(t, final.UnitErrors, 3)
	assert.Contains(t, final.ErrorMessage, "0 of 3 samples succeeded")
	assert.Contains(t, final.ErrorMessage, "provider_error")
	assert.Contains(t, final.ErrorMessage, "timeout")
}

func TestMinSuccessThreshold(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Retry.MaxAttempts = 1
		cfg.Job.MinSuccessThreshold = 3
	})
	env.mock.Script(types.NewError(types.ErrProviderError, "boom"))

	job, err := env.orch.Submit(context.Background(), submitReq(3))
	require.NoError(t, err)

	final := waitForTerminal(t, env.orch, job.ID)
	assert.Equal(t, types.StatusError, final.Status)
	assert.Len(t, final.Samples, 2)
	assert.Contains(t, final.ErrorMessage, "below threshold 3")
}

func TestThrottleThenSucceed(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mock.Script(
		types.NewError(types.ErrThrottled, "rate limited").WithRetryAfter(50 * time.Millisecond),
	)

	start := time.Now()
	job, err := env.orch.Submit(context.Background(), submitReq(1))
	require.NoError(t, err)

	final := waitForTerminal(t, env.orch, job.ID)
	assert.Equal(t, types.StatusCompleted, final.Status)
	assert.Len(t, final.Samples, 1)
	assert.Equal(t, 2, env.mock.Calls())
	// The retry honored the provider's 50ms hint.
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestRetriesAbsorbTransientFailures(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mock.Script(
		types.NewError(types.ErrTimeout, "slow"),
		types.NewError(types.ErrProviderError, "boom"),
		nil,
	)

	job, err := env.orch.Submit(context.Background(), submitReq(1))
	require.NoError(t, err)

	final := waitForTerminal(t, env.orch, job.ID)
	assert.Equal(t, types.StatusCompleted, final.Status)
	assert.Equal(t, 3, env.mock.Calls())
}

func TestNonRetryableErrorFailsFast(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mock.Script(
		types.NewError(types.ErrProviderError, "bad request").WithRetryable(false),
	)

	job, err := env.orch.Submit(context.Background(), submitReq(1))
	require.NoError(t, err)

	final := waitForTerminal(t, env.orch, job.ID)
	assert.Equal(t, types.StatusError, final.Status)
	assert.Equal(t, 1, env.mock.Calls())
}

func TestCancelDiscardsInFlightResults(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.LLM.Mock.Delay = 150 * time.Millisecond
	})

	job, err := env.orch.Submit(context.Background(), submitReq(3))
	require.NoError(t, err)

	// Let the units start their provider calls, then cancel.
	time.Sleep(20 * time.Millisecond)
	cancelled, err := env.orch.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, cancelled.Status)

	// In-flight calls finish but their results never land.
	time.Sleep(300 * time.Millisecond)
	final, err := env.orch.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, final.Status)
	assert.Empty(t, final.Samples)
}

func TestCancelTerminalJobIsNoOp(t *testing.T) {
	env := newTestEnv(t, nil)

	job, err := env.orch.Submit(context.Background(), submitReq(1))
	require.NoError(t, err)
	waitForTerminal(t, env.orch, job.ID)

	got, err := env.orch.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)
	assert.Len(t, got.Samples, 1)
}

func TestCancelUnknownJob(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.orch.Cancel(context.Background(), "no-such-job")
	assert.True(t, types.IsCode(err, types.ErrJobNotFound))
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		req  types.GenerationRequest
	}{
		{"short topic", types.GenerationRequest{Topic: "x", Count: 1}},
		{"whitespace topic", types.GenerationRequest{Topic: "   a   ", Count: 1}},
		{"zero count", types.GenerationRequest{Topic: "bees", Count: 0}},
		{"count over cap", types.GenerationRequest{Topic: "bees", Count: 51}},
		{"temperature too high", types.GenerationRequest{Topic: "bees", Count: 1, Temperature: 2.5}},
		{"negative temperature", types.GenerationRequest{Topic: "bees", Count: 1, Temperature: -0.1}},
		{"unknown template", types.GenerationRequest{Topic: "bees", Count: 1, TemplateVersion: "v99"}},
		{"unknown provider", types.GenerationRequest{Topic: "bees", Count: 1, Provider: "palm"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.orch.Submit(context.Background(), tt.req)
			assert.True(t, types.IsCode(err, types.ErrValidation), "got %v", err)
		})
	}
}

func TestActiveJobCap(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Job.MaxConcurrentJobs = 1
		cfg.LLM.Mock.Delay = 200 * time.Millisecond
	})

	first, err := env.orch.Submit(context.Background(), submitReq(1))
	require.NoError(t, err)

	_, err = env.orch.Submit(context.Background(), submitReq(1))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrThrottled))

	// Capacity frees once the first job finishes.
	waitForTerminal(t, env.orch, first.ID)
	_, err = env.orch.Submit(context.Background(), submitReq(1))
	require.NoError(t, err)
}

func TestFinishedJobExpires(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Job.TTL = 50 * time.Millisecond
	})

	job, err := env.orch.Submit(context.Background(), submitReq(1))
	require.NoError(t, err)
	waitForTerminal(t, env.orch, job.ID)

	time.Sleep(100 * time.Millisecond)
	_, err = env.orch.Get(context.Background(), job.ID)
	assert.True(t, types.IsCode(err, types.ErrJobNotFound))
}

func TestProgressNeverDecreases(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.LLM.Mock.Delay = 10 * time.Millisecond
	})

	job, err := env.orch.Submit(context.Background(), submitReq(8))
	require.NoError(t, err)

	last := -1
	for {
		got, err := env.orch.Get(context.Background(), job.ID)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, got.Progress, last)
		last = got.Progress
		if got.Status.IsTerminal() {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	assert.Equal(t, 100, last)
}

func TestShutdownStopsRunningJobs(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.LLM.Mock.Delay = 5 * time.Second
	})

	_, err := env.orch.Submit(context.Background(), submitReq(2))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	require.NoError(t, env.orch.Shutdown(ctx))
	assert.Less(t, time.Since(start), time.Second)
}
