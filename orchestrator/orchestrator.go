// =============================================================================
// DataForge job orchestrator
// =============================================================================
// Owns the job lifecycle: validates submissions, fans generation units out
// under the shared rate limiter, retries transient provider failures with
// jittered backoff, and aggregates unit results into the job record.
//
// Cancellation is cooperative. A cancel request raises a per-job flag;
// units check it before every attempt and again before merging a result,
// so in-flight provider calls finish but their output is discarded.
// =============================================================================
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/dataforge/config"
	"github.com/BaSui01/dataforge/metrics"
	"github.com/BaSui01/dataforge/prompt"
	"github.com/BaSui01/dataforge/provider"
	"github.com/BaSui01/dataforge/ratelimit"
	"github.com/BaSui01/dataforge/store"
	"github.com/BaSui01/dataforge/tokenizer"
	"github.com/BaSui01/dataforge/types"
)

const tracerName = "dataforge/orchestrator"

// Orchestrator runs generation jobs end to end.
type Orchestrator struct {
	jobCfg   config.JobConfig
	retryCfg config.RetryConfig
	llmCfg   config.LLMConfig

	store     store.Store
	limiter   *ratelimit.Limiter
	providers *provider.Registry
	renderer  *prompt.Renderer
	estimator tokenizer.Estimator
	backoff   *ratelimit.Backoff
	collector *metrics.Collector
	logger    *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]*atomic.Bool
}

// New wires an orchestrator. collector may be nil when metrics are off.
func New(
	cfg *config.Config,
	jobStore store.Store,
	limiter *ratelimit.Limiter,
	providers *provider.Registry,
	renderer *prompt.Renderer,
	estimator tokenizer.Estimator,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseCtx, cancel := context.WithCancel(context.Background())

	return &Orchestrator{
		jobCfg:    cfg.Job,
		retryCfg:  cfg.Retry,
		llmCfg:    cfg.LLM,
		store:     jobStore,
		limiter:   limiter,
		providers: providers,
		renderer:  renderer,
		estimator: estimator,
		backoff: ratelimit.NewBackoff(ratelimit.BackoffPolicy{
			Base:       cfg.Retry.BackoffBase,
			Cap:        cfg.Retry.BackoffCap,
			Multiplier: 2.0,
		}),
		collector: collector,
		logger:    logger.With(zap.String("component", "orchestrator")),
		baseCtx:   baseCtx,
		cancel:    cancel,
		cancels:   make(map[string]*atomic.Bool),
	}
}

// validate normalizes and checks a submission.
func (o *Orchestrator) validate(req *types.GenerationRequest) error {
	req.Topic = strings.TrimSpace(req.Topic)
	if len(req.Topic) < 2 {
		return types.NewError(types.ErrValidation, "topic must be at least 2 characters")
	}
	if req.Count < 1 || req.Count > o.jobCfg.MaxSamplesPerRequest {
		return types.NewErrorf(types.ErrValidation,
			"count must be between 1 and %d", o.jobCfg.MaxSamplesPerRequest)
	}
	if req.Temperature < 0 || req.Temperature > 2 {
		return types.NewError(types.ErrValidation, "temperature must be between 0 and 2")
	}
	if !o.renderer.Has(req.TemplateVersion) {
		return types.NewErrorf(types.ErrValidation,
			"unknown template version %q", req.TemplateVersion)
	}
	if _, err := o.providers.Get(req.Provider); err != nil {
		return err
	}
	return nil
}

// Submit validates the request, persists a pending job, and starts the
// generation loop in the background. The returned record is the pending
// snapshot; callers poll Get for progress.
func (o *Orchestrator) Submit(ctx context.Context, req types.GenerationRequest) (*types.Job, error) {
	if err := o.validate(&req); err != nil {
		return nil, err
	}

	active, err := o.store.CountActive(ctx)
	if err != nil {
		return nil, err
	}
	if active >= o.jobCfg.MaxConcurrentJobs {
		return nil, types.NewErrorf(types.ErrThrottled,
			"active job limit reached (%d); retry once a job finishes", o.jobCfg.MaxConcurrentJobs).
			WithHTTPStatus(429)
	}

	job := types.NewJob(req, o.jobCfg.TTL)
	if err := o.store.Create(ctx, job); err != nil {
		return nil, err
	}

	flag := &atomic.Bool{}
	o.mu.Lock()
	o.cancels[job.ID] = flag
	o.mu.Unlock()

	if o.collector != nil {
		o.collector.JobsActive.Inc()
	}
	o.logger.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("topic", req.Topic),
		zap.Int("count", req.Count),
		zap.String("provider", req.Provider),
	)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(job.ID, req, flag)
	}()

	return job.Clone(), nil
}

// Get returns the current job record.
func (o *Orchestrator) Get(ctx context.Context, id string) (*types.Job, error) {
	return o.store.Get(ctx, id)
}

// Stats reports live job counts.
type Stats struct {
	ActiveJobs        int `json:"active_jobs"`
	MaxConcurrentJobs int `json:"max_concurrent_jobs"`
}

// JobStats returns the current job occupancy.
func (o *Orchestrator) JobStats(ctx context.Context) (Stats, error) {
	active, err := o.store.CountActive(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		ActiveJobs:        active,
		MaxConcurrentJobs: o.jobCfg.MaxConcurrentJobs,
	}, nil
}

// Cancel raises the job's cancel flag and, for jobs that have not reached
// a terminal state, marks the record cancelled. Cancelling a terminal job
// is a no-op that returns the current record.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*types.Job, error) {
	o.mu.Lock()
	if flag, ok := o.cancels[id]; ok {
		flag.Store(true)
	}
	o.mu.Unlock()

	transitioned := false
	job, err := o.store.Update(ctx, id, func(j *types.Job) error {
		if j.Status.IsTerminal() {
			return nil
		}
		j.Status = types.StatusCancelled
		transitioned = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if transitioned {
		o.finishMetrics(types.StatusCancelled)
		o.logger.Info("job cancelled", zap.String("job_id", id))
	}
	return job, nil
}

// Shutdown stops accepting work and waits for running jobs to wind down
// or ctx to expire, whichever comes first.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) finishMetrics(status types.JobStatus) {
	if o.collector == nil {
		return
	}
	o.collector.JobsTotal.WithLabelValues(string(status)).Inc()
	o.collector.JobsActive.Dec()
}

func (o *Orchestrator) dropFlag(id string) {
	o.mu.Lock()
	delete(o.cancels, id)
	o.mu.Unlock()
}

// run drives one job from pending to a terminal state.
func (o *Orchestrator) run(id string, req types.GenerationRequest, flag *atomic.Bool) {
	defer o.dropFlag(id)
	log := o.logger.With(zap.String("job_id", id))

	// Cancelled between submit and start: the record is already terminal.
	if flag.Load() {
		return
	}

	ctx, span := otel.Tracer(tracerName).Start(o.baseCtx, "job.run",
		trace.WithAttributes(
			attribute.String("job.id", id),
			attribute.Int("job.count", req.Count),
			attribute.String("job.provider", req.Provider),
		),
	)
	defer span.End()

	_, err := o.store.Update(ctx, id, func(j *types.Job) error {
		j.Status = types.StatusRunning
		return nil
	})
	if err != nil {
		if types.IsCode(err, types.ErrInvalidTransition) {
			return
		}
		log.Error("failed to mark job running", zap.Error(err))
		return
	}

	prov, err := o.providers.Get(req.Provider)
	if err != nil {
		o.finalize(ctx, id, req, flag, 0, log)
		return
	}

	var wg sync.WaitGroup
	var successes atomic.Int64
	for unit := 0; unit < req.Count; unit++ {
		wg.Add(1)
		go func(unit int) {
			defer wg.Done()
			if o.runUnit(ctx, id, req, prov, unit, flag, log) {
				successes.Add(1)
			}
		}(unit)
	}
	wg.Wait()

	o.finalize(ctx, id, req, flag, int(successes.Load()), log)
}

// runUnit generates one sample, absorbing transient failures up to the
// retry budget. Returns true when a sample was merged into the job.
func (o *Orchestrator) runUnit(
	ctx context.Context,
	id string,
	req types.GenerationRequest,
	prov provider.Provider,
	unit int,
	flag *atomic.Bool,
	log *zap.Logger,
) bool {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "generation.unit",
		trace.WithAttributes(attribute.Int("unit.index", unit)),
	)
	defer span.End()

	text, err := o.renderer.Render(req.TemplateVersion, prompt.Data{
		Topic: req.Topic,
		Index: unit + 1,
		Count: req.Count,
	})
	if err != nil {
		o.mergeUnitError(ctx, id, unit, err, 0)
		return false
	}

	// Cost covers the prompt plus the response ceiling, so admission
	// reflects the worst-case spend of the call.
	cost := float64(o.estimator.EstimateTokens(text) + o.llmCfg.MaxTokens)
	if cost < 1 {
		cost = 1
	}

	var lastErr error
	for attempt := 0; attempt < o.retryCfg.MaxAttempts; attempt++ {
		if flag.Load() || ctx.Err() != nil {
			o.countUnit(metrics.OutcomeDiscarded)
			return false
		}

		if attempt > 0 {
			o.countRetry()
			if !o.sleep(ctx, o.retryDelay(attempt-1, lastErr), flag) {
				o.countUnit(metrics.OutcomeDiscarded)
				return false
			}
		}

		result, err := o.attempt(ctx, prov, text, req, cost)
		if err == nil {
			if o.mergeSample(ctx, id, req, unit, result) {
				o.countUnit(metrics.OutcomeSuccess)
				return true
			}
			o.countUnit(metrics.OutcomeDiscarded)
			return false
		}

		lastErr = err
		if types.IsCode(err, types.ErrThrottled) {
			hint, _ := types.RetryAfterHint(err)
			o.limiter.ReportThrottled(hint)
			if o.collector != nil {
				o.collector.ThrottleEvents.WithLabelValues(prov.Name()).Inc()
			}
		}
		if !types.IsRetryable(err) {
			break
		}
	}

	log.Warn("generation unit failed",
		zap.Int("unit", unit),
		zap.String("code", string(types.GetErrorCode(lastErr))),
		zap.Error(lastErr),
	)
	o.mergeUnitError(ctx, id, unit, lastErr, o.retryCfg.MaxAttempts)
	o.countUnit(outcomeFor(lastErr))
	return false
}

// attempt performs one admission plus provider call.
func (o *Orchestrator) attempt(
	ctx context.Context,
	prov provider.Provider,
	promptText string,
	req types.GenerationRequest,
	cost float64,
) (*provider.GenerateResult, error) {
	permit, err := o.limiter.Acquire(ctx, cost)
	if err != nil {
		return nil, err
	}
	defer permit.Release()

	callCtx, cancel := context.WithTimeout(ctx, o.llmCfg.Timeout)
	defer cancel()

	start := time.Now()
	result, err := prov.Generate(callCtx, provider.GenerateRequest{
		Prompt:      promptText,
		Temperature: req.Temperature,
		MaxTokens:   o.llmCfg.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	o.limiter.Apply(result.Feedback)
	if o.collector != nil {
		o.collector.ObserveProviderCall(prov.Name(), time.Since(start),
			result.Usage.PromptTokens, result.Usage.CompletionTokens)
	}
	return result, nil
}

// retryDelay prefers the provider's explicit hint over computed backoff.
func (o *Orchestrator) retryDelay(attempt int, lastErr error) time.Duration {
	if hint, ok := types.RetryAfterHint(lastErr); ok {
		return hint
	}
	return o.backoff.Delay(attempt)
}

// sleep waits for d, returning false if the job was cancelled or the
// orchestrator shut down in the meantime.
func (o *Orchestrator) sleep(ctx context.Context, d time.Duration, flag *atomic.Bool) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return !flag.Load()
		case <-ticker.C:
			if flag.Load() {
				return false
			}
		}
	}
}

// mergeSample appends a finished sample unless the job went terminal in
// the meantime; results arriving after cancellation are discarded.
func (o *Orchestrator) mergeSample(ctx context.Context, id string, req types.GenerationRequest, unit int, result *provider.GenerateResult) bool {
	merged := false
	_, err := o.store.Update(ctx, id, func(j *types.Job) error {
		if j.Status != types.StatusRunning {
			return errDiscard
		}
		tokens := result.Usage.CompletionTokens
		if tokens == 0 {
			tokens = o.estimator.EstimateTokens(result.Text)
		}
		j.Samples = append(j.Samples, types.Sample{
			ID:              types.NewSampleID(),
			Text:            result.Text,
			TokensEstimated: tokens,
			GeneratedAt:     time.Now().UTC(),
			UnitIndex:       unit,
		})
		j.Progress = progressOf(len(j.Samples)+len(j.UnitErrors), req.Count)
		merged = true
		return nil
	})
	return err == nil && merged
}

// mergeUnitError records a unit that exhausted its retries.
func (o *Orchestrator) mergeUnitError(ctx context.Context, id string, unit int, unitErr error, attempts int) {
	code := types.GetErrorCode(unitErr)
	if code == "" {
		code = types.ErrInternal
	}
	msg := "generation failed"
	if unitErr != nil {
		msg = unitErr.Error()
	}

	_, err := o.store.Update(ctx, id, func(j *types.Job) error {
		if j.Status != types.StatusRunning {
			return errDiscard
		}
		j.UnitErrors = append(j.UnitErrors, types.UnitError{
			UnitIndex: unit,
			Code:      code,
			Message:   msg,
			Attempts:  attempts,
		})
		j.Progress = progressOf(len(j.Samples)+len(j.UnitErrors), j.Request.Count)
		return nil
	})
	if err != nil && !types.IsCode(err, types.ErrValidation) {
		o.logger.Debug("unit error not recorded", zap.String("job_id", id), zap.Error(err))
	}
}

// finalize moves the job to its terminal state once every unit is done.
func (o *Orchestrator) finalize(ctx context.Context, id string, req types.GenerationRequest, flag *atomic.Bool, successes int, log *zap.Logger) {
	if flag.Load() {
		// Cancel already moved the record; nothing to aggregate.
		return
	}

	var final types.JobStatus
	_, err := o.store.Update(ctx, id, func(j *types.Job) error {
		if j.Status != types.StatusRunning {
			return errDiscard
		}
		if successes >= o.jobCfg.MinSuccessThreshold {
			j.Status = types.StatusCompleted
			j.Progress = 100
		} else {
			j.Status = types.StatusError
			j.ErrorMessage = summarize(j.UnitErrors, successes, req.Count, o.jobCfg.MinSuccessThreshold)
		}
		final = j.Status
		return nil
	})
	if err != nil {
		if !types.IsCode(err, types.ErrInvalidTransition) {
			log.Error("failed to finalize job", zap.Error(err))
		}
		return
	}

	o.finishMetrics(final)
	log.Info("job finished",
		zap.String("status", string(final)),
		zap.Int("successes", successes),
		zap.Int("requested", req.Count),
	)
}

// errDiscard aborts a merge against a job that left the running state.
var errDiscard = types.NewError(types.ErrValidation, "job is no longer running").WithRetryable(false)

func progressOf(done, total int) int {
	if total <= 0 {
		return 100
	}
	p := done * 100 / total
	if p > 100 {
		p = 100
	}
	return p
}

// summarize builds the job-level error message from unit failures.
func summarize(unitErrors []types.UnitError, successes, requested, threshold int) string {
	counts := map[types.ErrorCode]int{}
	for _, ue := range unitErrors {
		counts[ue.Code]++
	}
	var parts []string
	for code, n := range counts {
		parts = append(parts, fmt.Sprintf("%d %s", n, strings.ToLower(string(code))))
	}
	sort.Strings(parts)
	detail := strings.Join(parts, ", ")
	if detail != "" {
		detail = " (" + detail + ")"
	}
	return fmt.Sprintf("%d of %d samples succeeded, below threshold %d%s",
		successes, requested, threshold, detail)
}

// outcomeFor maps a final unit error to its metrics label.
func outcomeFor(err error) string {
	switch types.GetErrorCode(err) {
	case types.ErrThrottled:
		return metrics.OutcomeThrottled
	case types.ErrTimeout:
		return metrics.OutcomeTimeout
	default:
		return metrics.OutcomeProvider
	}
}

func (o *Orchestrator) countUnit(outcome string) {
	if o.collector != nil {
		o.collector.UnitsTotal.WithLabelValues(outcome).Inc()
	}
}

func (o *Orchestrator) countRetry() {
	if o.collector != nil {
		o.collector.UnitRetries.Inc()
	}
}
