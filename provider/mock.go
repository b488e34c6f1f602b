package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/dataforge/config"
	"github.com/BaSui01/dataforge/tokenizer"
	"github.com/BaSui01/dataforge/types"
)

// Mock generates deterministic text without network access. It serves
// development, load testing, and every test that needs a provider.
type Mock struct {
	delay     time.Duration
	estimator tokenizer.Estimator

	mu    sync.Mutex
	calls int
	// script, when non-empty, supplies the error (or nil for success)
	// for each call in order. Calls beyond the script succeed.
	script []error
}

// NewMock creates the mock provider.
func NewMock(cfg config.MockConfig) *Mock {
	return &Mock{
		delay:     cfg.Delay,
		estimator: tokenizer.HeuristicEstimator{},
	}
}

// Name implements Provider.
func (m *Mock) Name() string { return NameMock }

// Script sets the outcome sequence for upcoming calls. A nil entry means
// success. Intended for tests.
func (m *Mock) Script(outcomes ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = outcomes
	m.calls = 0
}

// Calls reports how many times Generate ran.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Generate implements Provider. Output is a deterministic function of the
// prompt, so repeated runs produce identical samples.
func (m *Mock) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	m.mu.Lock()
	call := m.calls
	m.calls++
	var scripted error
	if call < len(m.script) {
		scripted = m.script[call]
	}
	m.mu.Unlock()

	if m.delay > 0 {
		timer := time.NewTimer(m.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	if scripted != nil {
		return nil, scripted
	}

	if req.Prompt == "" {
		return nil, types.NewError(types.ErrValidation, "empty prompt").WithRetryable(false)
	}

	text := fmt.Sprintf(
		"Synthetic sample (temperature %.2f): a concise passage responding to the request. %s",
		req.Temperature, snippet(req.Prompt, 120),
	)

	promptTokens := m.estimator.EstimateTokens(req.Prompt)
	completionTokens := m.estimator.EstimateTokens(text)
	if req.MaxTokens > 0 && completionTokens > req.MaxTokens {
		completionTokens = req.MaxTokens
	}

	return &GenerateResult{
		Text: text,
		Usage: Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}, nil
}

func snippet(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
