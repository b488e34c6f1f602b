// Package provider implements the LLM backends that generate sample text.
// Every backend maps its transport failures onto the shared error codes so
// the retry loop treats providers uniformly.
package provider

import (
	"context"

	"github.com/BaSui01/dataforge/ratelimit"
)

// Provider names form a closed set; requests naming anything else are
// rejected at validation.
const (
	NameOpenAI    = "openai"
	NameAnthropic = "anthropic"
	NameMock      = "mock"
)

// GenerateRequest is one text-generation call.
type GenerateRequest struct {
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GenerateResult is a successful generation plus the rate-limit feedback
// carried on the provider's response headers.
type GenerateResult struct {
	Text     string
	Usage    Usage
	Feedback ratelimit.HeaderFeedback
}

// Provider generates text. Implementations return *types.Error values:
// THROTTLED for rate limiting (with a RetryAfter hint when the provider
// gave one), TIMEOUT for deadline expiry, PROVIDER_ERROR for everything
// else that failed on the provider side.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
}
