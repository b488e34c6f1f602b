package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/dataforge/config"
	"github.com/BaSui01/dataforge/ratelimit"
	"github.com/BaSui01/dataforge/types"
)

// OpenAI calls the chat completions API.
type OpenAI struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
	logger  *zap.Logger
}

// NewOpenAI creates the OpenAI provider. The http.Client timeout is the
// per-call ceiling; callers still pass a context for earlier cancellation.
func NewOpenAI(cfg config.OpenAIConfig, timeout time.Duration, logger *zap.Logger) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, types.NewError(types.ErrConfiguration, "openai api_key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAI{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With(zap.String("component", "provider"), zap.String("provider", NameOpenAI)),
	}, nil
}

// Name implements Provider.
func (o *OpenAI) Name() string { return NameOpenAI }

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Generate implements Provider.
func (o *OpenAI) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	body, err := json.Marshal(openAIRequest{
		Model:       o.model,
		Messages:    []openAIMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "marshal openai request").WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "build openai request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(NameOpenAI, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, types.NewError(types.ErrProviderError, "read openai response").
			WithProvider(NameOpenAI).WithCause(err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(NameOpenAI, resp, respBody)
	}

	var parsed openAIResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, types.NewError(types.ErrProviderError, "decode openai response").
			WithProvider(NameOpenAI).WithCause(err)
	}
	if len(parsed.Choices) == 0 {
		return nil, types.NewError(types.ErrProviderError, "openai response has no choices").
			WithProvider(NameOpenAI)
	}

	return &GenerateResult{
		Text: parsed.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
		Feedback: ratelimit.ParseHeaders(resp.Header),
	}, nil
}

// classifyTransportError maps client-side failures. Deadline expiry is a
// retryable timeout; explicit cancellation passes through so callers can
// distinguish it from provider trouble.
func classifyTransportError(provider string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewError(types.ErrTimeout, "provider call timed out").
			WithProvider(provider).WithCause(err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.NewError(types.ErrTimeout, "provider call timed out").
			WithProvider(provider).WithCause(err)
	}
	return types.NewError(types.ErrProviderError, "provider call failed").
		WithProvider(provider).WithCause(err)
}

// classifyStatus maps non-200 responses onto error codes. 429 carries the
// Retry-After hint when present; other 4xx are the caller's fault and not
// retryable; 5xx are retryable provider errors.
func classifyStatus(provider string, resp *http.Response, body []byte) error {
	msg := fmt.Sprintf("provider returned status %d", resp.StatusCode)
	if len(body) > 0 && len(body) <= 512 {
		msg = fmt.Sprintf("%s: %s", msg, string(body))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e := types.NewError(types.ErrThrottled, msg).
			WithProvider(provider).WithHTTPStatus(resp.StatusCode)
		if d, ok := parseRetryAfter(resp.Header); ok {
			e = e.WithRetryAfter(d)
		}
		return e
	case resp.StatusCode == http.StatusRequestTimeout:
		return types.NewError(types.ErrTimeout, msg).
			WithProvider(provider).WithHTTPStatus(resp.StatusCode)
	case resp.StatusCode >= 500:
		return types.NewError(types.ErrProviderError, msg).
			WithProvider(provider).WithHTTPStatus(resp.StatusCode)
	default:
		return types.NewError(types.ErrProviderError, msg).
			WithProvider(provider).WithHTTPStatus(resp.StatusCode).
			WithRetryable(false)
	}
}

// parseRetryAfter reads the Retry-After header, accepting both delta
// seconds and HTTP dates.
func parseRetryAfter(h http.Header) (time.Duration, bool) {
	v := h.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
		return time.Duration(secs * float64(time.Second)), true
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d, true
		}
	}
	return 0, false
}
