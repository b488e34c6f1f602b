package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/dataforge/config"
	"github.com/BaSui01/dataforge/ratelimit"
	"github.com/BaSui01/dataforge/types"
)

const anthropicVersion = "2023-06-01"

// Anthropic calls the messages API.
type Anthropic struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
	logger  *zap.Logger
}

// NewAnthropic creates the Anthropic provider.
func NewAnthropic(cfg config.AnthropicConfig, timeout time.Duration, logger *zap.Logger) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, types.NewError(types.ErrConfiguration, "anthropic api_key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Anthropic{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With(zap.String("component", "provider"), zap.String("provider", NameAnthropic)),
	}, nil
}

// Name implements Provider.
func (a *Anthropic) Name() string { return NameAnthropic }

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Generate implements Provider.
func (a *Anthropic) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	body, err := json.Marshal(anthropicRequest{
		Model:       a.model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Messages:    []anthropicMessage{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "marshal anthropic request").WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "build anthropic request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(NameAnthropic, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, types.NewError(types.ErrProviderError, "read anthropic response").
			WithProvider(NameAnthropic).WithCause(err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(NameAnthropic, resp, respBody)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, types.NewError(types.ErrProviderError, "decode anthropic response").
			WithProvider(NameAnthropic).WithCause(err)
	}

	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return nil, types.NewError(types.ErrProviderError, "anthropic response has no text content").
			WithProvider(NameAnthropic)
	}

	usage := Usage{
		PromptTokens:     parsed.Usage.InputTokens,
		CompletionTokens: parsed.Usage.OutputTokens,
		TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
	}

	return &GenerateResult{
		Text:     text,
		Usage:    usage,
		Feedback: anthropicFeedback(resp.Header),
	}, nil
}

// anthropicFeedback reads Anthropic's rate-limit headers, which use their
// own prefix instead of the x-ratelimit-* family.
func anthropicFeedback(h http.Header) ratelimit.HeaderFeedback {
	var fb ratelimit.HeaderFeedback

	if v := h.Get("anthropic-ratelimit-tokens-remaining"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			fb.RemainingTokens = f
			fb.HasRemaining = true
		}
	}
	if v := h.Get("anthropic-ratelimit-requests-remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			fb.RemainingRequests = n
			fb.HasRequests = true
		}
	}
	// Reset headers are RFC 3339 timestamps.
	if v := h.Get("anthropic-ratelimit-tokens-reset"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			if d := time.Until(t); d > 0 {
				fb.ResetAfter = d
				fb.HasReset = true
			}
		}
	}

	return fb
}
