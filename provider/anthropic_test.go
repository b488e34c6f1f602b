package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/dataforge/config"
	"github.com/BaSui01/dataforge/types"
)

func newAnthropicTest(t *testing.T, handler http.HandlerFunc) *Anthropic {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := NewAnthropic(config.AnthropicConfig{
		APIKey:  "test-key",
		BaseURL: srv.URL,
		Model:   "claude-3-5-haiku-latest",
	}, 5*time.Second, nil)
	require.NoError(t, err)
	return p
}

func TestAnthropicGenerateSuccess(t *testing.T) {
	var gotKey, gotVersion string
	var gotBody anthropicRequest

	p := newAnthropicTest(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("anthropic-ratelimit-tokens-remaining", "35000")
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{
				{"type": "text", "text": "generated text"},
			},
			"usage": map[string]int{"input_tokens": 15, "output_tokens": 85},
		})
	})

	res, err := p.Generate(context.Background(), GenerateRequest{
		Prompt:      "write about moss",
		Temperature: 0.7,
		MaxTokens:   300,
	})
	require.NoError(t, err)

	assert.Equal(t, "test-key", gotKey)
	assert.Equal(t, anthropicVersion, gotVersion)
	assert.Equal(t, 300, gotBody.MaxTokens)

	assert.Equal(t, "generated text", res.Text)
	assert.Equal(t, 15, res.Usage.PromptTokens)
	assert.Equal(t, 85, res.Usage.CompletionTokens)
	assert.Equal(t, 100, res.Usage.TotalTokens)
	assert.True(t, res.Feedback.HasRemaining)
	assert.Equal(t, 35000.0, res.Feedback.RemainingTokens)
}

func TestAnthropicThrottled(t *testing.T) {
	p := newAnthropicTest(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := p.Generate(context.Background(), GenerateRequest{Prompt: "x"})
	assert.True(t, types.IsCode(err, types.ErrThrottled))

	hint, ok := types.RetryAfterHint(err)
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, hint)
}

func TestAnthropicSkipsNonTextBlocks(t *testing.T) {
	p := newAnthropicTest(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{
				{"type": "thinking", "text": ""},
				{"type": "text", "text": "actual answer"},
			},
			"usage": map[string]int{"input_tokens": 1, "output_tokens": 2},
		})
	})

	res, err := p.Generate(context.Background(), GenerateRequest{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "actual answer", res.Text)
}

func TestAnthropicNoTextContent(t *testing.T) {
	p := newAnthropicTest(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"content": []any{}})
	})

	_, err := p.Generate(context.Background(), GenerateRequest{Prompt: "x"})
	assert.True(t, types.IsCode(err, types.ErrProviderError))
}

func TestNewAnthropicRequiresKey(t *testing.T) {
	_, err := NewAnthropic(config.AnthropicConfig{}, time.Second, nil)
	assert.True(t, types.IsCode(err, types.ErrConfiguration))
}
