// Package tokenizer estimates token counts for prompts and generated text.
// It uses tiktoken encodings for OpenAI-family models and falls back to a
// chars/4 heuristic when the encoding is unavailable.
package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator counts tokens in text.
type Estimator interface {
	EstimateTokens(text string) int
}

// modelEncodings maps model names to tiktoken encodings.
var modelEncodings = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4o-mini":   "o200k_base",
	"gpt-4-turbo":   "cl100k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
}

// TiktokenEstimator counts tokens with a tiktoken encoding, initialized
// lazily (the encoding may download data on first use).
type TiktokenEstimator struct {
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	initErr  error
}

// NewEstimator creates an estimator for the given model. Unknown models get
// the cl100k_base encoding, which still beats the heuristic for English.
func NewEstimator(model string) *TiktokenEstimator {
	encoding, ok := modelEncodings[model]
	if !ok {
		for prefix, e := range modelEncodings {
			if len(model) >= len(prefix) && model[:len(prefix)] == prefix {
				encoding = e
				ok = true
				break
			}
		}
	}
	if !ok {
		encoding = "cl100k_base"
	}
	return &TiktokenEstimator{encoding: encoding}
}

func (t *TiktokenEstimator) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = err
			return
		}
		t.enc = enc
	})
	return t.initErr
}

// EstimateTokens returns the token count for text. Falls back to the
// heuristic if the encoding could not be initialized.
func (t *TiktokenEstimator) EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	if err := t.init(); err != nil {
		return HeuristicEstimate(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

// HeuristicEstimate approximates token count as ~4 characters per token,
// minimum 1 for non-empty text.
func HeuristicEstimate(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n < 1 {
		return 1
	}
	return n
}

// HeuristicEstimator is an Estimator that never touches tiktoken. Used by
// the mock provider and in tests.
type HeuristicEstimator struct{}

// EstimateTokens implements Estimator.
func (HeuristicEstimator) EstimateTokens(text string) int {
	return HeuristicEstimate(text)
}
