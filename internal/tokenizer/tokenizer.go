// Package tokenizer counts tokens for prompt and completion accounting.
// It prefers a BPE tokenizer selected by model name and degrades to a
// word-count heuristic when the exact tokenizer is unavailable.
package tokenizer

import (
	"math"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// fallbackRatio converts whitespace-separated words into an approximate
// token count when no BPE encoding is available for a model.
const fallbackRatio = 1.3

// Counter counts tokens for a text given a model hint. It caches one
// encoding per model and warns at most once per model that falls back.
type Counter struct {
	logger *zap.SugaredLogger

	mu       sync.RWMutex
	encoders map[string]*tiktoken.Tiktoken

	warned sync.Map // model -> struct{}
}

// NewCounter creates a token counter.
func NewCounter(logger *zap.SugaredLogger) *Counter {
	return &Counter{
		logger:   logger,
		encoders: make(map[string]*tiktoken.Tiktoken),
	}
}

// Count returns the number of tokens in text for the given model. Empty
// input yields zero. Unknown models fall back to round(words * 1.3).
func (c *Counter) Count(text, model string) int {
	if text == "" {
		return 0
	}

	enc := c.encoding(model)
	if enc == nil {
		return approximate(text)
	}
	return len(enc.Encode(text, nil, nil))
}

// encoding resolves and caches the BPE encoding for a model, or nil if the
// model has no known encoding.
func (c *Counter) encoding(model string) *tiktoken.Tiktoken {
	c.mu.RLock()
	enc, ok := c.encoders[model]
	c.mu.RUnlock()
	if ok {
		return enc
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encoders[model]; ok {
		return enc
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		if _, dup := c.warned.LoadOrStore(model, struct{}{}); !dup && c.logger != nil {
			c.logger.Warnw("no tokenizer for model, using word-count approximation",
				"model", model,
				"error", err,
			)
		}
		// Cache the miss so the lookup is not repeated per call.
		c.encoders[model] = nil
		return nil
	}

	c.encoders[model] = enc
	return enc
}

func approximate(text string) int {
	words := len(strings.Fields(text))
	return int(math.Round(float64(words) * fallbackRatio))
}
