// Package provider defines the uniform contract every LLM backend must
// satisfy, the shared configuration and error taxonomy, and the retry
// helper used by concrete implementations.
package provider

import (
	"context"
)

// Provider is the uniform contract over heterogeneous LLM backends.
type Provider interface {
	// Generate produces a complete response for the prompt. Failures carry
	// a typed *Error.
	Generate(ctx context.Context, prompt string, params *GenerationParams) (string, error)

	// GenerateStream produces a lazy, finite, single-shot chunk sequence.
	// Implementations without native streaming fall back to Generate and
	// yield the whole result as one chunk. The channel is closed when the
	// stream ends; a terminal failure is delivered as a chunk with Err set.
	GenerateStream(ctx context.Context, prompt string, params *GenerationParams) (<-chan StreamChunk, error)

	// HealthCheck is a lightweight liveness probe. It never fails loudly:
	// any error collapses to false. Implementations bound the probe by a
	// short internal deadline regardless of the caller's context.
	HealthCheck(ctx context.Context) bool

	// Describe returns the identity used for metrics labels and pricing.
	Describe() Identity
}

// Identity describes a provider instance for logs, metrics, and pricing.
type Identity struct {
	Name  string `json:"name"`
	Model string `json:"model"`
	Kind  string `json:"kind"`
}

// StreamChunk is one element of a streaming response. A chunk with Err set
// terminates the stream.
type StreamChunk struct {
	Content string
	Err     error
}

// GenerationParams carries per-call generation knobs. Providers ignore
// parameters their backend does not support; an unsupported field is never
// grounds for failing a request.
type GenerationParams struct {
	Temperature float64
	MaxTokens   int
	TopP        float64
	Stop        []string
}

// DefaultParams returns the documented parameter defaults.
func DefaultParams() *GenerationParams {
	return &GenerationParams{
		Temperature: 0.7,
		MaxTokens:   1000,
		TopP:        1.0,
	}
}

// WithDefaults fills zero-valued fields from the defaults. A nil receiver
// yields the full default set.
func (p *GenerationParams) WithDefaults() *GenerationParams {
	if p == nil {
		return DefaultParams()
	}
	out := *p
	if out.Temperature == 0 {
		out.Temperature = 0.7
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = 1000
	}
	if out.TopP == 0 {
		out.TopP = 1.0
	}
	return &out
}
