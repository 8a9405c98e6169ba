// Package mock implements a purely local provider used for tests and
// demos. The configured model name encodes a simulation mode.
package mock

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/malorod/llmrouter/internal/provider"
)

// Simulation modes recognized in the model field.
const (
	ModeNormal         = "mock-normal"
	ModeTimeout        = "mock-timeout"
	ModeRateLimit      = "mock-ratelimit"
	ModeAuthError      = "mock-auth-error"
	ModeInvalidRequest = "mock-invalid-request"
)

const responseDelay = 100 * time.Millisecond

// Provider simulates an LLM backend without any I/O.
type Provider struct {
	config *provider.Config
	mode   string
	logger *zap.SugaredLogger
}

// New creates a mock provider. The mode is taken from config.Model and
// defaults to mock-normal.
func New(config *provider.Config, logger *zap.SugaredLogger) (*Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	mode := config.Model
	if mode == "" {
		mode = ModeNormal
	}
	return &Provider{config: config, mode: mode, logger: logger}, nil
}

func (p *Provider) Describe() provider.Identity {
	return provider.Identity{Name: p.config.Name, Model: p.mode, Kind: "mock"}
}

func (p *Provider) Generate(ctx context.Context, prompt string, params *provider.GenerationParams) (string, error) {
	params = params.WithDefaults()

	switch {
	case strings.Contains(p.mode, ModeTimeout):
		return "", provider.NewError(p.config.Name, provider.KindTimeout, "simulated timeout")
	case strings.Contains(p.mode, ModeRateLimit):
		return "", provider.NewError(p.config.Name, provider.KindRateLimit, "simulated rate limit")
	case strings.Contains(p.mode, ModeAuthError):
		return "", provider.NewError(p.config.Name, provider.KindAuthentication, "simulated authentication failure")
	case strings.Contains(p.mode, ModeInvalidRequest):
		return "", provider.NewError(p.config.Name, provider.KindInvalidRequest, "simulated invalid request")
	}

	select {
	case <-time.After(responseDelay):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	response := "Mock response to: " + prompt
	if params.MaxTokens > 0 && len(response) > params.MaxTokens {
		response = response[:params.MaxTokens]
	}
	return response, nil
}

// GenerateStream emits the mock response word by word.
func (p *Provider) GenerateStream(ctx context.Context, prompt string, params *provider.GenerationParams) (<-chan provider.StreamChunk, error) {
	out := make(chan provider.StreamChunk)

	go func() {
		defer close(out)

		response, err := p.Generate(ctx, prompt, params)
		if err != nil {
			select {
			case out <- provider.StreamChunk{Err: err}:
			case <-ctx.Done():
			}
			return
		}

		words := strings.Fields(response)
		for i, word := range words {
			chunk := word
			if i < len(words)-1 {
				chunk += " "
			}
			select {
			case out <- provider.StreamChunk{Content: chunk}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (p *Provider) HealthCheck(ctx context.Context) bool {
	return !strings.Contains(p.mode, "unhealthy")
}
