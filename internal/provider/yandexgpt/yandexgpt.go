// Package yandexgpt implements the YandexGPT foundation-models backend:
// static API-key auth scoped to a cloud folder.
package yandexgpt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/malorod/llmrouter/internal/provider"
)

const (
	defaultBaseURL = "https://llm.api.cloud.yandex.net/foundationModels/v1"
	defaultModel   = "yandexgpt-lite"
)

// Provider speaks the YandexGPT completion wire protocol.
type Provider struct {
	config *provider.Config
	client *http.Client
	logger *zap.SugaredLogger
}

// New creates a YandexGPT provider. config.TenantID carries the cloud
// folder identifier the API requires.
func New(config *provider.Config, logger *zap.SugaredLogger) (*Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.APIKey == "" {
		return nil, fmt.Errorf("provider %s: api_key is required", config.Name)
	}
	if config.TenantID == "" {
		return nil, fmt.Errorf("provider %s: tenant_id (folder id) is required", config.Name)
	}
	return &Provider{
		config: config,
		client: &http.Client{},
		logger: logger,
	}, nil
}

func (p *Provider) baseURL() string {
	if p.config.BaseURL != "" {
		return strings.TrimRight(p.config.BaseURL, "/")
	}
	return defaultBaseURL
}

func (p *Provider) model() string {
	if p.config.Model != "" {
		return p.config.Model
	}
	return defaultModel
}

func (p *Provider) modelURI() string {
	return fmt.Sprintf("gpt://%s/%s/latest", p.config.TenantID, p.model())
}

func (p *Provider) Describe() provider.Identity {
	return provider.Identity{Name: p.config.Name, Model: p.model(), Kind: "yandexgpt"}
}

type completionRequest struct {
	ModelURI          string            `json:"modelUri"`
	CompletionOptions completionOptions `json:"completionOptions"`
	Messages          []message         `json:"messages"`
}

type completionOptions struct {
	Stream      bool    `json:"stream"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   string  `json:"maxTokens,omitempty"`
}

type message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type completionResponse struct {
	Result struct {
		Alternatives []struct {
			Message message `json:"message"`
		} `json:"alternatives"`
	} `json:"result"`
}

func (p *Provider) Generate(ctx context.Context, prompt string, params *provider.GenerationParams) (string, error) {
	var result string
	err := provider.Do(ctx, p.config, p.logger, func(ctx context.Context) error {
		text, err := p.complete(ctx, prompt, params.WithDefaults())
		if err != nil {
			return err
		}
		result = text
		return nil
	})
	return result, err
}

func (p *Provider) complete(ctx context.Context, prompt string, params *provider.GenerationParams) (string, error) {
	payload, err := json.Marshal(completionRequest{
		ModelURI: p.modelURI(),
		CompletionOptions: completionOptions{
			Stream:      false,
			Temperature: params.Temperature,
			MaxTokens:   strconv.Itoa(params.MaxTokens),
		},
		Messages: []message{{Role: "user", Text: prompt}},
	})
	if err != nil {
		return "", provider.WrapError(p.config.Name, provider.KindProvider, "marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL()+"/completion", bytes.NewReader(payload))
	if err != nil {
		return "", provider.WrapError(p.config.Name, provider.KindProvider, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Api-Key "+p.config.APIKey)
	req.Header.Set("x-folder-id", p.config.TenantID)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", p.transportError("request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", provider.WrapError(p.config.Name, provider.KindProvider, "read response", err)
	}
	if err := p.statusError(resp.StatusCode, body); err != nil {
		return "", err
	}

	var cr completionResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return "", provider.WrapError(p.config.Name, provider.KindProvider, "decode response", err)
	}
	if len(cr.Result.Alternatives) == 0 {
		return "", provider.NewError(p.config.Name, provider.KindProvider, "response contains no alternatives")
	}
	return cr.Result.Alternatives[0].Message.Text, nil
}

// GenerateStream falls back to unary generation and yields the whole
// result as a single chunk; the backend has no token streaming here.
func (p *Provider) GenerateStream(ctx context.Context, prompt string, params *provider.GenerationParams) (<-chan provider.StreamChunk, error) {
	text, err := p.Generate(ctx, prompt, params)
	if err != nil {
		return nil, err
	}

	out := make(chan provider.StreamChunk, 1)
	out <- provider.StreamChunk{Content: text}
	close(out)
	return out, nil
}

func (p *Provider) statusError(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	var kind provider.Kind
	switch {
	case status == http.StatusBadRequest, status == http.StatusNotFound, status == http.StatusUnprocessableEntity:
		kind = provider.KindInvalidRequest
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		kind = provider.KindAuthentication
	case status == http.StatusTooManyRequests:
		kind = provider.KindRateLimit
	default:
		kind = provider.KindProvider
	}
	return provider.NewError(p.config.Name, kind,
		fmt.Sprintf("request failed with status %d: %s", status, strings.TrimSpace(string(body))))
}

func (p *Provider) transportError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return provider.WrapError(p.config.Name, provider.KindTimeout, op+" timed out", err)
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return provider.WrapError(p.config.Name, provider.KindTimeout, op+" timed out", err)
	}
	return provider.WrapError(p.config.Name, provider.KindProvider, op+" failed", err)
}

// HealthCheck issues a minimal one-token completion; the API has no
// dedicated liveness endpoint.
func (p *Provider) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, provider.HealthCheckTimeout)
	defer cancel()

	_, err := p.complete(ctx, "ping", &provider.GenerationParams{Temperature: 0.1, MaxTokens: 1, TopP: 1.0})
	if err != nil {
		p.logger.Warnw("health check failed",
			"provider", p.config.Name,
			"error", err,
		)
		return false
	}
	return true
}

// Close releases the provider's transport.
func (p *Provider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
