// Package ollama implements the local inference backend: a stateless HTTP
// client against a loopback Ollama server, no credentials.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/malorod/llmrouter/internal/provider"
)

const (
	defaultBaseURL = "http://localhost:11434"
	defaultModel   = "llama3"
)

// Provider speaks the Ollama generate API.
type Provider struct {
	config *provider.Config
	client *http.Client
	logger *zap.SugaredLogger
}

// New creates an Ollama provider.
func New(config *provider.Config, logger *zap.SugaredLogger) (*Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
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

func (p *Provider) Describe() provider.Identity {
	return provider.Identity{Name: p.config.Name, Model: p.model(), Kind: "ollama"}
}

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options generateOpts   `json:"options"`
}

type generateOpts struct {
	NumPredict  int     `json:"num_predict,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (p *Provider) Generate(ctx context.Context, prompt string, params *provider.GenerationParams) (string, error) {
	var result string
	err := provider.Do(ctx, p.config, p.logger, func(ctx context.Context) error {
		text, err := p.generate(ctx, prompt, params.WithDefaults())
		if err != nil {
			return err
		}
		result = text
		return nil
	})
	return result, err
}

func (p *Provider) generate(ctx context.Context, prompt string, params *provider.GenerationParams) (string, error) {
	resp, err := p.postGenerate(ctx, prompt, params, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", provider.WrapError(p.config.Name, provider.KindProvider, "read response", err)
	}
	if err := p.statusError(resp.StatusCode, body); err != nil {
		return "", err
	}

	var gr generateResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		return "", provider.WrapError(p.config.Name, provider.KindProvider, "decode response", err)
	}
	return gr.Response, nil
}

// GenerateStream uses Ollama's native line-delimited JSON streaming.
func (p *Provider) GenerateStream(ctx context.Context, prompt string, params *provider.GenerationParams) (<-chan provider.StreamChunk, error) {
	resp, err := p.postGenerate(ctx, prompt, params.WithDefaults(), true)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, p.statusError(resp.StatusCode, body)
	}

	out := make(chan provider.StreamChunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var gr generateResponse
			if err := json.Unmarshal(scanner.Bytes(), &gr); err != nil {
				continue
			}
			if gr.Response != "" {
				select {
				case out <- provider.StreamChunk{Content: gr.Response}:
				case <-ctx.Done():
					return
				}
			}
			if gr.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			select {
			case out <- provider.StreamChunk{Err: p.transportError("stream read", err)}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

func (p *Provider) postGenerate(ctx context.Context, prompt string, params *provider.GenerationParams, stream bool) (*http.Response, error) {
	payload, err := json.Marshal(generateRequest{
		Model:  p.model(),
		Prompt: prompt,
		Stream: stream,
		Options: generateOpts{
			NumPredict:  params.MaxTokens,
			Temperature: params.Temperature,
			TopP:        params.TopP,
		},
	})
	if err != nil {
		return nil, provider.WrapError(p.config.Name, provider.KindProvider, "marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL()+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, provider.WrapError(p.config.Name, provider.KindProvider, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, p.transportError("request", err)
	}
	return resp, nil
}

// statusError maps Ollama HTTP statuses: 404 means an unknown model.
func (p *Provider) statusError(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	kind := provider.KindProvider
	if status == http.StatusNotFound {
		kind = provider.KindInvalidRequest
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

// HealthCheck probes the model-list endpoint.
func (p *Provider) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, provider.HealthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL()+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warnw("health check failed",
			"provider", p.config.Name,
			"error", err,
		)
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Close releases the provider's transport.
func (p *Provider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
