// Package gigachat implements the GigaChat backend: OAuth2 credential
// acquisition with time-bounded caching, single-flight refresh, and a
// one-shot re-auth on 401.
package gigachat

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/malorod/llmrouter/internal/provider"
)

const (
	defaultBaseURL = "https://gigachat.devices.sberbank.ru/api/v1"
	defaultAuthURL = "https://ngw.devices.sberbank.ru:9443/api/v2/oauth"
	defaultScope   = "GIGACHAT_API_PERS"
	defaultModel   = "GigaChat"

	// expirySlack treats a token as expired this long before its actual
	// expiry so an in-flight request never rides a dying token.
	expirySlack = 60 * time.Second
)

// Provider speaks the GigaChat chat-completion wire protocol.
type Provider struct {
	config  *provider.Config
	authURL string
	client  *http.Client
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	token   string
	expires time.Time

	refresh singleflight.Group
}

// New creates a GigaChat provider. config.APIKey holds the long-lived
// authorization key; config.Scope selects the OAuth2 scope.
func New(config *provider.Config, logger *zap.SugaredLogger) (*Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.APIKey == "" {
		return nil, fmt.Errorf("provider %s: api_key is required", config.Name)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !config.VerifyTLS {
		// The production endpoints sit behind Russian trust anchors that
		// are usually absent from system stores.
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Provider{
		config:  config,
		authURL: defaultAuthURL,
		client:  &http.Client{Transport: transport},
		logger:  logger,
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

func (p *Provider) scope() string {
	if p.config.Scope != "" {
		return p.config.Scope
	}
	return defaultScope
}

func (p *Provider) Describe() provider.Identity {
	return provider.Identity{Name: p.config.Name, Model: p.model(), Kind: "gigachat"}
}

// accessToken returns a valid cached token or coalesces concurrent callers
// onto a single refresh.
func (p *Provider) accessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.token != "" && time.Until(p.expires) > expirySlack {
		token := p.token
		p.mu.Unlock()
		return token, nil
	}
	p.mu.Unlock()

	return p.refreshToken(ctx)
}

// refreshToken performs the OAuth2 exchange. Concurrent callers share one
// in-flight request.
func (p *Provider) refreshToken(ctx context.Context) (string, error) {
	v, err, _ := p.refresh.Do("token", func() (interface{}, error) {
		// A caller that queued behind a completed refresh finds the fresh
		// token here instead of launching another exchange.
		p.mu.Lock()
		if p.token != "" && time.Until(p.expires) > expirySlack {
			token := p.token
			p.mu.Unlock()
			return token, nil
		}
		p.mu.Unlock()
		return p.fetchToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// invalidateToken drops the cached token after a 401.
func (p *Provider) invalidateToken() {
	p.mu.Lock()
	p.token = ""
	p.expires = time.Time{}
	p.mu.Unlock()
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   int64  `json:"expires_at"` // unix milliseconds
}

func (p *Provider) fetchToken(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("scope", p.scope())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", provider.WrapError(p.config.Name, provider.KindProvider, "build token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Basic "+p.config.APIKey)
	req.Header.Set("RqUID", uuid.NewString())

	resp, err := p.client.Do(req)
	if err != nil {
		return "", p.transportError("token request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", provider.WrapError(p.config.Name, provider.KindProvider, "read token response", err)
	}

	if resp.StatusCode != http.StatusOK {
		kind := provider.KindAuthentication
		if resp.StatusCode == http.StatusTooManyRequests {
			kind = provider.KindRateLimit
		} else if resp.StatusCode >= 500 {
			kind = provider.KindProvider
		}
		return "", provider.NewError(p.config.Name, kind,
			fmt.Sprintf("token request failed with status %d: %s", resp.StatusCode, truncate(body)))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", provider.WrapError(p.config.Name, provider.KindProvider, "decode token response", err)
	}
	if tr.AccessToken == "" {
		return "", provider.NewError(p.config.Name, provider.KindAuthentication, "token response contains no access token")
	}

	expires := time.UnixMilli(tr.ExpiresAt)
	p.mu.Lock()
	p.token = tr.AccessToken
	p.expires = expires
	p.mu.Unlock()

	p.logger.Debugw("access token refreshed",
		"provider", p.config.Name,
		"expires_at", expires,
	)
	return tr.AccessToken, nil
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	TopP        float64   `json:"top_p,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
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

// complete issues one chat request, re-authenticating exactly once on 401.
func (p *Provider) complete(ctx context.Context, prompt string, params *provider.GenerationParams) (string, error) {
	token, err := p.accessToken(ctx)
	if err != nil {
		return "", err
	}

	body, status, err := p.postChat(ctx, token, prompt, params)
	if err != nil {
		return "", err
	}

	if status == http.StatusUnauthorized {
		// The cached token went stale server-side. Refresh once and
		// re-issue with fresh credentials and a new correlation id.
		p.invalidateToken()
		token, err = p.refreshToken(ctx)
		if err != nil {
			return "", err
		}
		body, status, err = p.postChat(ctx, token, prompt, params)
		if err != nil {
			return "", err
		}
		if status == http.StatusUnauthorized {
			return "", provider.NewError(p.config.Name, provider.KindAuthentication,
				"request rejected again after token refresh")
		}
	}

	if err := p.statusError(status, body); err != nil {
		return "", err
	}

	return firstChoice(p.config.Name, body)
}

// postChat performs one chat POST and returns the raw body and status.
// Transport failures are mapped onto the taxonomy; HTTP statuses are left
// to the caller.
func (p *Provider) postChat(ctx context.Context, token, prompt string, params *provider.GenerationParams) ([]byte, int, error) {
	payload, err := json.Marshal(p.chatPayload(prompt, params, false))
	if err != nil {
		return nil, 0, provider.WrapError(p.config.Name, provider.KindProvider, "marshal chat request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL()+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, 0, provider.WrapError(p.config.Name, provider.KindProvider, "build chat request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, p.transportError("chat request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, provider.WrapError(p.config.Name, provider.KindProvider, "read chat response", err)
	}
	return body, resp.StatusCode, nil
}

func (p *Provider) chatPayload(prompt string, params *provider.GenerationParams, stream bool) chatRequest {
	return chatRequest{
		Model:       p.model(),
		Messages:    []message{{Role: "user", Content: prompt}},
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
		TopP:        params.TopP,
		Stop:        params.Stop,
		Stream:      stream,
	}
}

// statusError maps a non-2xx chat status onto the error taxonomy.
func (p *Provider) statusError(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	var kind provider.Kind
	switch {
	case status == http.StatusBadRequest, status == http.StatusNotFound, status == http.StatusUnprocessableEntity:
		kind = provider.KindInvalidRequest
	case status == http.StatusTooManyRequests:
		kind = provider.KindRateLimit
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		kind = provider.KindAuthentication
	default:
		kind = provider.KindProvider
	}
	return provider.NewError(p.config.Name, kind,
		fmt.Sprintf("chat request failed with status %d: %s", status, truncate(body)))
}

// transportError maps network-level failures: deadlines become Timeout,
// everything else (connection, DNS, TLS) is a generic provider failure.
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

func firstChoice(name string, body []byte) (string, error) {
	var cr chatResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return "", provider.WrapError(name, provider.KindProvider, "decode chat response", err)
	}
	if len(cr.Choices) == 0 {
		return "", provider.NewError(name, provider.KindProvider, "chat response contains no choices")
	}
	return cr.Choices[0].Message.Content, nil
}

// GenerateStream streams the completion over SSE. Pre-flight failures
// (token acquisition, connection, HTTP status) surface from the call
// itself; later failures terminate the chunk channel.
func (p *Provider) GenerateStream(ctx context.Context, prompt string, params *provider.GenerationParams) (<-chan provider.StreamChunk, error) {
	token, err := p.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(p.chatPayload(prompt, params.WithDefaults(), true))
	if err != nil {
		return nil, provider.WrapError(p.config.Name, provider.KindProvider, "marshal stream request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL()+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, provider.WrapError(p.config.Name, provider.KindProvider, "build stream request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, p.transportError("stream request", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, p.statusError(resp.StatusCode, body)
	}

	out := make(chan provider.StreamChunk)
	go p.readSSE(ctx, resp.Body, out)
	return out, nil
}

type streamDelta struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// readSSE parses "data:" lines until [DONE] or an error.
func (p *Provider) readSSE(ctx context.Context, body io.ReadCloser, out chan<- provider.StreamChunk) {
	defer close(out)
	defer body.Close()

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 2048)
	for {
		n, err := body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			for {
				idx := bytes.IndexByte(buf, '\n')
				if idx < 0 {
					break
				}
				line := strings.TrimSpace(string(buf[:idx]))
				buf = buf[idx+1:]
				if !strings.HasPrefix(line, "data:") {
					continue
				}
				data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				if data == "[DONE]" {
					return
				}
				var delta streamDelta
				if json.Unmarshal([]byte(data), &delta) != nil || len(delta.Choices) == 0 {
					continue
				}
				content := delta.Choices[0].Delta.Content
				if content == "" {
					continue
				}
				select {
				case out <- provider.StreamChunk{Content: content}:
				case <-ctx.Done():
					return
				}
			}
		}
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				select {
				case out <- provider.StreamChunk{Err: p.transportError("stream read", err)}:
				case <-ctx.Done():
				}
			}
			return
		}
	}
}

// HealthCheck considers the backend live if a token can be acquired within
// the probe deadline.
func (p *Provider) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, provider.HealthCheckTimeout)
	defer cancel()

	if _, err := p.accessToken(ctx); err != nil {
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

func truncate(body []byte) string {
	const max = 200
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
