package yandexgpt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/malorod/llmrouter/internal/provider"
)

func newTestProvider(t *testing.T, handler http.Handler) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := provider.NewConfig("ygpt-test")
	cfg.APIKey = "secret"
	cfg.TenantID = "b1gfolder"
	cfg.BaseURL = srv.URL
	cfg.MaxRetries = 0

	p, err := New(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	return p
}

func okHandler(text string, capture *completionRequest, headers *http.Header) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if headers != nil {
			*headers = r.Header.Clone()
		}
		if capture != nil {
			json.NewDecoder(r.Body).Decode(capture)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"result": map[string]interface{}{
				"alternatives": []map[string]interface{}{
					{"message": map[string]string{"role": "assistant", "text": text}},
				},
			},
		})
	})
}

func TestGenerateSendsFolderScopedRequest(t *testing.T) {
	var seen completionRequest
	var headers http.Header

	p := newTestProvider(t, okHandler("answer", &seen, &headers))

	text, err := p.Generate(context.Background(), "question", &provider.GenerationParams{
		Temperature: 0.3,
		MaxTokens:   128,
	})
	require.NoError(t, err)

	assert.Equal(t, "answer", text)
	assert.Equal(t, "gpt://b1gfolder/yandexgpt-lite/latest", seen.ModelURI)
	assert.Equal(t, "user", seen.Messages[0].Role)
	assert.Equal(t, "question", seen.Messages[0].Text)
	assert.Equal(t, 0.3, seen.CompletionOptions.Temperature)
	assert.Equal(t, "128", seen.CompletionOptions.MaxTokens)
	assert.Equal(t, "Api-Key secret", headers.Get("Authorization"))
	assert.Equal(t, "b1gfolder", headers.Get("x-folder-id"))
}

func TestConstructorRequiresCredentials(t *testing.T) {
	cfg := provider.NewConfig("ygpt")
	cfg.TenantID = "folder"
	_, err := New(cfg, zap.NewNop().Sugar())
	require.Error(t, err)

	cfg = provider.NewConfig("ygpt")
	cfg.APIKey = "key"
	_, err = New(cfg, zap.NewNop().Sugar())
	require.Error(t, err)
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		kind   provider.Kind
	}{
		{http.StatusBadRequest, provider.KindInvalidRequest},
		{http.StatusUnauthorized, provider.KindAuthentication},
		{http.StatusForbidden, provider.KindAuthentication},
		{http.StatusTooManyRequests, provider.KindRateLimit},
		{http.StatusInternalServerError, provider.KindProvider},
	}

	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))

			_, err := p.Generate(context.Background(), "q", nil)
			require.Error(t, err)
			assert.Equal(t, tc.kind, provider.KindOf(err))
		})
	}
}

func TestGenerateStreamFallsBackToSingleChunk(t *testing.T) {
	p := newTestProvider(t, okHandler("whole answer", nil, nil))

	ch, err := p.GenerateStream(context.Background(), "q", nil)
	require.NoError(t, err)

	chunk, ok := <-ch
	require.True(t, ok)
	require.NoError(t, chunk.Err)
	assert.Equal(t, "whole answer", chunk.Content)

	_, ok = <-ch
	assert.False(t, ok)
}

func TestGenerateStreamPreflightError(t *testing.T) {
	p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))

	_, err := p.GenerateStream(context.Background(), "q", nil)
	require.Error(t, err)
	assert.Equal(t, provider.KindInvalidRequest, provider.KindOf(err))
}

func TestHealthCheck(t *testing.T) {
	p := newTestProvider(t, okHandler("ok", nil, nil))
	assert.True(t, p.HealthCheck(context.Background()))

	unhealthy := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	assert.False(t, unhealthy.HealthCheck(context.Background()))
}
