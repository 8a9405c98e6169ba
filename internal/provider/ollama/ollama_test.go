package ollama

import (
	"context"
	"encoding/json"
	"fmt"
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

	cfg := provider.NewConfig("ollama-test")
	cfg.BaseURL = srv.URL
	cfg.Model = "llama3"
	cfg.MaxRetries = 0

	p, err := New(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	return p
}

func TestGenerateMapsOptions(t *testing.T) {
	var seen generateRequest

	p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&seen))
		json.NewEncoder(w).Encode(generateResponse{Response: "hi there", Done: true})
	}))

	text, err := p.Generate(context.Background(), "hi", &provider.GenerationParams{
		Temperature: 0.5,
		MaxTokens:   64,
		TopP:        0.9,
		Stop:        []string{"\n"}, // unsupported, must be ignored
	})
	require.NoError(t, err)

	assert.Equal(t, "hi there", text)
	assert.Equal(t, "llama3", seen.Model)
	assert.Equal(t, "hi", seen.Prompt)
	assert.False(t, seen.Stream)
	assert.Equal(t, 64, seen.Options.NumPredict)
	assert.Equal(t, 0.5, seen.Options.Temperature)
	assert.Equal(t, 0.9, seen.Options.TopP)
}

func TestUnknownModelIsInvalidRequest(t *testing.T) {
	p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `model "nope" not found`, http.StatusNotFound)
	}))

	_, err := p.Generate(context.Background(), "hi", nil)
	require.Error(t, err)
	assert.Equal(t, provider.KindInvalidRequest, provider.KindOf(err))
}

func TestServerErrorIsProviderKind(t *testing.T) {
	p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := p.Generate(context.Background(), "hi", nil)
	require.Error(t, err)
	assert.Equal(t, provider.KindProvider, provider.KindOf(err))
}

func TestConnectionRefusedIsProviderKind(t *testing.T) {
	cfg := provider.NewConfig("ollama-dead")
	cfg.BaseURL = "http://127.0.0.1:1"
	cfg.MaxRetries = 0
	p, err := New(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)

	_, err = p.Generate(context.Background(), "hi", nil)
	require.Error(t, err)
	assert.Equal(t, provider.KindProvider, provider.KindOf(err))
}

func TestGenerateStreamReadsNDJSON(t *testing.T) {
	p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, part := range []string{"hel", "lo"} {
			json.NewEncoder(w).Encode(generateResponse{Response: part})
		}
		json.NewEncoder(w).Encode(generateResponse{Done: true})
	}))

	ch, err := p.GenerateStream(context.Background(), "hi", nil)
	require.NoError(t, err)

	var got string
	var chunks int
	for chunk := range ch {
		require.NoError(t, chunk.Err)
		got += chunk.Content
		chunks++
	}
	assert.Equal(t, "hello", got)
	assert.Equal(t, 2, chunks)
}

func TestHealthCheckUsesTagsEndpoint(t *testing.T) {
	var path string
	p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		fmt.Fprint(w, `{"models":[]}`)
	}))

	assert.True(t, p.HealthCheck(context.Background()))
	assert.Equal(t, "/api/tags", path)
}

func TestHealthCheckFalseOnRefusedConnection(t *testing.T) {
	cfg := provider.NewConfig("ollama-dead")
	cfg.BaseURL = "http://127.0.0.1:1"
	p, err := New(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)

	assert.False(t, p.HealthCheck(context.Background()))
}
