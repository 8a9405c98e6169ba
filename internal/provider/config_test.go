package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig("p1")

	assert.Equal(t, "p1", cfg.Name)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.True(t, cfg.VerifyTLS)
}

func TestValidateRejectsEmptyName(t *testing.T) {
	cfg := NewConfig("")
	require.Error(t, cfg.Validate())
}

func TestValidateTimeoutRange(t *testing.T) {
	cfg := NewConfig("p1")
	cfg.Timeout = 500 * time.Millisecond
	require.Error(t, cfg.Validate())

	cfg.Timeout = 301 * time.Second
	require.Error(t, cfg.Validate())

	cfg.Timeout = 300 * time.Second
	require.NoError(t, cfg.Validate())
}

func TestValidateFillsZeroTimeout(t *testing.T) {
	cfg := &Config{Name: "p1", VerifyTLS: true}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.Timeout)
}

func TestValidateRetriesRange(t *testing.T) {
	cfg := NewConfig("p1")
	cfg.MaxRetries = 11
	require.Error(t, cfg.Validate())

	cfg.MaxRetries = -1
	require.Error(t, cfg.Validate())

	cfg.MaxRetries = 0
	require.NoError(t, cfg.Validate())
}

func TestParamsWithDefaults(t *testing.T) {
	var nilParams *GenerationParams
	p := nilParams.WithDefaults()
	assert.Equal(t, 0.7, p.Temperature)
	assert.Equal(t, 1000, p.MaxTokens)
	assert.Equal(t, 1.0, p.TopP)

	p = (&GenerationParams{Temperature: 1.5, MaxTokens: 20}).WithDefaults()
	assert.Equal(t, 1.5, p.Temperature)
	assert.Equal(t, 20, p.MaxTokens)
	assert.Equal(t, 1.0, p.TopP)
}

func TestKindOfUnknownErrorIsProvider(t *testing.T) {
	assert.Equal(t, KindProvider, KindOf(assert.AnError))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewError("p", KindRateLimit, "x")))
	assert.True(t, IsRetryable(NewError("p", KindTimeout, "x")))
	assert.False(t, IsRetryable(NewError("p", KindAuthentication, "x")))
	assert.False(t, IsRetryable(NewError("p", KindInvalidRequest, "x")))
	assert.False(t, IsRetryable(assert.AnError))
}
