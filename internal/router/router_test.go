package router

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/malorod/llmrouter/internal/metrics"
	"github.com/malorod/llmrouter/internal/provider"
	"github.com/malorod/llmrouter/internal/provider/mock"
)

func newMockProvider(t *testing.T, name, model string) provider.Provider {
	t.Helper()
	cfg := provider.NewConfig(name)
	cfg.Model = model
	p, err := mock.New(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	return p
}

func newTestRouter(t *testing.T, strategy string, models ...string) *Router {
	t.Helper()
	r, err := New(strategy)
	require.NoError(t, err)
	for i, model := range models {
		require.NoError(t, r.AddProvider(newMockProvider(t, fmt.Sprintf("p%d", i+1), model)))
	}
	return r
}

func TestNewRejectsUnknownStrategy(t *testing.T) {
	_, err := New("fastest-first")
	require.Error(t, err)
}

func TestAddProviderRejectsDuplicates(t *testing.T) {
	r, err := New("round-robin")
	require.NoError(t, err)

	require.NoError(t, r.AddProvider(newMockProvider(t, "dup", "mock-normal")))
	require.Error(t, r.AddProvider(newMockProvider(t, "dup", "mock-normal")))
}

func TestRouteWithoutProviders(t *testing.T) {
	r, err := New("round-robin")
	require.NoError(t, err)

	_, err = r.Route(context.Background(), "hi", nil)
	require.Error(t, err)
}

// Four sequential calls over three providers must walk P1, P2, P3, P1.
func TestRoundRobinOrder(t *testing.T) {
	r := newTestRouter(t, "round-robin", "mock-normal", "mock-normal", "mock-normal")

	for _, prompt := range []string{"Q1", "Q2", "Q3", "Q4"} {
		text, err := r.Route(context.Background(), prompt, nil)
		require.NoError(t, err)
		assert.Equal(t, "Mock response to: "+prompt, text)
	}

	snaps := r.GetMetrics()
	assert.Equal(t, uint64(2), snaps["p1"].Success)
	assert.Equal(t, uint64(1), snaps["p2"].Success)
	assert.Equal(t, uint64(1), snaps["p3"].Success)
}

// With N identical providers and M calls, selection differs by at most one.
func TestRoundRobinFairness(t *testing.T) {
	r := newTestRouter(t, "round-robin", "mock-normal", "mock-normal", "mock-normal")

	const calls = 10
	for i := 0; i < calls; i++ {
		_, err := r.Route(context.Background(), "q", nil)
		require.NoError(t, err)
	}

	var total uint64
	for _, snap := range r.GetMetrics() {
		assert.Contains(t, []uint64{3, 4}, snap.Success)
		total += snap.Success
	}
	assert.Equal(t, uint64(calls), total)
}

// A failing first provider falls through to the next one transparently.
func TestFallbackOnFailure(t *testing.T) {
	r := newTestRouter(t, "round-robin", "mock-timeout", "mock-normal", "mock-normal")

	text, err := r.Route(context.Background(), "Hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "Mock response to: Hi", text)

	snaps := r.GetMetrics()
	assert.Equal(t, uint64(1), snaps["p1"].Failure)
	assert.Equal(t, uint64(0), snaps["p1"].Success)
	assert.Equal(t, uint64(1), snaps["p2"].Success)
	assert.Equal(t, uint64(0), snaps["p3"].Total)
}

// The round-robin cursor advances once per call, not per attempt.
func TestRoundRobinAdvancesPerCall(t *testing.T) {
	r := newTestRouter(t, "round-robin", "mock-timeout", "mock-normal", "mock-normal")

	_, err := r.Route(context.Background(), "one", nil) // starts P1, lands on P2
	require.NoError(t, err)
	_, err = r.Route(context.Background(), "two", nil) // starts P2
	require.NoError(t, err)

	snaps := r.GetMetrics()
	assert.Equal(t, uint64(2), snaps["p2"].Success)
	assert.Equal(t, uint64(0), snaps["p3"].Total)
}

// When every provider fails, the last error surfaces with its kind.
func TestAllProvidersFail(t *testing.T) {
	r := newTestRouter(t, "round-robin", "mock-timeout", "mock-timeout", "mock-timeout")

	_, err := r.Route(context.Background(), "hi", nil)
	require.Error(t, err)
	assert.Equal(t, provider.KindTimeout, provider.KindOf(err))

	for name, snap := range r.GetMetrics() {
		assert.Equal(t, uint64(1), snap.Failure, name)
		assert.Equal(t, uint64(1), snap.Total, name)
	}
}

// Mixed failure kinds: the surfaced error is the last one observed.
func TestLastErrorWins(t *testing.T) {
	r := newTestRouter(t, "round-robin", "mock-timeout", "mock-auth-error")

	_, err := r.Route(context.Background(), "hi", nil)
	require.Error(t, err)
	assert.Equal(t, provider.KindAuthentication, provider.KindOf(err))
}

// first-available skips providers whose probe fails without ever calling
// their Generate.
func TestFirstAvailableSkipsUnhealthy(t *testing.T) {
	r := newTestRouter(t, "first-available", "mock-unhealthy", "mock-unhealthy", "mock-normal")

	for i := 0; i < 3; i++ {
		text, err := r.Route(context.Background(), "hi", nil)
		require.NoError(t, err)
		assert.Equal(t, "Mock response to: hi", text)
	}

	snaps := r.GetMetrics()
	assert.Equal(t, uint64(0), snaps["p1"].Total)
	assert.Equal(t, uint64(0), snaps["p2"].Total)
	assert.Equal(t, uint64(3), snaps["p3"].Success)
}

// If nobody passes the probe the fallback loop still runs from the top.
func TestFirstAvailableFallsThrough(t *testing.T) {
	r := newTestRouter(t, "first-available", "mock-unhealthy", "mock-normal-unhealthy")

	text, err := r.Route(context.Background(), "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "Mock response to: hi", text)

	// p1 generates despite the failed probe: mock-unhealthy fails probes,
	// not generation.
	snaps := r.GetMetrics()
	assert.Equal(t, uint64(1), snaps["p1"].Success)
}

func TestRandomStrategyServesAllCalls(t *testing.T) {
	r, err := New("random", WithRandSeed(1))
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		require.NoError(t, r.AddProvider(newMockProvider(t, fmt.Sprintf("p%d", i), "mock-normal")))
	}

	var total uint64
	for i := 0; i < 12; i++ {
		_, err := r.Route(context.Background(), "q", nil)
		require.NoError(t, err)
	}
	for _, snap := range r.GetMetrics() {
		total += snap.Success
	}
	assert.Equal(t, uint64(12), total)
}

// best-available steers away from a provider once its error history makes
// it unhealthy.
func TestBestAvailableAvoidsFailingProvider(t *testing.T) {
	r := newTestRouter(t, "best-available", "mock-timeout", "mock-normal")

	// Build failure history on p1: with empty metrics it ties first.
	for i := 0; i < 6; i++ {
		_, err := r.Route(context.Background(), "q", nil)
		require.NoError(t, err)
	}

	failuresBefore := r.GetMetrics()["p1"].Failure
	assert.Equal(t, metrics.Unhealthy, r.GetMetrics()["p1"].Health)

	for i := 0; i < 5; i++ {
		_, err := r.Route(context.Background(), "q", nil)
		require.NoError(t, err)
	}

	assert.Equal(t, failuresBefore, r.GetMetrics()["p1"].Failure,
		"an unhealthy provider must no longer be the starting pick")
}

// Counter invariant across a mixed workload.
func TestCounterInvariant(t *testing.T) {
	r := newTestRouter(t, "round-robin", "mock-normal", "mock-timeout", "mock-ratelimit")

	for i := 0; i < 9; i++ {
		r.Route(context.Background(), "q", nil)
	}

	for name, snap := range r.GetMetrics() {
		assert.Equal(t, snap.Total, snap.Success+snap.Failure, name)
	}
}

func TestCancelledCallUpdatesNothing(t *testing.T) {
	r := newTestRouter(t, "round-robin", "mock-normal", "mock-normal")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Route(ctx, "q", nil)
	assert.ErrorIs(t, err, context.Canceled)

	for name, snap := range r.GetMetrics() {
		assert.Equal(t, uint64(0), snap.Total, name)
	}
}

func TestRouteStreamCollectsChunks(t *testing.T) {
	r := newTestRouter(t, "round-robin", "mock-normal")

	ch, err := r.RouteStream(context.Background(), "hi", nil)
	require.NoError(t, err)

	var got string
	for chunk := range ch {
		require.NoError(t, chunk.Err)
		got += chunk.Content
	}
	assert.Equal(t, "Mock response to: hi", got)

	snap := r.GetMetrics()["p1"]
	assert.Equal(t, uint64(1), snap.Success)
	assert.Greater(t, snap.CompletionTokens, uint64(0))
}

// A provider failing before its first chunk is retried elsewhere.
func TestRouteStreamPreflightFallback(t *testing.T) {
	r := newTestRouter(t, "round-robin", "mock-timeout", "mock-normal")

	ch, err := r.RouteStream(context.Background(), "hi", nil)
	require.NoError(t, err)

	var got string
	for chunk := range ch {
		require.NoError(t, chunk.Err)
		got += chunk.Content
	}
	assert.Equal(t, "Mock response to: hi", got)

	snaps := r.GetMetrics()
	assert.Equal(t, uint64(1), snaps["p1"].Failure)
	assert.Equal(t, uint64(1), snaps["p2"].Success)
}

// chunkThenFail yields some content and then breaks mid-stream.
type chunkThenFail struct {
	name string
}

func (p *chunkThenFail) Describe() provider.Identity {
	return provider.Identity{Name: p.name, Model: "broken", Kind: "mock"}
}

func (p *chunkThenFail) Generate(ctx context.Context, prompt string, params *provider.GenerationParams) (string, error) {
	return "", provider.NewError(p.name, provider.KindProvider, "unary not supported")
}

func (p *chunkThenFail) GenerateStream(ctx context.Context, prompt string, params *provider.GenerationParams) (<-chan provider.StreamChunk, error) {
	out := make(chan provider.StreamChunk, 2)
	out <- provider.StreamChunk{Content: "partial "}
	out <- provider.StreamChunk{Err: provider.NewError(p.name, provider.KindProvider, "connection dropped")}
	close(out)
	return out, nil
}

func (p *chunkThenFail) HealthCheck(ctx context.Context) bool { return true }

// Once a chunk reached the caller a failure terminates the stream; the
// healthy neighbor is not consulted.
func TestRouteStreamNoFallbackAfterFirstChunk(t *testing.T) {
	r, err := New("round-robin")
	require.NoError(t, err)
	require.NoError(t, r.AddProvider(&chunkThenFail{name: "p1"}))
	require.NoError(t, r.AddProvider(newMockProvider(t, "p2", "mock-normal")))

	ch, err := r.RouteStream(context.Background(), "hi", nil)
	require.NoError(t, err)

	var got string
	var streamErr error
	for chunk := range ch {
		if chunk.Err != nil {
			streamErr = chunk.Err
			break
		}
		got += chunk.Content
	}

	assert.Equal(t, "partial ", got)
	require.Error(t, streamErr)

	snaps := r.GetMetrics()
	assert.Equal(t, uint64(1), snaps["p1"].Failure)
	assert.Equal(t, uint64(0), snaps["p2"].Total)
}

func TestStartMetricsServerTwiceFails(t *testing.T) {
	r := newTestRouter(t, "round-robin", "mock-normal")
	t.Cleanup(func() { r.Close() })

	require.NoError(t, r.StartMetricsServer(0))
	require.Error(t, r.StartMetricsServer(0))
	require.NoError(t, r.StopMetricsServer())
	require.NoError(t, r.StopMetricsServer(), "stop must be idempotent")
}
