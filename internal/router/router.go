// Package router dispatches generation requests across registered LLM
// providers: strategy-driven selection, transparent failover, per-provider
// metrics accounting, and the Prometheus export lifecycle.
package router

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/malorod/llmrouter/internal/exporter"
	"github.com/malorod/llmrouter/internal/health"
	"github.com/malorod/llmrouter/internal/metrics"
	"github.com/malorod/llmrouter/internal/pricing"
	"github.com/malorod/llmrouter/internal/provider"
	"github.com/malorod/llmrouter/internal/tokenizer"
)

// Router owns an ordered provider list, per-provider metrics records, and
// an optional metrics exporter. All state is instance-local; two routers
// in one process are fully independent.
type Router struct {
	strategy Strategy
	logger   *zap.SugaredLogger

	mu        sync.RWMutex
	providers []provider.Provider
	records   map[string]*metrics.ProviderMetrics

	rrIndex atomic.Uint64

	rngMu sync.Mutex
	rng   *rand.Rand

	tokens *tokenizer.Counter
	prices *pricing.Table

	expMu      sync.Mutex
	exp        *exporter.Exporter
	expStarted bool
	healthSvc  *health.Service

	observeMu sync.RWMutex
	observe   func(providerName string, seconds float64)
}

// Option customizes router construction.
type Option func(*Router)

// WithLogger installs a structured logger. The default is a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Router) { r.logger = logger.Sugar() }
}

// WithRandSeed pins the random strategy's source, for deterministic tests.
func WithRandSeed(seed int64) Option {
	return func(r *Router) { r.rng = rand.New(rand.NewSource(seed)) }
}

// WithPricing replaces the built-in pricing table.
func WithPricing(table *pricing.Table) Option {
	return func(r *Router) { r.prices = table }
}

// WithHealthService attaches a gRPC health service that mirrors the
// per-provider health classification while the metrics server runs.
func WithHealthService(svc *health.Service) Option {
	return func(r *Router) { r.healthSvc = svc }
}

// New creates a router with the given strategy. Invalid strategy names
// fail fast.
func New(strategy string, opts ...Option) (*Router, error) {
	s, err := ParseStrategy(strategy)
	if err != nil {
		return nil, err
	}

	r := &Router{
		strategy: s,
		logger:   zap.NewNop().Sugar(),
		records:  make(map[string]*metrics.ProviderMetrics),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.tokens == nil {
		r.tokens = tokenizer.NewCounter(r.logger)
	}
	if r.prices == nil {
		r.prices = pricing.NewTable(r.logger)
	}
	return r, nil
}

// AddProvider registers a provider. Names must be unique and non-empty;
// the router creates the provider's metrics record here and owns it until
// Close.
func (r *Router) AddProvider(p provider.Provider) error {
	name := p.Describe().Name
	if name == "" {
		return fmt.Errorf("provider name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[name]; exists {
		return fmt.Errorf("provider %s already registered", name)
	}
	r.providers = append(r.providers, p)
	r.records[name] = metrics.NewProviderMetrics()

	r.logger.Infow("provider registered",
		"provider", name,
		"kind", p.Describe().Kind,
		"model", p.Describe().Model,
	)
	return nil
}

// snapshotProviders returns the current registration-ordered list.
func (r *Router) snapshotProviders() []provider.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]provider.Provider, len(r.providers))
	copy(out, r.providers)
	return out
}

// Route services one unary generation call: pick a starting provider via
// the strategy, then walk the remaining providers in ring order until one
// succeeds. If every attempt fails the last error is surfaced.
func (r *Router) Route(ctx context.Context, prompt string, params *provider.GenerationParams) (string, error) {
	providers := r.snapshotProviders()
	if len(providers) == 0 {
		return "", fmt.Errorf("no providers registered")
	}

	start := r.startIndex(ctx, providers)
	var lastErr error

	for i := 0; i < len(providers); i++ {
		p := providers[(start+i)%len(providers)]
		ident := p.Describe()

		began := time.Now()
		text, err := p.Generate(ctx, prompt, params)
		latency := time.Since(began)

		if err != nil {
			if ctx.Err() != nil {
				// Cancelled calls are neither success nor failure and do
				// not fall through to other providers.
				return "", ctx.Err()
			}
			r.recordFailure(ident, latency, err, false)
			lastErr = err
			continue
		}

		r.recordSuccess(ident, latency, prompt, text, false)
		return text, nil
	}

	return "", lastErr
}

// RouteStream services one streaming call. Fallback applies only while the
// stream is still pre-flight: once any chunk has reached the caller, a
// later error terminates the stream without retrying elsewhere.
func (r *Router) RouteStream(ctx context.Context, prompt string, params *provider.GenerationParams) (<-chan provider.StreamChunk, error) {
	providers := r.snapshotProviders()
	if len(providers) == 0 {
		return nil, fmt.Errorf("no providers registered")
	}

	start := r.startIndex(ctx, providers)
	var lastErr error

	for i := 0; i < len(providers); i++ {
		p := providers[(start+i)%len(providers)]
		ident := p.Describe()

		began := time.Now()
		ch, err := p.GenerateStream(ctx, prompt, params)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.recordFailure(ident, time.Since(began), err, true)
			lastErr = err
			continue
		}

		first, ok := <-ch
		if ok && first.Err != nil {
			// Failed before anything reached the caller; still eligible
			// for fallback.
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.recordFailure(ident, time.Since(began), first.Err, true)
			lastErr = first.Err
			continue
		}

		out := make(chan provider.StreamChunk)
		go r.pipeStream(ctx, ident, began, prompt, first, ok, ch, out)
		return out, nil
	}

	return nil, lastErr
}

// pipeStream forwards chunks to the caller, accumulating content so the
// completion can be accounted when the stream ends.
func (r *Router) pipeStream(ctx context.Context, ident provider.Identity, began time.Time, prompt string, first provider.StreamChunk, haveFirst bool, in <-chan provider.StreamChunk, out chan<- provider.StreamChunk) {
	defer close(out)

	var completion []byte

	deliver := func(chunk provider.StreamChunk) bool {
		select {
		case out <- chunk:
			completion = append(completion, chunk.Content...)
			return true
		case <-ctx.Done():
			return false
		}
	}

	if haveFirst {
		if !deliver(first) {
			return
		}
		for chunk := range in {
			if chunk.Err != nil {
				// Mid-stream failure: report, no fallback.
				if ctx.Err() == nil {
					r.recordFailure(ident, time.Since(began), chunk.Err, true)
					deliver(chunk)
				}
				return
			}
			if !deliver(chunk) {
				return
			}
		}
	}

	if ctx.Err() != nil {
		return
	}
	r.recordSuccess(ident, time.Since(began), prompt, string(completion), true)
}

// recordSuccess accounts a successful attempt and emits request_completed.
func (r *Router) recordSuccess(ident provider.Identity, latency time.Duration, prompt, completion string, streaming bool) {
	promptTokens := r.tokens.Count(prompt, ident.Model)
	completionTokens := r.tokens.Count(completion, ident.Model)
	cost := r.prices.Cost(ident.Kind, ident.Model, promptTokens+completionTokens)
	latencyMS := float64(latency.Microseconds()) / 1000.0

	if rec := r.record(ident.Name); rec != nil {
		rec.RecordSuccess(latencyMS, promptTokens, completionTokens, cost)
	}
	r.observeLatency(ident.Name, latency)

	r.logger.Infow("request_completed",
		"provider", ident.Name,
		"model", ident.Model,
		"latency_ms", latencyMS,
		"streaming", streaming,
		"success", true,
		"prompt_tokens", promptTokens,
		"completion_tokens", completionTokens,
		"total_tokens", promptTokens+completionTokens,
		"cost_rub", math.Round(cost*100)/100,
	)
}

// recordFailure accounts a failed attempt and emits request_failed.
func (r *Router) recordFailure(ident provider.Identity, latency time.Duration, err error, streaming bool) {
	kind := provider.KindOf(err)
	latencyMS := float64(latency.Microseconds()) / 1000.0

	if rec := r.record(ident.Name); rec != nil {
		rec.RecordFailure(latencyMS, kind.String())
	}
	r.observeLatency(ident.Name, latency)

	r.logger.Warnw("request_failed",
		"provider", ident.Name,
		"model", ident.Model,
		"latency_ms", latencyMS,
		"streaming", streaming,
		"success", false,
		"error_kind", kind.String(),
		"error", err.Error(),
	)
}

func (r *Router) record(name string) *metrics.ProviderMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.records[name]
}

// observeLatency feeds the exporter's per-attempt histogram when the
// metrics server is running.
func (r *Router) observeLatency(name string, latency time.Duration) {
	r.observeMu.RLock()
	fn := r.observe
	r.observeMu.RUnlock()
	if fn != nil {
		fn(name, latency.Seconds())
	}
}

// GetMetrics returns a point-in-time snapshot per provider.
func (r *Router) GetMetrics() map[string]metrics.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]metrics.Snapshot, len(r.records))
	for name, rec := range r.records {
		out[name] = rec.Snapshot()
	}
	return out
}

// StartMetricsServer starts the Prometheus exporter on the given port. It
// may be called at most once per router.
func (r *Router) StartMetricsServer(port int) error {
	r.expMu.Lock()
	defer r.expMu.Unlock()

	if r.expStarted {
		return fmt.Errorf("metrics server already started for this router")
	}

	exp := exporter.New(r.GetMetrics, r.logger)
	if r.healthSvc != nil {
		exp.AttachHealth(r.healthSvc)
	}
	if err := exp.Start(port); err != nil {
		return err
	}

	r.observeMu.Lock()
	r.observe = exp.ObserveLatency
	r.observeMu.Unlock()

	r.exp = exp
	r.expStarted = true
	return nil
}

// MetricsAddr returns the exporter's bound address, or empty when the
// metrics server is not running.
func (r *Router) MetricsAddr() string {
	r.expMu.Lock()
	defer r.expMu.Unlock()
	if r.exp == nil {
		return ""
	}
	return r.exp.Addr()
}

// StopMetricsServer stops the exporter. It is safe to call when no
// exporter is running.
func (r *Router) StopMetricsServer() error {
	r.expMu.Lock()
	defer r.expMu.Unlock()

	if r.exp == nil {
		return nil
	}

	r.observeMu.Lock()
	r.observe = nil
	r.observeMu.Unlock()

	err := r.exp.Stop()
	r.exp = nil
	return err
}

// Close stops the exporter and releases every provider transport the
// router owns.
func (r *Router) Close() error {
	err := r.StopMetricsServer()

	for _, p := range r.snapshotProviders() {
		if closer, ok := p.(io.Closer); ok {
			if cerr := closer.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	}
	return err
}
