// Package exporter serves router metrics in the Prometheus text format.
// Every exporter owns its own registry, so multiple routers in one process
// export independently.
package exporter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/malorod/llmrouter/internal/health"
	"github.com/malorod/llmrouter/internal/metrics"
)

// refreshInterval is how often the background task re-reads the router's
// metrics snapshot into the exported series.
const refreshInterval = time.Second

// PortInUseError reports that the requested TCP port is already bound.
type PortInUseError struct {
	Port int
	Err  error
}

func (e *PortInUseError) Error() string {
	return fmt.Sprintf("metrics port %d is already in use, choose another port: %v", e.Port, e.Err)
}

func (e *PortInUseError) Unwrap() error { return e.Err }

// Exporter owns the metrics HTTP server and its refresh task.
type Exporter struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	tokens   *prometheus.CounterVec
	cost     *prometheus.CounterVec
	health   *prometheus.GaugeVec

	snapshots func() map[string]metrics.Snapshot
	logger    *zap.SugaredLogger
	healthSvc *health.Service

	mu       sync.Mutex
	server   *http.Server
	addr     string
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  bool
	stopped  bool
	lastSeen map[string]metrics.Snapshot
}

// New creates an exporter reading snapshots from the given source.
func New(snapshots func() map[string]metrics.Snapshot, logger *zap.SugaredLogger) *Exporter {
	registry := prometheus.NewRegistry()

	e := &Exporter{
		registry:  registry,
		snapshots: snapshots,
		logger:    logger,
		lastSeen:  make(map[string]metrics.Snapshot),
	}

	e.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_requests_total",
		Help: "Total requests per provider and status",
	}, []string{"provider", "status"})

	e.latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llm_request_latency_seconds",
		Help:    "Per-attempt request latency in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"provider"})

	e.tokens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_tokens_total",
		Help: "Tokens processed per provider and type",
	}, []string{"provider", "type"})

	e.cost = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_cost_total",
		Help: "Accrued cost in rubles per provider",
	}, []string{"provider"})

	e.health = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "llm_provider_health",
		Help: "Provider health (1 healthy, 0.5 degraded, 0 unhealthy)",
	}, []string{"provider"})

	registry.MustRegister(e.requests, e.latency, e.tokens, e.cost, e.health)

	return e
}

// AttachHealth mirrors provider health into a gRPC health service while
// the refresh task runs.
func (e *Exporter) AttachHealth(svc *health.Service) {
	e.healthSvc = svc
}

// ObserveLatency records one per-attempt latency observation directly into
// the histogram.
func (e *Exporter) ObserveLatency(providerName string, seconds float64) {
	e.latency.WithLabelValues(providerName).Observe(seconds)
}

// Start binds the HTTP server and launches the refresh task. A bound port
// surfaces as *PortInUseError.
func (e *Exporter) Start(port int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return fmt.Errorf("metrics exporter already started")
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		if isAddrInUse(err) {
			return &PortInUseError{Port: port, Err: err}
		}
		return fmt.Errorf("bind metrics port %d: %w", port, err)
	}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", e.handleHealthz).Methods(http.MethodGet)

	e.server = &http.Server{Handler: r}
	e.addr = listener.Addr().String()
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.started = true

	go func() {
		if err := e.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Errorw("metrics server failed", "error", err)
		}
	}()
	go e.refreshLoop()

	e.logger.Infow("metrics server started", "port", listener.Addr().(*net.TCPAddr).Port)
	return nil
}

// Addr returns the bound address, or empty before Start.
func (e *Exporter) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addr
}

// Stop cancels the refresh task and releases the port. It is idempotent.
func (e *Exporter) Stop() error {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	server := e.server
	e.mu.Unlock()

	close(e.stopCh)
	<-e.doneCh

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}

// refreshLoop re-reads snapshots once per interval, applying counter
// deltas and updating gauges until stopped.
func (e *Exporter) refreshLoop() {
	defer close(e.doneCh)

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.refresh()
		case <-e.stopCh:
			e.refresh()
			return
		}
	}
}

// refresh folds the current snapshots into the exported series. Counters
// only ever move by the delta since the previous pass.
func (e *Exporter) refresh() {
	snaps := e.snapshots()

	e.mu.Lock()
	defer e.mu.Unlock()

	for name, snap := range snaps {
		prev := e.lastSeen[name]

		if d := snap.Success - prev.Success; d > 0 {
			e.requests.WithLabelValues(name, "success").Add(float64(d))
		}
		if d := snap.Failure - prev.Failure; d > 0 {
			e.requests.WithLabelValues(name, "failure").Add(float64(d))
		}
		if d := snap.PromptTokens - prev.PromptTokens; d > 0 {
			e.tokens.WithLabelValues(name, "prompt").Add(float64(d))
		}
		if d := snap.CompletionTokens - prev.CompletionTokens; d > 0 {
			e.tokens.WithLabelValues(name, "completion").Add(float64(d))
		}
		if d := snap.CostRub - prev.CostRub; d > 0 {
			e.cost.WithLabelValues(name).Add(d)
		}

		e.health.WithLabelValues(name).Set(healthValue(snap.Health))
		if e.healthSvc != nil {
			e.healthSvc.SetProviderHealth(name, snap.Health)
		}

		e.lastSeen[name] = snap
	}
}

func healthValue(h metrics.HealthStatus) float64 {
	switch h {
	case metrics.Degraded:
		return 0.5
	case metrics.Unhealthy:
		return 0
	default:
		return 1
	}
}

// handleHealthz reports per-provider health as JSON.
func (e *Exporter) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	snaps := e.snapshots()

	status := http.StatusOK
	body := make(map[string]interface{}, len(snaps))
	for name, snap := range snaps {
		body[name] = map[string]interface{}{
			"health":            snap.HealthString(),
			"total":             snap.Total,
			"recent_error_rate": snap.RecentErrorRate,
		}
		if snap.Health == metrics.Unhealthy {
			status = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
