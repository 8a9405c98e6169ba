package router

import (
	"context"
	"fmt"

	"github.com/malorod/llmrouter/internal/metrics"
	"github.com/malorod/llmrouter/internal/provider"
)

// Strategy names the rule for picking the starting provider of a call.
type Strategy string

const (
	StrategyRoundRobin     Strategy = "round-robin"
	StrategyRandom         Strategy = "random"
	StrategyFirstAvailable Strategy = "first-available"
	StrategyBestAvailable  Strategy = "best-available"
)

// ParseStrategy validates a strategy name. Unknown names fail fast at
// router construction.
func ParseStrategy(name string) (Strategy, error) {
	switch Strategy(name) {
	case StrategyRoundRobin, StrategyRandom, StrategyFirstAvailable, StrategyBestAvailable:
		return Strategy(name), nil
	default:
		return "", fmt.Errorf("unknown routing strategy %q", name)
	}
}

// startIndex chooses the starting provider index for one call.
func (r *Router) startIndex(ctx context.Context, providers []provider.Provider) int {
	n := len(providers)

	switch r.strategy {
	case StrategyRandom:
		r.rngMu.Lock()
		defer r.rngMu.Unlock()
		return r.rng.Intn(n)

	case StrategyFirstAvailable:
		for i, p := range providers {
			if p.HealthCheck(ctx) {
				return i
			}
		}
		// Nobody passed the probe; let the fallback loop try them all.
		return 0

	case StrategyBestAvailable:
		return r.bestAvailable(providers)

	default: // round-robin
		return int((r.rrIndex.Add(1) - 1) % uint64(n))
	}
}

// bestAvailable groups providers by derived health, preferring healthy
// over degraded over unhealthy, and picks the lowest effective latency
// within the best non-empty group. Ties keep registration order.
func (r *Router) bestAvailable(providers []provider.Provider) int {
	best := 0
	bestHealth := metrics.Unhealthy + 1
	bestLatency := 0.0

	for i, p := range providers {
		rec := r.record(p.Describe().Name)
		if rec == nil {
			continue
		}
		snap := rec.Snapshot()

		latency := snap.RollingAvgLatencyMS
		if latency == 0 {
			latency = snap.AvgLatencyMS
		}

		if snap.Health < bestHealth || (snap.Health == bestHealth && latency < bestLatency) {
			best = i
			bestHealth = snap.Health
			bestLatency = latency
		}
	}
	return best
}
