// Package metrics keeps per-provider request accounting: monotonic
// counters, a rolling latency window, a 60-second error window, and the
// derived health classification that drives routing decisions.
package metrics

import (
	"sync"
	"time"
)

const (
	// latencyRingSize bounds the rolling latency window to the last 100
	// successful observations.
	latencyRingSize = 100

	// recentWindow is the wall-clock span of the error-rate window.
	recentWindow = 60 * time.Second

	// minSampleSize is the request count below which a provider is
	// optimistically considered healthy and its error rate reads as 0.
	minSampleSize = 5
)

// HealthStatus is the derived three-state classification of a provider.
type HealthStatus int

const (
	Healthy HealthStatus = iota
	Degraded
	Unhealthy
)

func (h HealthStatus) String() string {
	switch h {
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	default:
		return "healthy"
	}
}

// ProviderMetrics is the mutable accounting record for one provider.
// Mutations take the record's mutex; reads produce point-in-time snapshots.
type ProviderMetrics struct {
	mu sync.Mutex

	total   uint64
	success uint64
	failure uint64

	promptTokens     uint64
	completionTokens uint64
	costRub          float64

	totalLatencyMS float64
	latencyRing    [latencyRingSize]float64
	ringLen        int
	ringPos        int

	failuresByKind map[string]uint64

	// Wall-clock timestamps of requests and errors inside recentWindow,
	// compacted lazily. Pre-allocated to keep the hot path off the heap.
	recentRequests []time.Time
	recentErrors   []time.Time

	now func() time.Time
}

// NewProviderMetrics creates an empty record.
func NewProviderMetrics() *ProviderMetrics {
	return &ProviderMetrics{
		failuresByKind: make(map[string]uint64),
		recentRequests: make([]time.Time, 0, 256),
		recentErrors:   make([]time.Time, 0, 64),
		now:            time.Now,
	}
}

// RecordSuccess accounts one successful attempt.
func (m *ProviderMetrics) RecordSuccess(latencyMS float64, promptTokens, completionTokens int, costRub float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total++
	m.success++
	m.promptTokens += uint64(promptTokens)
	m.completionTokens += uint64(completionTokens)
	m.costRub += costRub

	m.totalLatencyMS += latencyMS
	m.latencyRing[m.ringPos] = latencyMS
	m.ringPos = (m.ringPos + 1) % latencyRingSize
	if m.ringLen < latencyRingSize {
		m.ringLen++
	}

	m.recentRequests = appendCompacted(m.recentRequests, m.now())
}

// RecordFailure accounts one failed attempt.
func (m *ProviderMetrics) RecordFailure(latencyMS float64, errorKind string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total++
	m.failure++
	m.failuresByKind[errorKind]++

	ts := m.now()
	m.recentRequests = appendCompacted(m.recentRequests, ts)
	m.recentErrors = appendCompacted(m.recentErrors, ts)
}

// Snapshot captures a consistent point-in-time view of the record,
// including all derived fields.
type Snapshot struct {
	Total   uint64 `json:"total"`
	Success uint64 `json:"success"`
	Failure uint64 `json:"failure"`

	PromptTokens     uint64  `json:"prompt_tokens"`
	CompletionTokens uint64  `json:"completion_tokens"`
	TotalTokens      uint64  `json:"total_tokens"`
	CostRub          float64 `json:"cost_rub"`

	AvgLatencyMS        float64 `json:"avg_latency_ms"`
	RollingAvgLatencyMS float64 `json:"rolling_avg_latency_ms"`
	RecentErrorRate     float64 `json:"recent_error_rate"`

	FailuresByKind map[string]uint64 `json:"failures_by_kind,omitempty"`

	Health HealthStatus `json:"-"`
}

// HealthString is the health classification as a label value.
func (s Snapshot) HealthString() string { return s.Health.String() }

// Snapshot returns the current state with derived fields computed.
func (m *ProviderMetrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-recentWindow)
	m.recentRequests = compact(m.recentRequests, cutoff)
	m.recentErrors = compact(m.recentErrors, cutoff)

	s := Snapshot{
		Total:            m.total,
		Success:          m.success,
		Failure:          m.failure,
		PromptTokens:     m.promptTokens,
		CompletionTokens: m.completionTokens,
		TotalTokens:      m.promptTokens + m.completionTokens,
		CostRub:          m.costRub,
	}

	divisor := m.success
	if divisor == 0 {
		divisor = 1
	}
	s.AvgLatencyMS = m.totalLatencyMS / float64(divisor)

	if m.ringLen > 0 {
		var sum float64
		for i := 0; i < m.ringLen; i++ {
			sum += m.latencyRing[i]
		}
		s.RollingAvgLatencyMS = sum / float64(m.ringLen)
	}

	if m.total >= minSampleSize {
		recentTotal := len(m.recentRequests)
		if recentTotal == 0 {
			recentTotal = 1
		}
		s.RecentErrorRate = float64(len(m.recentErrors)) / float64(recentTotal)
	}

	if len(m.failuresByKind) > 0 {
		s.FailuresByKind = make(map[string]uint64, len(m.failuresByKind))
		for k, v := range m.failuresByKind {
			s.FailuresByKind[k] = v
		}
	}

	s.Health = classify(s, m.total)
	return s
}

// classify derives the health status from a snapshot.
func classify(s Snapshot, total uint64) HealthStatus {
	if total < minSampleSize {
		return Healthy
	}
	switch {
	case s.RecentErrorRate >= 0.6:
		return Unhealthy
	case s.RecentErrorRate >= 0.3:
		return Degraded
	case s.Success >= 20 && s.AvgLatencyMS > 0 && s.RollingAvgLatencyMS > 2*s.AvgLatencyMS:
		return Degraded
	default:
		return Healthy
	}
}

// appendCompacted drops expired entries before appending, bounding growth
// under sustained traffic without a fixed-size allocation per sample.
func appendCompacted(ts []time.Time, t time.Time) []time.Time {
	if len(ts) == cap(ts) {
		ts = compact(ts, t.Add(-recentWindow))
	}
	return append(ts, t)
}

// compact removes timestamps at or before the cutoff, preserving order and
// reusing the backing array.
func compact(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	n := copy(ts, ts[i:])
	return ts[:n]
}
