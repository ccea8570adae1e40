package twm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the Prometheus instrumentation for a Manager, registered
// through promauto against a registry supplied by the caller.
type Metrics struct {
	WindowUsagePercent    prometheus.Gauge
	CacheCreationTokens   prometheus.Counter
	CacheReadTokens       prometheus.Counter
	ErrorStreak           prometheus.Gauge
	JITInjectionsTotal    prometheus.Counter
	OversizeOffloadsTotal prometheus.Counter
}

// NewMetrics registers the token-window gauges and counters against reg. A
// nil reg creates the collectors without registering them anywhere.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		WindowUsagePercent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "twm",
			Name:      "window_usage_percent",
			Help:      "Most recently computed context window usage percentage.",
		}),
		CacheCreationTokens: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "twm",
			Name:      "cache_creation_tokens_total",
			Help:      "Cumulative cache_creation_input_tokens across all turns.",
		}),
		CacheReadTokens: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "twm",
			Name:      "cache_read_tokens_total",
			Help:      "Cumulative cache_read_input_tokens across all turns.",
		}),
		ErrorStreak: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "twm",
			Name:      "error_streak",
			Help:      "Consecutive recache_message_array errors for the most recently processed conversation.",
		}),
		JITInjectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "twm",
			Name:      "jit_injections_total",
			Help:      "Total number of JIT prompt injections performed.",
		}),
		OversizeOffloadsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "twm",
			Name:      "oversize_offloads_total",
			Help:      "Total number of registers offloaded to disk for being oversize.",
		}),
	}
}

// Observe records the outcome of one ProcessRequest call.
func (m *Metrics) Observe(result ProcessResult, offloadCount int) {
	if m == nil {
		return
	}
	m.WindowUsagePercent.Set(float64(result.Percentage))
	m.CacheCreationTokens.Add(float64(result.CacheStats.CacheCreationInputTokens))
	m.CacheReadTokens.Add(float64(result.CacheStats.CacheReadInputTokens))
	if result.JITActive {
		m.JITInjectionsTotal.Inc()
	}
	if offloadCount > 0 {
		m.OversizeOffloadsTotal.Add(float64(offloadCount))
	}
}

// SetErrorStreak records the current consecutive-error count for the most
// recently processed conversation.
func (m *Metrics) SetErrorStreak(n int) {
	if m == nil {
		return
	}
	m.ErrorStreak.Set(float64(n))
}
