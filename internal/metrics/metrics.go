// Package metrics implements the Prometheus instrumentation §11's domain
// stack calls for: per-connector call/error counters, cache hit ratio,
// circuit/quota/blacklist gauges, and streaming session state, exposed via
// promhttp at /metrics.
//
// Grounded on interfaces/http.MetricsRegistry's shape (one struct of
// *Vec/Gauge fields built in a constructor and registered in bulk with
// prometheus.MustRegister), generalized from cryptorun's regime/pipeline
// label set to borsa's connector/capability/cache label set.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every Prometheus collector this repository emits.
type Registry struct {
	CallDuration *prometheus.HistogramVec
	CallTotal    *prometheus.CounterVec
	CallErrors   *prometheus.CounterVec

	CacheHitRatio prometheus.Gauge
	CacheHits     *prometheus.CounterVec
	CacheMisses   *prometheus.CounterVec

	CircuitState       *prometheus.GaugeVec
	QuotaRemaining     *prometheus.GaugeVec
	BlacklistedSeconds *prometheus.GaugeVec

	StreamActiveSessions *prometheus.GaugeVec
	StreamReconnects     *prometheus.CounterVec
	StreamUpdatesTotal   *prometheus.CounterVec
}

// NewRegistry constructs and registers every collector. Call once per
// process; building a second Registry in the same process will panic on
// duplicate registration, matching prometheus.MustRegister's contract.
func NewRegistry() *Registry {
	r := &Registry{
		CallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "borsa_call_duration_seconds",
				Help:    "Duration of a single connector capability call.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"connector", "capability", "result"},
		),
		CallTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "borsa_calls_total",
				Help: "Total connector capability calls by outcome.",
			},
			[]string{"connector", "capability", "result"},
		),
		CallErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "borsa_call_errors_total",
				Help: "Total connector capability call failures by error type.",
			},
			[]string{"connector", "capability", "error_type"},
		),
		CacheHitRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "borsa_cache_hit_ratio",
			Help: "Rolling cache hit ratio across all capabilities.",
		}),
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "borsa_cache_hits_total", Help: "Total cache hits."},
			[]string{"capability"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "borsa_cache_misses_total", Help: "Total cache misses."},
			[]string{"capability"},
		),
		CircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "borsa_circuit_state", Help: "0=closed 1=half-open 2=open."},
			[]string{"connector"},
		),
		QuotaRemaining: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "borsa_quota_remaining", Help: "Remaining calls in the current quota window."},
			[]string{"connector"},
		),
		BlacklistedSeconds: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "borsa_blacklisted_seconds", Help: "Seconds remaining in a connector's blacklist window (0 if clear)."},
			[]string{"connector"},
		),
		StreamActiveSessions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "borsa_stream_active_sessions", Help: "Active streaming sessions by provider."},
			[]string{"connector", "kind"},
		),
		StreamReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "borsa_stream_reconnects_total", Help: "Total streaming reconnect attempts."},
			[]string{"connector", "kind"},
		),
		StreamUpdatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "borsa_stream_updates_total", Help: "Total streamed quote updates forwarded."},
			[]string{"connector", "kind"},
		),
	}

	prometheus.MustRegister(
		r.CallDuration, r.CallTotal, r.CallErrors,
		r.CacheHitRatio, r.CacheHits, r.CacheMisses,
		r.CircuitState, r.QuotaRemaining, r.BlacklistedSeconds,
		r.StreamActiveSessions, r.StreamReconnects, r.StreamUpdatesTotal,
	)
	return r
}

// CallTimer measures one capability call's wall-clock duration.
type CallTimer struct {
	r          *Registry
	connector  string
	capability string
	start      time.Time
}

func (r *Registry) StartCall(connector, capability string) *CallTimer {
	return &CallTimer{r: r, connector: connector, capability: capability, start: time.Now()}
}

func (t *CallTimer) Success() {
	t.r.CallDuration.WithLabelValues(t.connector, t.capability, "success").Observe(time.Since(t.start).Seconds())
	t.r.CallTotal.WithLabelValues(t.connector, t.capability, "success").Inc()
}

func (t *CallTimer) Failure(errorType string) {
	t.r.CallDuration.WithLabelValues(t.connector, t.capability, "failure").Observe(time.Since(t.start).Seconds())
	t.r.CallTotal.WithLabelValues(t.connector, t.capability, "failure").Inc()
	t.r.CallErrors.WithLabelValues(t.connector, t.capability, errorType).Inc()
}

func (r *Registry) RecordCacheHit(capability string)  { r.CacheHits.WithLabelValues(capability).Inc() }
func (r *Registry) RecordCacheMiss(capability string) { r.CacheMisses.WithLabelValues(capability).Inc() }

// SetCacheHitRatio records a cache Stats snapshot's HitRatio(); cmd/borsad
// does not call it, so the gauge moves only when a caller sets it.
func (r *Registry) SetCacheHitRatio(ratio float64) { r.CacheHitRatio.Set(ratio) }

func (r *Registry) SetCircuitState(connector string, state int) {
	r.CircuitState.WithLabelValues(connector).Set(float64(state))
}

func (r *Registry) SetQuotaRemaining(connector string, remaining uint64) {
	r.QuotaRemaining.WithLabelValues(connector).Set(float64(remaining))
}

func (r *Registry) SetBlacklistedSeconds(connector string, seconds float64) {
	r.BlacklistedSeconds.WithLabelValues(connector).Set(seconds)
}

func (r *Registry) SetStreamActiveSessions(connector, kind string, n int) {
	r.StreamActiveSessions.WithLabelValues(connector, kind).Set(float64(n))
}

func (r *Registry) RecordStreamReconnect(connector, kind string) {
	r.StreamReconnects.WithLabelValues(connector, kind).Inc()
}

func (r *Registry) RecordStreamUpdate(connector, kind string) {
	r.StreamUpdatesTotal.WithLabelValues(connector, kind).Inc()
}

// Handler returns the standard promhttp scrape endpoint.
func (r *Registry) Handler() http.Handler { return promhttp.Handler() }
