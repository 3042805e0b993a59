package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors exported by the ingestion pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	UpstreamCalls    *prometheus.CounterVec
	UpstreamRetries  *prometheus.CounterVec
	UpstreamDuration *prometheus.HistogramVec
	CacheHits        *prometheus.CounterVec
	CacheMisses      *prometheus.CounterVec
	QuotaRemaining   *prometheus.GaugeVec
	QuotaWaits       *prometheus.CounterVec
	Onboarded        *prometheus.CounterVec
	SyncJobs         *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers the pipeline collectors on reg
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		UpstreamCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devcohort_upstream_calls_total",
				Help: "Upstream API calls by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),
		UpstreamRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devcohort_upstream_retries_total",
				Help: "Retried upstream attempts by channel",
			},
			[]string{"channel"},
		),
		UpstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "devcohort_upstream_duration_seconds",
				Help:    "Upstream call latency in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"channel"},
		),
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devcohort_cache_hits_total",
				Help: "Response cache hits by volatility class",
			},
			[]string{"class"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devcohort_cache_misses_total",
				Help: "Response cache misses by volatility class",
			},
			[]string{"class"},
		),
		QuotaRemaining: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "devcohort_quota_remaining",
				Help: "Last observed remaining quota by channel",
			},
			[]string{"channel"},
		),
		QuotaWaits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devcohort_quota_waits_total",
				Help: "Suspensions until quota reset by channel",
			},
			[]string{"channel"},
		),
		Onboarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devcohort_onboarding_total",
				Help: "User onboarding outcomes",
			},
			[]string{"outcome"},
		),
		SyncJobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devcohort_sync_jobs_total",
				Help: "Finished sync jobs by type and status",
			},
			[]string{"type", "status"},
		),
		gatherer: reg,
	}

	reg.MustRegister(
		m.UpstreamCalls,
		m.UpstreamRetries,
		m.UpstreamDuration,
		m.CacheHits,
		m.CacheMisses,
		m.QuotaRemaining,
		m.QuotaWaits,
		m.Onboarded,
		m.SyncJobs,
	)
	return m
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveCall(channel, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.UpstreamCalls.WithLabelValues(channel, outcome).Inc()
	m.UpstreamDuration.WithLabelValues(channel).Observe(seconds)
}

func (m *Metrics) IncRetry(channel string) {
	if m == nil {
		return
	}
	m.UpstreamRetries.WithLabelValues(channel).Inc()
}

func (m *Metrics) IncCache(class string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.WithLabelValues(class).Inc()
		return
	}
	m.CacheMisses.WithLabelValues(class).Inc()
}

func (m *Metrics) SetQuota(channel string, remaining int) {
	if m == nil {
		return
	}
	m.QuotaRemaining.WithLabelValues(channel).Set(float64(remaining))
}

func (m *Metrics) IncQuotaWait(channel string) {
	if m == nil {
		return
	}
	m.QuotaWaits.WithLabelValues(channel).Inc()
}

func (m *Metrics) IncOnboarding(outcome string) {
	if m == nil {
		return
	}
	m.Onboarded.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncSyncJob(jobType, status string) {
	if m == nil {
		return
	}
	m.SyncJobs.WithLabelValues(jobType, status).Inc()
}
