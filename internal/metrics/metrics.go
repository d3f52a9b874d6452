package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments for the dispatch engine. One
// instance is created by the app and injected where needed; there is no
// package-global registry.
type Metrics struct {
	MessagesSentTotal   *prometheus.CounterVec
	MessagesFailedTotal *prometheus.CounterVec
	RateLimitedTotal    *prometheus.CounterVec
	LockContentionTotal prometheus.Counter

	DispatchTicksTotal      prometheus.Counter
	DispatchDurationSeconds prometheus.Histogram
	CampaignsRunning        prometheus.Gauge
	SessionsByStatus        *prometheus.GaugeVec

	registry *prometheus.Registry
}

// New creates a metrics instance with all instruments registered on a fresh
// registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaigner_messages_sent_total",
				Help: "Total messages handed to the channel successfully",
			},
			[]string{"priority"},
		),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaigner_messages_failed_total",
				Help: "Total messages the channel rejected",
			},
			[]string{"priority"},
		),
		RateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaigner_rate_limited_total",
				Help: "Total send attempts denied by the rate limiter",
			},
			[]string{"reason"},
		),
		LockContentionTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "campaigner_lock_contention_total",
				Help: "Total dispatch attempts skipped because the entry was locked",
			},
		),
		DispatchTicksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "campaigner_dispatch_ticks_total",
				Help: "Total dispatch loop passes",
			},
		),
		DispatchDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "campaigner_dispatch_duration_seconds",
				Help:    "Duration of one dispatch pass",
				Buckets: prometheus.DefBuckets,
			},
		),
		CampaignsRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "campaigner_campaigns_running",
				Help: "Campaigns currently in running state",
			},
		),
		SessionsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "campaigner_sessions",
				Help: "Sessions by persisted status",
			},
			[]string{"status"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.RateLimitedTotal,
		m.LockContentionTotal,
		m.DispatchTicksTotal,
		m.DispatchDurationSeconds,
		m.CampaignsRunning,
		m.SessionsByStatus,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
