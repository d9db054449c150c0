// Package metrics exposes Prometheus instruments for the call engine and the
// HTTP surface. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg *prometheus.Registry

	webhookEvents *prometheus.CounterVec
	orphanEvents  *prometheus.CounterVec
	placements    *prometheus.CounterVec
	syncRuns      *prometheus.CounterVec
	syncFields    *prometheus.CounterVec
	activeCalls   *prometheus.GaugeVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpInFlight prometheus.Gauge
}

// New registers every instrument on a fresh registry, plus the Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		webhookEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Provider webhook events received, by provider and event kind",
		}, []string{"provider", "kind"}),
		orphanEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_orphan_events_total",
			Help: "Webhook events that matched no local call",
		}, []string{"provider"}),
		placements: f.NewCounterVec(prometheus.CounterOpts{
			Name: "call_placements_total",
			Help: "Outbound call placement attempts, by result",
		}, []string{"result"}),
		syncRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "call_sync_runs_total",
			Help: "Reconciliation passes, by trigger and result",
		}, []string{"trigger", "result"}),
		syncFields: f.NewCounterVec(prometheus.CounterOpts{
			Name: "call_sync_fields_recovered_total",
			Help: "Call fields filled in by reconciliation",
		}, []string{"field"}),
		activeCalls: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dialer_active_calls",
			Help: "Calls currently holding a dialer slot, by campaign",
		}, []string{"campaign"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		httpInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Number of HTTP requests currently being served",
		}),
	}
}

func (m *Metrics) WebhookEvent(provider, kind string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(provider, kind).Inc()
}

func (m *Metrics) OrphanEvent(provider string) {
	if m == nil {
		return
	}
	m.orphanEvents.WithLabelValues(provider).Inc()
}

func (m *Metrics) Placement(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.placements.WithLabelValues(result).Inc()
}

// SyncRun records one reconciliation pass. result is "synced", "unchanged" or "error".
func (m *Metrics) SyncRun(trigger, result string, fields []string) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(trigger, result).Inc()
	for _, f := range fields {
		m.syncFields.WithLabelValues(f).Inc()
	}
}

func (m *Metrics) SetActiveCalls(campaignID string, n int) {
	if m == nil {
		return
	}
	m.activeCalls.WithLabelValues(campaignID).Set(float64(n))
}

// Middleware records request count, latency and in-flight requests. Labels
// use the matched route template to keep cardinality low.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		labels := prometheus.Labels{
			"method": c.Request.Method,
			"route":  route,
			"status": strconv.Itoa(c.Writer.Status()),
		}
		m.httpRequests.With(labels).Inc()
		m.httpDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }
