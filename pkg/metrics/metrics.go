package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "frontdoor"

// Registry holds the gateway's Prometheus collectors. Each Registry owns its
// own prometheus.Registry so tests can build as many as they like.
type Registry struct {
	reg *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec

	GateDecisions *prometheus.CounterVec
	CacheLookups  *prometheus.CounterVec

	MergeOutcomes  *prometheus.CounterVec
	IngestMessages *prometheus.CounterVec

	AuditPublished  *prometheus.CounterVec
	AuditQueueDepth prometheus.Gauge
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Registry{
		reg: reg,
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		HTTPLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		GateDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_decisions_total",
			Help:      "Access gate decisions.",
		}, []string{"decision"}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "block_cache_lookups_total",
			Help:      "Block cache lookups by tier and result.",
		}, []string{"tier", "result"}),
		MergeOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blacklist_merge_outcomes_total",
			Help:      "Blacklist merge outcomes.",
		}, []string{"outcome"}),
		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blacklist_messages_total",
			Help:      "Blacklist feed messages by handling result.",
		}, []string{"result"}),
		AuditPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_snapshots_total",
			Help:      "Audit snapshots by kind and publish result.",
		}, []string{"kind", "result"}),
		AuditQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audit_queue_depth",
			Help:      "Snapshots waiting to be published.",
		}),
	}
}

// StreamSource reports the operator event hub's state.
type StreamSource interface {
	Subscribers() int
	Dropped() uint64
}

// WatchStream exports the hub's subscriber count and dropped deliveries,
// read at scrape time.
func (r *Registry) WatchStream(src StreamSource) {
	r.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_subscribers",
			Help:      "Operator stream connections.",
		}, func() float64 { return float64(src.Subscribers()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_dropped_events_total",
			Help:      "Events skipped because an operator stream was full.",
		}, func() float64 { return float64(src.Dropped()) }),
	)
}

// Handler serves the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

func (r *Registry) ObserveHTTP(route, method string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	r.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	r.HTTPLatency.WithLabelValues(route).Observe(d.Seconds())
}

func (r *Registry) CacheLookup(tier, result string) {
	r.CacheLookups.WithLabelValues(tier, result).Inc()
}

func (r *Registry) GateDecision(decision string) {
	r.GateDecisions.WithLabelValues(decision).Inc()
}

func (r *Registry) MergeOutcome(outcome string) {
	r.MergeOutcomes.WithLabelValues(outcome).Inc()
}

func (r *Registry) IngestResult(result string) {
	r.IngestMessages.WithLabelValues(result).Inc()
}

func (r *Registry) AuditResult(kind, result string) {
	r.AuditPublished.WithLabelValues(kind, result).Inc()
}

func (r *Registry) SetAuditQueueDepth(n int) {
	r.AuditQueueDepth.Set(float64(n))
}
