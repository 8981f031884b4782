// Package metrics exposes paygate's Prometheus collectors.
//
// All methods are safe on a nil *Metrics so components can run without a
// registry in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "paygate"

// Metrics groups the gateway's collectors.
type Metrics struct {
	webhookRequests *prometheus.CounterVec
	paymentOutcomes *prometheus.CounterVec
	backendCalls    *prometheus.CounterVec
	backendLatency  *prometheus.HistogramVec
	supportedCache  *prometheus.CounterVec
	registrations   *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		webhookRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "requests_total",
			Help:      "Webhook requests by endpoint kind and HTTP status.",
		}, []string{"kind", "status"}),
		paymentOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payment",
			Name:      "outcomes_total",
			Help:      "x402 payment outcomes by network and result.",
		}, []string{"network", "outcome"}),
		backendCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "calls_total",
			Help:      "Calls to the payment backend by operation and result.",
		}, []string{"op", "result"}),
		backendLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "call_duration_seconds",
			Help:      "Latency of payment backend calls.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"op"}),
		supportedCache: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supported_cache",
			Name:      "lookups_total",
			Help:      "Supported-token registry lookups by result (hit, miss).",
		}, []string{"result"}),
		registrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "directory",
			Name:      "registrations_total",
			Help:      "Resource directory registration attempts by result.",
		}, []string{"result"}),
	}
}

// WebhookRequest counts a finished webhook request.
func (m *Metrics) WebhookRequest(kind string, status int) {
	if m == nil {
		return
	}
	m.webhookRequests.WithLabelValues(kind, statusClass(status)).Inc()
}

// PaymentOutcome counts a terminal payment state: rejected, settled,
// unresolved or failed.
func (m *Metrics) PaymentOutcome(network, outcome string) {
	if m == nil {
		return
	}
	m.paymentOutcomes.WithLabelValues(network, outcome).Inc()
}

// BackendCall records one backend call.
func (m *Metrics) BackendCall(op string, started time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.backendCalls.WithLabelValues(op, result).Inc()
	m.backendLatency.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// SupportedLookup counts a registry cache hit or miss.
func (m *Metrics) SupportedLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.supportedCache.WithLabelValues("hit").Inc()
		return
	}
	m.supportedCache.WithLabelValues("miss").Inc()
}

// Registration counts a directory registration attempt.
func (m *Metrics) Registration(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.registrations.WithLabelValues("error").Inc()
		return
	}
	m.registrations.WithLabelValues("ok").Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// WatchEventDrops exports dropped, a running count of events not delivered
// to slow SSE subscribers, as a counter.
func WatchEventDrops(reg prometheus.Registerer, dropped func() uint64) {
	promauto.With(reg).NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Events skipped for subscribers whose buffer was full.",
	}, func() float64 { return float64(dropped()) })
}
