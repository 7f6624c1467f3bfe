// Package metrics exposes prometheus collectors for the engine and the
// dispatcher.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "klingvault"

// Metrics groups every collector. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	draftsBuilt   *prometheus.CounterVec
	draftsOpen    prometheus.Gauge
	signatures    *prometheus.CounterVec
	signDenied    *prometheus.CounterVec
	threatLevels  *prometheus.CounterVec
	challenges    *prometheus.CounterVec
	requests      *prometheus.CounterVec
	requestTiming *prometheus.HistogramVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		draftsBuilt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "drafts_built_total",
			Help:      "Unsigned transaction drafts built, by chain.",
		}, []string{"chain"}),
		draftsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "drafts_open",
			Help:      "Drafts waiting to be signed or released.",
		}),
		signatures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "signatures_total",
			Help:      "Transactions signed, by chain.",
		}, []string{"chain"}),
		signDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "sign_denied_total",
			Help:      "Signing requests refused, by reason.",
		}, []string{"reason"}),
		threatLevels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "threat",
			Name:      "assessments_total",
			Help:      "Address assessments, by resulting level.",
		}, []string{"level"}),
		challenges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "challenge",
			Name:      "verifications_total",
			Help:      "Challenge verifications, by status.",
		}, []string{"status"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Dispatched operations, by op and result code.",
		}, []string{"op", "code"}),
		requestTiming: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "request_duration_seconds",
			Help:      "Time spent handling dispatched operations.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"op"}),
	}
	m.registry.MustRegister(
		m.draftsBuilt,
		m.draftsOpen,
		m.signatures,
		m.signDenied,
		m.threatLevels,
		m.challenges,
		m.requests,
		m.requestTiming,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) DraftBuilt(chain string) {
	if m == nil {
		return
	}
	m.draftsBuilt.WithLabelValues(chain).Inc()
}

// SetOpenDrafts records the number of live drafts.
func (m *Metrics) SetOpenDrafts(n int) {
	if m == nil {
		return
	}
	m.draftsOpen.Set(float64(n))
}

func (m *Metrics) Signed(chain string) {
	if m == nil {
		return
	}
	m.signatures.WithLabelValues(chain).Inc()
}

// SignDenied counts a refused signing request. reason is a policy reason,
// "threat" or "key_state".
func (m *Metrics) SignDenied(reason string) {
	if m == nil {
		return
	}
	m.signDenied.WithLabelValues(reason).Inc()
}

func (m *Metrics) ThreatAssessed(level string) {
	if m == nil {
		return
	}
	m.threatLevels.WithLabelValues(level).Inc()
}

func (m *Metrics) ChallengeVerified(status string) {
	if m == nil {
		return
	}
	m.challenges.WithLabelValues(status).Inc()
}

// Request records one dispatched operation.
func (m *Metrics) Request(op, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(op, code).Inc()
	m.requestTiming.WithLabelValues(op).Observe(d.Seconds())
}
