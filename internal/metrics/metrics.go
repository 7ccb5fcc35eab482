// Package metrics exposes client-side counters for renewals, replays, probes
// and analysis transitions. Every method is safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tfsctl"

// Metrics owns a private registry so tests and multiple clients in one
// process do not collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	renewals        *prometheus.CounterVec
	renewalDuration prometheus.Histogram
	renewalWaiters  prometheus.Counter
	requests        *prometheus.CounterVec
	replays         prometheus.Counter
	probes          *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	watched         prometheus.Gauge
}

// New builds and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "renewals_total",
			Help:      "Credential renewal exchanges by outcome.",
		}, []string{"outcome"}),
		renewalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "renewal_duration_seconds",
			Help:      "Wall time of credential renewal exchanges.",
			Buckets:   prometheus.DefBuckets,
		}),
		renewalWaiters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "renewal_waiters_total",
			Help:      "Requests that joined a renewal already in flight.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "responses_total",
			Help:      "Responses seen by the authenticated transport by status class.",
		}, []string{"class"}),
		replays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "replays_total",
			Help:      "Requests resent after a successful renewal.",
		}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "probes_total",
			Help:      "Analysis status probes by result.",
		}, []string{"result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "transitions_total",
			Help:      "Analysis status transitions by target state.",
		}, []string{"to"}),
		watched: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "watched_entities",
			Help:      "Entities currently in the watch set.",
		}),
	}

	m.registry.MustRegister(
		m.renewals,
		m.renewalDuration,
		m.renewalWaiters,
		m.requests,
		m.replays,
		m.probes,
		m.transitions,
		m.watched,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRenewal records one renewal exchange. outcome is "success" or "failure".
func (m *Metrics) ObserveRenewal(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.renewals.WithLabelValues(outcome).Inc()
	m.renewalDuration.Observe(d.Seconds())
}

// IncRenewalWaiters counts a caller that joined an in-flight renewal.
func (m *Metrics) IncRenewalWaiters() {
	if m == nil {
		return
	}
	m.renewalWaiters.Inc()
}

// ObserveResponse counts a response by status class ("2xx", "4xx", ...).
// A zero status counts as "error".
func (m *Metrics) ObserveResponse(status int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(statusClass(status)).Inc()
}

// IncReplay counts a resend after renewal.
func (m *Metrics) IncReplay() {
	if m == nil {
		return
	}
	m.replays.Inc()
}

// ObserveProbe counts a status probe result.
func (m *Metrics) ObserveProbe(result string) {
	if m == nil {
		return
	}
	m.probes.WithLabelValues(result).Inc()
}

// ObserveTransition counts a transition into state to.
func (m *Metrics) ObserveTransition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

// SetWatched sets the watch-set size.
func (m *Metrics) SetWatched(n int) {
	if m == nil {
		return
	}
	m.watched.Set(float64(n))
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "error"
	}
	return strconv.Itoa(status/100) + "xx"
}
