// Package metrics exposes Prometheus collectors for the dispatch engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "unlockbot"

// Send outcomes.
const (
	OutcomeSent      = "sent"
	OutcomeFatal     = "fatal"
	OutcomeExhausted = "exhausted"
	OutcomeCanceled  = "canceled"
)

type Metrics struct {
	reg *prometheus.Registry

	sends        *prometheus.CounterVec
	sendAttempts prometheus.Counter
	sendLatency  prometheus.Histogram
	reconnects   *prometheus.CounterVec
	warmups      *prometheus.CounterVec
	fires        prometheus.Counter
	units        *prometheus.GaugeVec
}

// New registers all collectors on a private registry. cacheSize may be nil.
func New(cacheSize func() int) *Metrics {
	m := &Metrics{reg: prometheus.NewRegistry()}

	m.sends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sends_total",
		Help:      "Completed send loops by outcome.",
	}, []string{"outcome"})
	m.sendAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "send_attempts_total",
		Help:      "Individual send attempts, including retries.",
	})
	m.sendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "send_duration_seconds",
		Help:      "Duration of a send loop from first attempt to outcome.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 3, 5, 10, 30, 60},
	})
	m.reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconnects_total",
		Help:      "Reconnect decisions by reason.",
	}, []string{"reason"})
	m.warmups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "warmups_total",
		Help:      "Warmup probe results.",
	}, []string{"result"})
	m.fires = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unlock_fires_total",
		Help:      "Unlock events that scheduled a send.",
	})
	m.units = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "account_units",
		Help:      "Account units by connection state.",
	}, []string{"state"})

	m.reg.MustRegister(
		m.sends, m.sendAttempts, m.sendLatency, m.reconnects, m.warmups, m.fires, m.units,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if cacheSize != nil {
		m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "metadata_cache_entries",
			Help:      "Entries held by the channel metadata cache.",
		}, func() float64 { return float64(cacheSize()) }))
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) SendAttempt() {
	if m != nil {
		m.sendAttempts.Inc()
	}
}

func (m *Metrics) SendDone(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(outcome).Inc()
	m.sendLatency.Observe(seconds)
}

func (m *Metrics) Reconnect(reason string) {
	if m != nil {
		m.reconnects.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Warmup(ok bool) {
	if m == nil {
		return
	}
	result := "failed"
	if ok {
		result = "ok"
	}
	m.warmups.WithLabelValues(result).Inc()
}

func (m *Metrics) Fire() {
	if m != nil {
		m.fires.Inc()
	}
}

// UnitState moves one unit from the from-state gauge to the to-state gauge.
// An empty from only increments.
func (m *Metrics) UnitState(from, to string) {
	if m == nil || from == to {
		return
	}
	if from != "" {
		m.units.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.units.WithLabelValues(to).Inc()
	}
}
