// Package metrics exposes the engine's Prometheus collectors.
//
// All recording methods are safe to call on a nil *Metrics so that components
// can be constructed without instrumentation in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "presence"

// Metrics holds every collector the engine records into
type Metrics struct {
	signals             *prometheus.CounterVec
	casConflicts        prometheus.Counter
	storeOps            *prometheus.HistogramVec
	storeFailovers      prometheus.Counter
	replicationDropped  prometheus.Counter
	fanoutDeliveries    *prometheus.CounterVec
	fanoutCoalesced     prometheus.Counter
	fanoutSubscriptions prometheus.Gauge
	fanoutDroppedSubs   prometheus.Counter
	notifyDecisions     *prometheus.CounterVec
	sweepTransitions    *prometheus.CounterVec
	rateLimited         *prometheus.CounterVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Signals processed by source kind and resolution outcome.",
		}, []string{"source", "outcome"}),
		casConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cas_conflicts_total",
			Help:      "Compare-and-swap version mismatches seen by the resolver.",
		}),
		storeOps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Presence store operation latency.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .2},
		}, []string{"op", "result"}),
		storeFailovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "failovers_total",
			Help:      "Standby promotions after a node failure.",
		}),
		replicationDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "replication_dropped_total",
			Help:      "Writes that never reached a standby replica.",
		}),
		fanoutDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "deliveries_total",
			Help:      "Delivery attempts to subscribers by result.",
		}, []string{"result"}),
		fanoutCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "coalesced_total",
			Help:      "Changes folded into a later broadcast by the coalescing window.",
		}),
		fanoutSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "subscriptions",
			Help:      "Live subscriptions.",
		}),
		fanoutDroppedSubs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "dropped_subscribers_total",
			Help:      "Subscribers dropped after consecutive delivery failures.",
		}),
		notifyDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "decisions_total",
			Help:      "Notification gate decisions by urgency and decision.",
		}, []string{"urgency", "decision"}),
		sweepTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "transitions_total",
			Help:      "Time-driven transitions applied by the background sweep.",
		}, []string{"kind"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "rate_limited_total",
			Help:      "Requests refused by the ingest rate limiter, by rule.",
		}, []string{"rule"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.signals,
			m.casConflicts,
			m.storeOps,
			m.storeFailovers,
			m.replicationDropped,
			m.fanoutDeliveries,
			m.fanoutCoalesced,
			m.fanoutSubscriptions,
			m.fanoutDroppedSubs,
			m.notifyDecisions,
			m.sweepTransitions,
			m.rateLimited,
		)
	}
	return m
}

// SignalProcessed counts one signal
func (m *Metrics) SignalProcessed(source, outcome string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(source, outcome).Inc()
}

// CASConflict counts one version mismatch
func (m *Metrics) CASConflict() {
	if m == nil {
		return
	}
	m.casConflicts.Inc()
}

// StoreOperation observes the latency of a store call
func (m *Metrics) StoreOperation(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.storeOps.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
}

// Failover counts one standby promotion
func (m *Metrics) Failover() {
	if m == nil {
		return
	}
	m.storeFailovers.Inc()
}

// ReplicationDropped counts one write that did not reach its standby
func (m *Metrics) ReplicationDropped() {
	if m == nil {
		return
	}
	m.replicationDropped.Inc()
}

// Delivery counts one delivery attempt
func (m *Metrics) Delivery(result string) {
	if m == nil {
		return
	}
	m.fanoutDeliveries.WithLabelValues(result).Inc()
}

// Coalesced counts one change folded into a later broadcast
func (m *Metrics) Coalesced() {
	if m == nil {
		return
	}
	m.fanoutCoalesced.Inc()
}

// SubscriptionOpened increments the live subscription gauge
func (m *Metrics) SubscriptionOpened() {
	if m == nil {
		return
	}
	m.fanoutSubscriptions.Inc()
}

// SubscriptionClosed decrements the live subscription gauge
func (m *Metrics) SubscriptionClosed() {
	if m == nil {
		return
	}
	m.fanoutSubscriptions.Dec()
}

// SubscriberDropped counts one subscriber dropped for failing deliveries
func (m *Metrics) SubscriberDropped() {
	if m == nil {
		return
	}
	m.fanoutDroppedSubs.Inc()
}

// NotifyDecision counts one gate decision
func (m *Metrics) NotifyDecision(urgency, decision string) {
	if m == nil {
		return
	}
	m.notifyDecisions.WithLabelValues(urgency, decision).Inc()
}

// SweepTransition counts one time-driven transition
func (m *Metrics) SweepTransition(kind string) {
	if m == nil {
		return
	}
	m.sweepTransitions.WithLabelValues(kind).Inc()
}

// RateLimited counts one refused request
func (m *Metrics) RateLimited(rule string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(rule).Inc()
}

// Failovers exposes the failover counter for inspection
func (m *Metrics) Failovers() prometheus.Counter {
	return m.storeFailovers
}

// Signals exposes the signal counter for inspection
func (m *Metrics) Signals() *prometheus.CounterVec {
	return m.signals
}

// RateLimitedCounter exposes the rate limit counter for inspection
func (m *Metrics) RateLimitedCounter() *prometheus.CounterVec {
	return m.rateLimited
}
