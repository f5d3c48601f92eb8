// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics defines the relay's Prometheus collectors and the
// small status server that exposes them.
//
// Collectors are registered on an injected [prometheus.Registerer]
// rather than the global default, so tests and multiple relays in one
// process do not collide. Components take a *Metrics and treat nil as
// "record nothing" via [OrDiscard].
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chatrelay"

// Turn outcomes for the Turns counter.
const (
	OutcomeCompleted          = "completed"
	OutcomeRejected           = "rejected"
	OutcomeEscalated          = "escalated"
	OutcomeEscalationRejected = "escalation_rejected"
	OutcomeFailed             = "failed"
)

// Metrics holds every collector the relay records.
type Metrics struct {
	// Turns counts finished turns by outcome.
	Turns *prometheus.CounterVec

	// AdmissionRejections counts limiter rejections by limiter
	// ("normal", "secondary") and scope ("user", "global").
	AdmissionRejections *prometheus.CounterVec

	FragmentPopulations prometheus.Counter
	FragmentEvictions   prometheus.Counter
	CacheSize           prometheus.Gauge

	// CacheInvariantViolations should stay zero; anything else is a bug.
	CacheInvariantViolations prometheus.Counter

	// PlatformFailures counts failed platform calls by operation
	// ("send", "edit", "fetch_attachment").
	PlatformFailures *prometheus.CounterVec

	// StreamDuration observes model stream wall time by model role
	// ("primary", "secondary").
	StreamDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on registerer.
func New(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		Turns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Finished turns by outcome.",
		}, []string{"outcome"}),
		AdmissionRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Requests rejected by an admission limiter.",
		}, []string{"limiter", "scope"}),
		FragmentPopulations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragment_populations_total",
			Help:      "Fragment cache misses that ran a populator.",
		}),
		FragmentEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragment_evictions_total",
			Help:      "Fragments evicted to stay within capacity.",
		}),
		CacheSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fragment_cache_size",
			Help:      "Fragments currently cached.",
		}),
		CacheInvariantViolations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_invariant_violations_total",
			Help:      "Internal fragment cache consistency failures.",
		}),
		PlatformFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "platform_failures_total",
			Help:      "Failed chat platform calls by operation.",
		}, []string{"operation"}),
		StreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_stream_duration_seconds",
			Help:      "Wall time of model streams.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		}, []string{"model"}),
	}
}

// OrDiscard returns m, or collectors on a private registry nobody
// scrapes when m is nil.
func OrDiscard(m *Metrics) *Metrics {
	if m != nil {
		return m
	}
	return New(prometheus.NewRegistry())
}
