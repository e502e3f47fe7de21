// Package metrics registers the tracker's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_cycles_total",
			Help: "Scan cycles by cadence and outcome.",
		},
		[]string{"cadence", "outcome"},
	)
	CycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tracker_cycle_duration_seconds",
			Help:    "Duration of scan cycles.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"cadence"},
	)
	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_alerts_total",
			Help: "Alert events by kind and final status.",
		},
		[]string{"kind", "status"},
	)
	ChannelSendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_channel_sends_total",
			Help: "Notification send attempts by channel type and status.",
		},
		[]string{"channel", "status"},
	)
	RateLimitWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tracker_ratelimit_wait_seconds",
			Help:    "Time spent waiting for a source rate limiter permit.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		},
	)
	RateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tracker_ratelimit_rejections_total",
			Help: "Source calls rejected after the maximum queue wait.",
		},
	)
	EnrichmentLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_enrichment_lookups_total",
			Help: "VIN provider lookups by provider and status.",
		},
		[]string{"provider", "status"},
	)
	CriteriaDegraded = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tracker_criteria_degraded",
			Help: "1 when a criteria cadence has failed repeatedly.",
		},
		[]string{"criteria", "cadence"},
	)
	ListingTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_listing_transitions_total",
			Help: "Deduplicator transitions by type.",
		},
		[]string{"transition"},
	)
)
