package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ProbesTotal counts probe outcomes per prober layer.
// The "outcome" label is "available", "unavailable" or "cached".
var ProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kptv_failover_probes_total",
	Help: "Number of source probes by layer and outcome",
}, []string{"layer", "outcome"})

// ProbeDuration observes the wall time of a full layered test.
var ProbeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "kptv_failover_probe_duration_seconds",
	Help:    "Duration of layered source tests",
	Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2, 5},
})

// SwitchesTotal counts failover attempts by reason and outcome
// ("success", "failed", "validation").
var SwitchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kptv_failover_switches_total",
	Help: "Number of source switch attempts",
}, []string{"reason", "outcome"})

// SwitchDuration observes how long a single switch attempt took.
var SwitchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "kptv_failover_switch_duration_seconds",
	Help:    "Duration of source switch attempts",
	Buckets: prometheus.DefBuckets,
})

// SelectionResults counts results yielded by the progressive scheduler per mode.
var SelectionResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kptv_failover_selection_results_total",
	Help: "Number of selection results yielded",
}, []string{"mode"})

// BlacklistedSources tracks how many URLs are currently blacklisted.
var BlacklistedSources = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "kptv_failover_blacklisted_sources",
	Help: "Number of blacklisted source URLs",
})

// AllSourcesFailed counts terminal exhaustion events, split by whether any
// candidate was ever available.
var AllSourcesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kptv_failover_all_sources_failed_total",
	Help: "Number of times every candidate source failed",
}, []string{"fatal"})
