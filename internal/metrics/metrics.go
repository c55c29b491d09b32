// Package metrics exposes Prometheus instrumentation for sync runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/calendar-sync/backend/internal/storage/models"
)

// Sync holds the sync engine's collectors. A nil *Sync records nothing.
type Sync struct {
	runs             *prometheus.CounterVec
	events           *prometheus.CounterVec
	conflicts        prometheus.Counter
	parseErrors      *prometheus.CounterVec
	fetchDuration    *prometheus.HistogramVec
	propertyDuration prometheus.Histogram
}

// NewSync registers the sync collectors on reg.
func NewSync(reg prometheus.Registerer) *Sync {
	f := promauto.With(reg)
	return &Sync{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "calsync_sync_runs_total",
			Help: "Feed sync runs by platform and final status.",
		}, []string{"platform", "status"}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "calsync_events_total",
			Help: "Canonical event changes by action.",
		}, []string{"action"}),
		conflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "calsync_conflicts_total",
			Help: "Conflict records written.",
		}),
		parseErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "calsync_parse_errors_total",
			Help: "VEVENT blocks that failed to parse.",
		}, []string{"platform"}),
		fetchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "calsync_fetch_duration_seconds",
			Help:    "Feed fetch latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"platform"}),
		propertyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "calsync_property_sync_duration_seconds",
			Help:    "Wall time of a full property sync.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
	}
}

// ObserveFeed records the outcome of one feed run.
func (s *Sync) ObserveFeed(platform models.Platform, status string, counts models.SyncCounts) {
	if s == nil {
		return
	}
	s.runs.WithLabelValues(string(platform), status).Inc()
	s.parseErrors.WithLabelValues(string(platform)).Add(float64(counts.Failed))
	s.ObserveChanges(counts)
}

// ObserveChanges records event changes and conflicts.
func (s *Sync) ObserveChanges(counts models.SyncCounts) {
	if s == nil {
		return
	}
	s.events.WithLabelValues("created").Add(float64(counts.Created))
	s.events.WithLabelValues("updated").Add(float64(counts.Updated))
	s.events.WithLabelValues("cancelled").Add(float64(counts.Cancelled))
	s.events.WithLabelValues("merged").Add(float64(counts.Merged))
	s.events.WithLabelValues("restored").Add(float64(counts.Restored))
	s.conflicts.Add(float64(counts.Conflicts))
}

// ObserveFetch records a fetch latency.
func (s *Sync) ObserveFetch(platform models.Platform, d time.Duration) {
	if s == nil {
		return
	}
	s.fetchDuration.WithLabelValues(string(platform)).Observe(d.Seconds())
}

// ObserveProperty records a property sync's wall time.
func (s *Sync) ObserveProperty(d time.Duration) {
	if s == nil {
		return
	}
	s.propertyDuration.Observe(d.Seconds())
}
