// Package metrics exposes the scan engine's activity as Prometheus
// gauges/counters, translating the logcache package's atomic
// hit/miss/fetch counters and the coordinator's per-batch activity into
// a form scrapeable by an external collector.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/flakehunter/ciscan/internal/logcache"
)

// Recorder holds every metric the engine publishes. Construct once at
// startup and thread it through the coordinator.
type Recorder struct {
	ScanDuration    prometheus.Histogram
	BuildsVisited   prometheus.Counter
	BuildsRevisited prometheus.Counter
	MatchesRecorded prometheus.Counter
	CacheHits       prometheus.Gauge
	CacheMisses     prometheus.Gauge
	CacheFetches    prometheus.Gauge
	Errors          *prometheus.CounterVec
}

// New constructs a Recorder and registers every metric with reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ciscan",
			Subsystem: "coordinator",
			Name:      "scan_batch_duration_seconds",
			Help:      "Wall-clock duration of one scan batch.",
			Buckets:   prometheus.DefBuckets,
		}),
		BuildsVisited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ciscan",
			Subsystem: "coordinator",
			Name:      "builds_visited_total",
			Help:      "Unvisited builds processed for the first time.",
		}),
		BuildsRevisited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ciscan",
			Subsystem: "coordinator",
			Name:      "builds_revisited_total",
			Help:      "Previously visited builds rescanned against new patterns.",
		}),
		MatchesRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ciscan",
			Subsystem: "coordinator",
			Name:      "matches_recorded_total",
			Help:      "Match rows persisted across all batches.",
		}),
		CacheHits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ciscan",
			Subsystem: "logcache",
			Name:      "hits",
			Help:      "Cumulative log cache hits (memory or filesystem).",
		}),
		CacheMisses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ciscan",
			Subsystem: "logcache",
			Name:      "misses",
			Help:      "Cumulative log cache misses requiring a network fetch.",
		}),
		CacheFetches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ciscan",
			Subsystem: "logcache",
			Name:      "fetches",
			Help:      "Cumulative log downloads performed.",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ciscan",
			Subsystem: "coordinator",
			Name:      "errors_total",
			Help:      "Errors encountered during scanning, labeled by error kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		r.ScanDuration,
		r.BuildsVisited,
		r.BuildsRevisited,
		r.MatchesRecorded,
		r.CacheHits,
		r.CacheMisses,
		r.CacheFetches,
		r.Errors,
	)
	return r
}

// ObserveCache copies a cache's point-in-time counters into the gauges.
// Call this once per batch; the gauges are cumulative snapshots, not
// deltas, matching the source counters' own monotonic semantics.
func (r *Recorder) ObserveCache(s logcache.Stats) {
	r.CacheHits.Set(float64(s.Hits))
	r.CacheMisses.Set(float64(s.Misses))
	r.CacheFetches.Set(float64(s.Fetches))
}
