// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Range cache metrics
	CacheHits         prometheus.Counter
	CacheMisses       prometheus.Counter
	CacheOfflineReads prometheus.Counter
	CacheInserts      prometheus.Counter
	CacheEvictions    prometheus.Counter
	CacheInflight     prometheus.Gauge
	CacheOffline      prometheus.Gauge

	// Bar store metrics
	BarFetchLatency prometheus.Histogram
	BarFetchErrors  prometheus.Counter

	// Simulation metrics
	RoundsSimulated  prometheus.Counter
	LevelSweepsTotal *prometheus.CounterVec
	SweepDuration    prometheus.Histogram

	// Ingestion metrics
	KlinesReceived prometheus.Counter
	BarsStored     prometheus.Counter
	IngestErrors   prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "trade_risk_lab"
	}

	return &Metrics{
		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "barcache",
			Name:      "hits_total",
			Help:      "Total range queries served from a contained cache entry",
		}),
		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "barcache",
			Name:      "misses_total",
			Help:      "Total range queries that required a bar store fetch",
		}),
		CacheOfflineReads: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "barcache",
			Name:      "offline_reads_total",
			Help:      "Total range queries degraded to cache-only intersection",
		}),
		CacheInserts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "barcache",
			Name:      "inserts_total",
			Help:      "Total cache entry insertions and replacements",
		}),
		CacheEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "barcache",
			Name:      "evictions_total",
			Help:      "Total cache entries removed by eviction or TTL sweep",
		}),
		CacheInflight: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "barcache",
			Name:      "inflight_fetches",
			Help:      "Number of bar store fetches currently in flight",
		}),
		CacheOffline: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "barcache",
			Name:      "offline",
			Help:      "1 while the offline gate is enabled",
		}),

		BarFetchLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "barstore",
			Name:      "fetch_latency_seconds",
			Help:      "Bar store fetch latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		BarFetchErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "barstore",
			Name:      "fetch_errors_total",
			Help:      "Total bar store fetch failures",
		}),

		RoundsSimulated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "simulation",
			Name:      "rounds_total",
			Help:      "Total round/level replays executed",
		}),
		LevelSweepsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "simulation",
			Name:      "sweeps_total",
			Help:      "Total level sweeps by kind and status",
		}, []string{"kind", "status"}),
		SweepDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "simulation",
			Name:      "sweep_duration_seconds",
			Help:      "Level sweep execution duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}),

		KlinesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "klines_received_total",
			Help:      "Total kline events received from the stream",
		}),
		BarsStored: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "bars_stored_total",
			Help:      "Total closed bars stored to the warehouse",
		}),
		IngestErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "errors_total",
			Help:      "Total ingestion errors",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordCacheHit increments the cache hit counter.
func RecordCacheHit() {
	DefaultMetrics.CacheHits.Inc()
}

// RecordCacheMiss increments the cache miss counter.
func RecordCacheMiss() {
	DefaultMetrics.CacheMisses.Inc()
}

// RecordCacheOfflineRead increments the offline read counter.
func RecordCacheOfflineRead() {
	DefaultMetrics.CacheOfflineReads.Inc()
}

// RecordCacheInsert increments the cache insert counter.
func RecordCacheInsert() {
	DefaultMetrics.CacheInserts.Inc()
}

// RecordCacheEvictions adds to the eviction counter.
func RecordCacheEvictions(n int) {
	if n > 0 {
		DefaultMetrics.CacheEvictions.Add(float64(n))
	}
}

// SetCacheInflight updates the in-flight fetch gauge.
func SetCacheInflight(n int) {
	DefaultMetrics.CacheInflight.Set(float64(n))
}

// SetCacheOffline updates the offline gate gauge.
func SetCacheOffline(enabled bool) {
	if enabled {
		DefaultMetrics.CacheOffline.Set(1)
	} else {
		DefaultMetrics.CacheOffline.Set(0)
	}
}

// RecordBarFetch records one bar store fetch.
func RecordBarFetch(seconds float64, err error) {
	DefaultMetrics.BarFetchLatency.Observe(seconds)
	if err != nil {
		DefaultMetrics.BarFetchErrors.Inc()
	}
}

// RecordRoundSimulated increments the replay counter.
func RecordRoundSimulated() {
	DefaultMetrics.RoundsSimulated.Inc()
}

// RecordLevelSweep records one level sweep run.
func RecordLevelSweep(kind, status string, durationSeconds float64) {
	DefaultMetrics.LevelSweepsTotal.WithLabelValues(kind, status).Inc()
	DefaultMetrics.SweepDuration.Observe(durationSeconds)
}

// RecordKlineReceived increments the kline stream counter.
func RecordKlineReceived() {
	DefaultMetrics.KlinesReceived.Inc()
}

// RecordBarsStored adds to the stored bars counter.
func RecordBarsStored(n int) {
	if n > 0 {
		DefaultMetrics.BarsStored.Add(float64(n))
	}
}

// RecordIngestError increments the ingestion error counter.
func RecordIngestError() {
	DefaultMetrics.IngestErrors.Inc()
}
