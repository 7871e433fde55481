// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesRead      prometheus.Counter
	MessagesDeduped   prometheus.Counter
	MessagesFiltered  prometheus.Counter
	EventsDropped     prometheus.Counter
	WorkDropped       prometheus.Counter
	ClassifyBatches   prometheus.Counter
	ClassifyFailures  prometheus.Counter
	MonitorRecreates  prometheus.Counter
	MonitorWatchdogs  prometheus.Counter
	StoreCommits      prometheus.Counter
	StoreCommitErrors prometheus.Counter
	CounterFlushes    prometheus.Counter

	// Histograms (seconds)
	ClassifyDuration    prometheus.Observer
	StoreCommitDuration prometheus.Observer
	DiscoveryDuration   prometheus.Observer

	// Gauges
	ActiveMonitorsGauge  prometheus.Gauge
	PendingCountersGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesRead = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_messages_read_total", Help: "Chat messages read from transports"})
		MessagesDeduped = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_messages_deduped_total", Help: "Chat messages suppressed by the dedup window"})
		MessagesFiltered = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_messages_prefiltered_total", Help: "Chat messages skipped by the pre-filter (persisted but not classified)"})
		EventsDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_events_dropped_total", Help: "Events dropped due to a full event queue"})
		WorkDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_work_dropped_total", Help: "Classification items dropped due to a full work queue"})
		ClassifyBatches = promauto.NewCounter(prometheus.CounterOpts{Name: "classify_batches_total", Help: "Batch calls issued to the classifier service"})
		ClassifyFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "classify_failures_total", Help: "Failed classifier calls"})
		MonitorRecreates = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_monitor_recreates_total", Help: "Chat transport recreations"})
		MonitorWatchdogs = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_monitor_watchdogs_total", Help: "Chat monitors killed by the hard watchdog"})
		StoreCommits = promauto.NewCounter(prometheus.CounterOpts{Name: "store_commits_total", Help: "Batched store commits"})
		StoreCommitErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "store_commit_errors_total", Help: "Failed batched store commits"})
		CounterFlushes = promauto.NewCounter(prometheus.CounterOpts{Name: "counter_flushes_total", Help: "Counter aggregator flush cycles"})
		ClassifyDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "classify_batch_duration_seconds", Help: "Classifier batch call duration seconds", Buckets: prometheus.DefBuckets})
		StoreCommitDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "store_commit_duration_seconds", Help: "Batched store commit duration seconds", Buckets: prometheus.DefBuckets})
		DiscoveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "discovery_cycle_duration_seconds", Help: "Discovery poll cycle duration seconds", Buckets: prometheus.DefBuckets})
		ActiveMonitorsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_active_monitors", Help: "Currently running chat monitor workers"})
		PendingCountersGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "counter_pending_broadcasts", Help: "Broadcasts with unflushed in-memory counters"})
	})
}

// SetActiveMonitors records the number of running chat monitors.
func SetActiveMonitors(n int) {
	if ActiveMonitorsGauge != nil {
		ActiveMonitorsGauge.Set(float64(n))
	}
}

// SetPendingCounters records the number of broadcasts awaiting a counter flush.
func SetPendingCounters(n int) {
	if PendingCountersGauge != nil {
		PendingCountersGauge.Set(float64(n))
	}
}

// IncCounter increments c if metrics are initialized (safe in tests).
func IncCounter(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// AddCounter adds n to c if metrics are initialized.
func AddCounter(c prometheus.Counter, n float64) {
	if c != nil && n > 0 {
		c.Add(n)
	}
}

// Observe records v into obs if metrics are initialized.
func Observe(obs prometheus.Observer, v float64) {
	if obs != nil {
		obs.Observe(v)
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
