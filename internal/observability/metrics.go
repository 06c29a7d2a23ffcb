// Package observability provides Prometheus metrics and logging for the feed pipeline.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Ingestion metrics
	FramesReceived    *prometheus.CounterVec
	FramesParsed      *prometheus.CounterVec
	FramesDropped     *prometheus.CounterVec
	ParseErrors       prometheus.Counter
	DuplicatesDropped prometheus.Counter
	SourceSwitches    *prometheus.CounterVec
	ActiveSource      *prometheus.GaugeVec

	// Timeline metrics
	TicksObserved     prometheus.Counter
	TicksBackfilled   prometheus.Counter
	GamesFinalized    *prometheus.CounterVec
	InvalidPhaseEvent *prometheus.CounterVec

	// Degradation metrics
	HealthLevel       prometheus.Gauge
	EventGapSeconds   prometheus.Histogram
	IntegrityBreaches prometheus.Counter
	WriterQueueDepth  prometheus.Gauge
	BusQueueDepth     prometheus.Gauge

	// Recording metrics
	GamesRecorded   prometheus.Counter
	GamesDiscarded  *prometheus.CounterVec
	ActionsRecorded prometheus.Counter
	FileWrites      *prometheus.CounterVec
	FileWriteErrors *prometheus.CounterVec

	// Reconciliation metrics
	Reconciliations  prometheus.Counter
	DriftOutOfBounds *prometheus.CounterVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "rugs_feed"
	}

	return &Metrics{
		// Ingestion metrics
		FramesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "frames_received_total",
			Help:      "Total number of raw frames received by source",
		}, []string{"source"}),
		FramesParsed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "frames_parsed_total",
			Help:      "Total number of frames classified by frame type",
		}, []string{"type"}),
		FramesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "events_dropped_total",
			Help:      "Total number of feed events dropped by backpressure, by class",
		}, []string{"class"}),
		ParseErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "parse_errors_total",
			Help:      "Total number of malformed frames",
		}),
		DuplicatesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "duplicates_dropped_total",
			Help:      "Total number of frames suppressed after a source switch",
		}),
		SourceSwitches: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "source_switches_total",
			Help:      "Total number of source switches by target role",
		}, []string{"to"}),
		ActiveSource: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "active_source",
			Help:      "1 for the role currently delivering events",
		}, []string{"role"}),

		// Timeline metrics
		TicksObserved: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "timeline",
			Name:      "ticks_observed_total",
			Help:      "Total number of live ticks recorded",
		}),
		TicksBackfilled: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "timeline",
			Name:      "ticks_backfilled_total",
			Help:      "Total number of slots filled from recent-window payloads",
		}),
		GamesFinalized: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "timeline",
			Name:      "games_finalized_total",
			Help:      "Total number of finalized game timelines",
		}, []string{"end", "gaps"}),
		InvalidPhaseEvent: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "timeline",
			Name:      "rejected_observations_total",
			Help:      "Total number of phase observations rejected by reason",
		}, []string{"reason"}),

		// Degradation metrics
		HealthLevel: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "level",
			Help:      "Current degradation level (0 healthy, 1 degraded, 2 critical)",
		}),
		EventGapSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "event_gap_seconds",
			Help:      "Gap between consecutive feed events",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		IntegrityBreaches: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "integrity_breaches_total",
			Help:      "Total number of integrity breaches",
		}),
		WriterQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "recording",
			Name:      "writer_queue_depth",
			Help:      "Pending file writes",
		}),
		BusQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "bus_queue_depth",
			Help:      "Undelivered events across bus subscriptions",
		}),

		// Recording metrics
		GamesRecorded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recording",
			Name:      "games_recorded_total",
			Help:      "Total number of games written to disk",
		}),
		GamesDiscarded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recording",
			Name:      "games_discarded_total",
			Help:      "Total number of partial games discarded by reason",
		}, []string{"reason"}),
		ActionsRecorded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recording",
			Name:      "actions_recorded_total",
			Help:      "Total number of recorded actions",
		}),
		FileWrites: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recording",
			Name:      "file_writes_total",
			Help:      "Total number of files written by kind",
		}, []string{"kind"}),
		FileWriteErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recording",
			Name:      "file_write_errors_total",
			Help:      "Total number of failed file writes by kind",
		}, []string{"kind"}),

		// Reconciliation metrics
		Reconciliations: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "runs_total",
			Help:      "Total number of server snapshots reconciled",
		}),
		DriftOutOfBounds: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "drift_out_of_tolerance_total",
			Help:      "Total number of out-of-tolerance fields by field",
		}, []string{"field"}),

		// Database metrics
		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordFrameReceived increments the frames received counter for a source.
func RecordFrameReceived(source string) {
	DefaultMetrics.FramesReceived.WithLabelValues(source).Inc()
}

// RecordFrameParsed increments the parsed frames counter by frame type.
func RecordFrameParsed(frameType string) {
	DefaultMetrics.FramesParsed.WithLabelValues(frameType).Inc()
}

// RecordParseError increments the malformed frame counter.
func RecordParseError() {
	DefaultMetrics.ParseErrors.Inc()
}

// RecordDropped records an event dropped by backpressure.
func RecordDropped(class string) {
	DefaultMetrics.FramesDropped.WithLabelValues(class).Inc()
}

// RecordDuplicate records a frame suppressed by the dedup window.
func RecordDuplicate() {
	DefaultMetrics.DuplicatesDropped.Inc()
}

// RecordSourceSwitch records a switch and updates the active source gauge.
func RecordSourceSwitch(from, to string) {
	DefaultMetrics.SourceSwitches.WithLabelValues(to).Inc()
	if from != "" {
		DefaultMetrics.ActiveSource.WithLabelValues(from).Set(0)
	}
	DefaultMetrics.ActiveSource.WithLabelValues(to).Set(1)
}

// RecordTick records a live tick and any backfilled slots.
func RecordTick(backfilled int) {
	DefaultMetrics.TicksObserved.Inc()
	if backfilled > 0 {
		DefaultMetrics.TicksBackfilled.Add(float64(backfilled))
	}
}

// RecordGameFinalized records a finalized timeline.
func RecordGameFinalized(rugged, hasGaps bool) {
	end := "rugged"
	if !rugged {
		end = "cut"
	}
	gaps := "clean"
	if hasGaps {
		gaps = "gaps"
	}
	DefaultMetrics.GamesFinalized.WithLabelValues(end, gaps).Inc()
}

// RecordRejectedObservation records a phase observation that was not applied.
func RecordRejectedObservation(reason string) {
	DefaultMetrics.InvalidPhaseEvent.WithLabelValues(reason).Inc()
}

// UpdateHealthLevel sets the health level gauge.
func UpdateHealthLevel(level int) {
	DefaultMetrics.HealthLevel.Set(float64(level))
}

// ObserveEventGap records the gap between consecutive events.
func ObserveEventGap(seconds float64) {
	DefaultMetrics.EventGapSeconds.Observe(seconds)
}

// RecordIntegrityBreach increments the integrity breach counter.
func RecordIntegrityBreach() {
	DefaultMetrics.IntegrityBreaches.Inc()
}

// UpdateQueueDepths updates the writer and bus queue gauges.
func UpdateQueueDepths(writer, bus int) {
	DefaultMetrics.WriterQueueDepth.Set(float64(writer))
	DefaultMetrics.BusQueueDepth.Set(float64(bus))
}

// RecordGameRecorded increments the games recorded counter.
func RecordGameRecorded() {
	DefaultMetrics.GamesRecorded.Inc()
}

// RecordGameDiscarded records a discarded partial game.
func RecordGameDiscarded(reason string) {
	DefaultMetrics.GamesDiscarded.WithLabelValues(reason).Inc()
}

// RecordAction increments the recorded actions counter.
func RecordAction() {
	DefaultMetrics.ActionsRecorded.Inc()
}

// RecordFileWrite records a file write result.
func RecordFileWrite(kind string, err error) {
	if err != nil {
		DefaultMetrics.FileWriteErrors.WithLabelValues(kind).Inc()
		return
	}
	DefaultMetrics.FileWrites.WithLabelValues(kind).Inc()
}

// RecordReconciliation records one reconciliation and its out-of-tolerance fields.
func RecordReconciliation(driftFields []string) {
	DefaultMetrics.Reconciliations.Inc()
	for _, f := range driftFields {
		DefaultMetrics.DriftOutOfBounds.WithLabelValues(f).Inc()
	}
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}
