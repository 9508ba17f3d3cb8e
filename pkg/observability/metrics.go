package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics must be global for registration
var (
	// ArtifactsTotal tracks export artifacts by load outcome
	ArtifactsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sabermill_artifacts_total",
			Help: "Total number of export artifacts processed",
		},
		[]string{"table", "status"}, // status: loaded, skipped, failed
	)

	// LoadDuration measures per-table load duration in seconds
	LoadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sabermill_load_duration_seconds",
			Help:    "Table load duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
		},
		[]string{"table"},
	)

	// RowsLoaded counts rows applied to target tables
	RowsLoaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sabermill_rows_loaded_total",
			Help: "Total number of rows applied to target tables",
		},
		[]string{"table", "operation"}, // operation: insert, update, delete
	)

	// StagesTotal tracks calculation stage executions
	StagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sabermill_stages_total",
			Help: "Total number of calculation stage executions",
		},
		[]string{"stage", "status"}, // status: success, failed, retried
	)

	// StageDuration measures calculation stage duration in seconds
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sabermill_stage_duration_seconds",
			Help:    "Calculation stage duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
		[]string{"stage", "status"},
	)

	// StageRows counts rows written by calculation stages
	StageRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sabermill_stage_rows_total",
			Help: "Total number of rows written by calculation stages",
		},
		[]string{"stage"},
	)

	// StagesRunning tracks the calculation stages currently executing
	StagesRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sabermill_stages_running",
			Help: "Number of calculation stages currently executing",
		},
		[]string{"stage", "worker"},
	)

	// RunsTotal counts pipeline runs by outcome
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sabermill_runs_total",
			Help: "Total number of pipeline runs",
		},
		[]string{"type", "status"}, // type: full, incremental, fetch_only
	)

	// RunDuration measures end-to-end pipeline run duration
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sabermill_run_duration_seconds",
			Help:    "End-to-end pipeline run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
		},
		[]string{"type"},
	)

	// QueueDepth measures durable calculation queue depth by status
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sabermill_queue_depth",
			Help: "Number of calculation queue items by status",
		},
		[]string{"status"}, // status: pending, processing, completed, failed
	)

	// WatermarkValue tracks the numeric watermark of append tables
	WatermarkValue = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sabermill_watermark_value",
			Help: "Current watermark of append-strategy tables (numeric watermarks only)",
		},
		[]string{"table"},
	)

	// ErrorsTotal counts errors by component
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sabermill_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)

// RecordArtifact records one processed artifact
func RecordArtifact(table, status string) {
	ArtifactsTotal.WithLabelValues(table, status).Inc()
}

// RecordLoad records a completed table load
func RecordLoad(table string, duration float64) {
	LoadDuration.WithLabelValues(table).Observe(duration)
}

// RecordRowsLoaded records rows applied to a target table
func RecordRowsLoaded(table, operation string, count float64) {
	if count > 0 {
		RowsLoaded.WithLabelValues(table, operation).Add(count)
	}
}

// RecordStageStart records the start of a calculation stage
func RecordStageStart(stage, worker string) {
	StagesRunning.WithLabelValues(stage, worker).Inc()
}

// RecordStageComplete records a finished calculation stage
func RecordStageComplete(stage, worker, status string, duration float64) {
	StagesRunning.WithLabelValues(stage, worker).Dec()
	StagesTotal.WithLabelValues(stage, status).Inc()
	StageDuration.WithLabelValues(stage, status).Observe(duration)
}

// RecordStageRows records rows written by a calculation stage
func RecordStageRows(stage string, written float64) {
	if written > 0 {
		StageRows.WithLabelValues(stage).Add(written)
	}
}

// RecordRun records a completed pipeline run
func RecordRun(batchType, status string, duration float64) {
	RunsTotal.WithLabelValues(batchType, status).Inc()
	RunDuration.WithLabelValues(batchType).Observe(duration)
}

// RecordQueueDepth records the durable queue depth for one status
func RecordQueueDepth(status string, depth float64) {
	QueueDepth.WithLabelValues(status).Set(depth)
}

// RecordWatermark records the numeric watermark of an append table
func RecordWatermark(table string, value float64) {
	WatermarkValue.WithLabelValues(table).Set(value)
}

// RecordError records an error
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
