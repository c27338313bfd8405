// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kaldi_serve"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Job metrics
	JobsSubmitted *prometheus.CounterVec
	JobsActive    prometheus.Gauge
	JobsFinished  *prometheus.CounterVec
	JobDuration   prometheus.Histogram

	// Segmentation metrics
	ChunksCreated      prometheus.Counter
	SegmentationErrors *prometheus.CounterVec
	AudioSeconds       prometheus.Counter

	// Chunk unit metrics
	ChunkOutcomes      *prometheus.CounterVec
	DuplicateDelivered *prometheus.CounterVec

	// Decoder metrics
	DecoderLoads       *prometheus.CounterVec
	DecoderLoadLatency *prometheus.HistogramVec
	InferenceLatency   *prometheus.HistogramVec
	InferenceErrors    *prometheus.CounterVec

	// Queue metrics
	QueuePublishTotal   *prometheus.CounterVec
	QueuePublishErrors  *prometheus.CounterVec
	QueuePublishLatency *prometheus.HistogramVec
	TasksHandled        *prometheus.CounterVec

	// Store metrics
	StoreConflicts prometheus.Counter

	// gRPC metrics
	GRPCCalls *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		JobsSubmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of transcription jobs accepted",
		}, []string{"variant"}),
		JobsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_active",
			Help:      "Number of jobs currently RUNNING in this process",
		}),
		JobsFinished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of jobs that reached a terminal state",
		}, []string{"status"}),
		JobDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from job creation to terminal state in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 900},
		}),

		ChunksCreated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_created_total",
			Help:      "Total number of audio chunks produced by the segmenter",
		}),
		SegmentationErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segmentation_errors_total",
			Help:      "Total number of segmentation failures",
		}, []string{"reason"}),
		AudioSeconds: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_seconds_total",
			Help:      "Total seconds of audio segmented",
		}),

		ChunkOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_outcomes_total",
			Help:      "Total number of chunk units processed by outcome",
		}, []string{"outcome"}),
		DuplicateDelivered: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_deliveries_total",
			Help:      "Total number of redelivered tasks ignored",
		}, []string{"task_type"}),

		DecoderLoads: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decoder_loads_total",
			Help:      "Total number of decoder handle constructions",
		}, []string{"language", "result"}),
		DecoderLoadLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decoder_load_seconds",
			Help:      "Decoder handle construction latency in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"language"}),
		InferenceLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_latency_seconds",
			Help:      "Per-chunk decoding latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"language"}),
		InferenceErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inference_errors_total",
			Help:      "Total number of per-chunk decoding failures",
		}, []string{"language"}),

		QueuePublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_publish_total",
			Help:      "Total number of tasks published",
		}, []string{"queue", "task_type"}),
		QueuePublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_publish_errors_total",
			Help:      "Total number of task publish errors",
		}, []string{"queue", "task_type"}),
		QueuePublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_publish_latency_seconds",
			Help:      "Task publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"queue"}),
		TasksHandled: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_handled_total",
			Help:      "Total number of tasks handled by workers",
		}, []string{"queue", "task_type", "result"}),

		StoreConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_update_conflicts_total",
			Help:      "Total number of optimistic store update retries",
		}),

		GRPCCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_calls_total",
			Help:      "Total number of gRPC unary calls",
		}, []string{"method", "code"}),
	}
}

// RecordJobSubmitted records a job accepted by the sync, async or job variant.
func (m *Metrics) RecordJobSubmitted(variant string) {
	m.JobsSubmitted.WithLabelValues(variant).Inc()
}

// RecordJobStarted records a job entering RUNNING.
func (m *Metrics) RecordJobStarted() {
	m.JobsActive.Inc()
}

// RecordJobFinished records a job reaching DONE or FAILED.
// wasRunning reports whether the job had been counted as active.
func (m *Metrics) RecordJobFinished(status string, wasRunning bool, durationSeconds float64) {
	if wasRunning {
		m.JobsActive.Dec()
	}
	m.JobsFinished.WithLabelValues(status).Inc()
	m.JobDuration.Observe(durationSeconds)
}

// RecordSegmented records the chunks produced for one job.
func (m *Metrics) RecordSegmented(chunks int, audioSeconds float64) {
	m.ChunksCreated.Add(float64(chunks))
	m.AudioSeconds.Add(audioSeconds)
}

// RecordSegmentationError records a segmentation failure.
func (m *Metrics) RecordSegmentationError(reason string) {
	m.SegmentationErrors.WithLabelValues(reason).Inc()
}

// RecordChunkOutcome records a chunk result: success, empty, demoted or failed.
func (m *Metrics) RecordChunkOutcome(outcome string) {
	m.ChunkOutcomes.WithLabelValues(outcome).Inc()
}

// RecordDuplicate records an ignored redelivery.
func (m *Metrics) RecordDuplicate(taskType string) {
	m.DuplicateDelivered.WithLabelValues(taskType).Inc()
}

// RecordDecoderLoad records a decoder handle construction attempt.
func (m *Metrics) RecordDecoderLoad(language string, err error, latencySeconds float64) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.DecoderLoads.WithLabelValues(language, result).Inc()
	m.DecoderLoadLatency.WithLabelValues(language).Observe(latencySeconds)
}

// RecordInference records a per-chunk decoding call.
func (m *Metrics) RecordInference(language string, err error, latencySeconds float64) {
	m.InferenceLatency.WithLabelValues(language).Observe(latencySeconds)
	if err != nil {
		m.InferenceErrors.WithLabelValues(language).Inc()
	}
}

// RecordPublish records a task publish attempt.
func (m *Metrics) RecordPublish(queue, taskType string, err error, latencySeconds float64) {
	m.QueuePublishTotal.WithLabelValues(queue, taskType).Inc()
	m.QueuePublishLatency.WithLabelValues(queue).Observe(latencySeconds)
	if err != nil {
		m.QueuePublishErrors.WithLabelValues(queue, taskType).Inc()
	}
}

// RecordTaskHandled records a task processed by a worker.
func (m *Metrics) RecordTaskHandled(queue, taskType string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.TasksHandled.WithLabelValues(queue, taskType, result).Inc()
}

// RecordStoreConflict records an optimistic transaction retry.
func (m *Metrics) RecordStoreConflict() {
	m.StoreConflicts.Inc()
}

// RecordGRPCCall records a unary gRPC call.
func (m *Metrics) RecordGRPCCall(method, code string) {
	m.GRPCCalls.WithLabelValues(method, code).Inc()
}
