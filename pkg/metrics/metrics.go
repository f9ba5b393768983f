package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP request metrics
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapthumb_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapthumb_http_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// Export metrics
	ExportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapthumb_exports_total",
			Help: "Total number of exports",
		},
		[]string{"status", "format", "path"}, // status: success, error, cancelled
	)

	ExportDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapthumb_export_duration_seconds",
			Help:    "Export duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"format"},
	)

	ExportBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapthumb_export_bytes",
			Help:    "Export input/output bytes",
			Buckets: []float64{1024, 10240, 102400, 512000, 1048576, 5242880, 10485760},
		},
		[]string{"direction"}, // input, output
	)

	SearchIterations = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapthumb_search_iterations",
			Help:    "Encoder round trips per export",
			Buckets: []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 10, 15, 20},
		},
		[]string{"format"},
	)

	ExportSimilarity = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "snapthumb_export_similarity",
			Help:    "Similarity of exported images to their source",
			Buckets: []float64{0.5, 0.6, 0.7, 0.8, 0.85, 0.9, 0.95, 0.98, 1},
		},
	)

	TargetMissed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapthumb_target_missed_total",
			Help: "Exports returned over their size budget or under their similarity threshold",
		},
		[]string{"constraint"}, // size, similarity
	)

	// Queue/Pool metrics
	WorkerPoolQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "snapthumb_worker_pool_queue_size",
			Help: "Current number of jobs in worker pool queue",
		},
	)

	WorkerPoolActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "snapthumb_worker_pool_active_jobs",
			Help: "Current number of active export jobs",
		},
	)

	WorkerPoolRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snapthumb_worker_pool_rejected_total",
			Help: "Total number of jobs rejected because the queue was full",
		},
	)

	// Rate limiting metrics
	RateLimitExceeded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapthumb_rate_limit_exceeded_total",
			Help: "Total number of requests rejected due to rate limiting",
		},
		[]string{"ip_prefix"}, // First octet for privacy
	)

	// Concurrency metrics
	ConcurrentRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "snapthumb_concurrent_requests",
			Help: "Current number of concurrent requests being processed",
		},
	)

	ConcurrencyLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snapthumb_concurrency_limit_exceeded_total",
			Help: "Total number of requests rejected due to concurrency limit",
		},
	)

	// Cache metrics
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapthumb_cache_lookups_total",
			Help: "Result cache lookups",
		},
		[]string{"driver", "result"}, // hit, miss, error
	)

	// Memory metrics
	BufferPoolGets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapthumb_buffer_pool_gets_total",
			Help: "Total number of encode buffers handed out",
		},
		[]string{"size"}, // small, medium, large
	)

	BufferPoolAllocs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapthumb_buffer_pool_allocs_total",
			Help: "Total number of encode buffers allocated because the pool was empty",
		},
		[]string{"size"},
	)

	// Event metrics
	EventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "snapthumb_event_subscribers",
			Help: "Connected websocket event subscribers",
		},
	)
)

// RecordRequest records an HTTP request
func RecordRequest(method, endpoint, status string, duration float64) {
	RequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	RequestDuration.WithLabelValues(endpoint).Observe(duration)
}

// RecordExport records a finished export
func RecordExport(format, path string, duration float64, inputBytes, outputBytes, iterations int, similarity float64) {
	ExportsTotal.WithLabelValues("success", format, path).Inc()
	ExportDuration.WithLabelValues(format).Observe(duration)
	ExportBytes.WithLabelValues("input").Observe(float64(inputBytes))
	ExportBytes.WithLabelValues("output").Observe(float64(outputBytes))
	SearchIterations.WithLabelValues(format).Observe(float64(iterations))
	ExportSimilarity.Observe(similarity)
}

// RecordExportFailure records an export that returned an error
func RecordExportFailure(status string) {
	ExportsTotal.WithLabelValues(status, "", "").Inc()
}

// RecordTargetMissed records a best-effort result
func RecordTargetMissed(constraint string) {
	TargetMissed.WithLabelValues(constraint).Inc()
}

// UpdateWorkerPoolMetrics updates worker pool metrics
func UpdateWorkerPoolMetrics(queueSize, activeJobs int) {
	WorkerPoolQueueSize.Set(float64(queueSize))
	WorkerPoolActiveJobs.Set(float64(activeJobs))
}

// RecordPoolRejected records a job rejected by a full queue
func RecordPoolRejected() {
	WorkerPoolRejected.Inc()
}

// RecordRateLimitExceeded records a rate limit rejection
func RecordRateLimitExceeded(ipPrefix string) {
	RateLimitExceeded.WithLabelValues(ipPrefix).Inc()
}

// UpdateConcurrency updates concurrent request gauge
func UpdateConcurrency(count int) {
	ConcurrentRequests.Set(float64(count))
}

// RecordConcurrencyLimitExceeded records a concurrency limit rejection
func RecordConcurrencyLimitExceeded() {
	ConcurrencyLimitExceeded.Inc()
}

// RecordCacheLookup records a cache hit or miss
func RecordCacheLookup(driver string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheLookups.WithLabelValues(driver, result).Inc()
}

// RecordCacheError records a cache backend failure
func RecordCacheError(driver string) {
	CacheLookups.WithLabelValues(driver, "error").Inc()
}

// RecordBufferGet records a buffer handed out by the pool
func RecordBufferGet(size string) {
	BufferPoolGets.WithLabelValues(size).Inc()
}

// RecordBufferAlloc records a buffer allocated on a pool miss
func RecordBufferAlloc(size string) {
	BufferPoolAllocs.WithLabelValues(size).Inc()
}

// UpdateEventSubscribers sets the websocket subscriber gauge
func UpdateEventSubscribers(count int) {
	EventSubscribers.Set(float64(count))
}
