package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs pushed to the ready queue",
		},
		[]string{"type", "priority"},
	)
	JobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_running",
			Help: "Number of jobs currently executing",
		},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		},
		[]string{"type"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs that failed permanently",
		},
		[]string{"type"},
	)
	JobsRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_retried_total",
			Help: "Total number of retry attempts scheduled",
		},
		[]string{"type"},
	)
	JobsDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_dead_lettered_total",
			Help: "Total number of jobs appended to the dead-letter sink",
		},
		[]string{"type"},
	)
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Job execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300, 1800},
		},
		[]string{"type", "outcome"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ready_queue_depth",
			Help: "Number of job handles waiting per priority band",
		},
		[]string{"priority"},
	)
	LedgerAllocatedCPU = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledger_allocated_cpu_units",
			Help: "CPU units currently allocated to running jobs",
		},
	)
	LedgerAllocatedMemory = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledger_allocated_memory_mb",
			Help: "Memory (MB) currently allocated to running jobs",
		},
	)
)

// InitMetrics registers all collectors once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsRunning)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsRetriedTotal)
	prometheus.MustRegister(JobsDeadLetteredTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(LedgerAllocatedCPU)
	prometheus.MustRegister(LedgerAllocatedMemory)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// EnqueueJob counts a push to the ready queue.
func EnqueueJob(jobType, priority string) {
	JobsEnqueuedTotal.WithLabelValues(jobType, priority).Inc()
}

// StartJob marks one more running job.
func StartJob() { JobsRunning.Inc() }

// CompleteJob records a successful run.
func CompleteJob(jobType string, seconds float64) {
	JobsRunning.Dec()
	JobsCompletedTotal.WithLabelValues(jobType).Inc()
	JobDuration.WithLabelValues(jobType, "success").Observe(seconds)
}

// FailJob records a permanently failed run.
func FailJob(jobType string, seconds float64, outcome string) {
	JobsRunning.Dec()
	JobsFailedTotal.WithLabelValues(jobType).Inc()
	JobDuration.WithLabelValues(jobType, outcome).Observe(seconds)
}

// RetryJob records a scheduled retry.
func RetryJob(jobType string) {
	JobsRunning.Dec()
	JobsRetriedTotal.WithLabelValues(jobType).Inc()
}

// DeadLetterJob records an append to the dead-letter sink.
func DeadLetterJob(jobType string) {
	JobsDeadLetteredTotal.WithLabelValues(jobType).Inc()
}

// ObserveLedger publishes a ledger snapshot.
func ObserveLedger(allocatedCPU, allocatedMemoryMB int) {
	LedgerAllocatedCPU.Set(float64(allocatedCPU))
	LedgerAllocatedMemory.Set(float64(allocatedMemoryMB))
}

// ObserveQueueDepth publishes per-band queue sizes.
func ObserveQueueDepth(priority string, depth int64) {
	QueueDepth.WithLabelValues(priority).Set(float64(depth))
}
