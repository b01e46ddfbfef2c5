package usecase

import (
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/taskqueue/internal/config"
	"github.com/fairyhunter13/taskqueue/internal/domain"
)

// SystemHealth reports connectivity to the backing stores.
type SystemHealth struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Redis    string `json:"redis"`
}

// SystemMetrics is the operator rollup of queue state.
type SystemMetrics struct {
	JobsByStatus    map[domain.JobStatus]int64   `json:"jobs_by_status"`
	QueueSizes      map[domain.JobPriority]int64 `json:"queue_sizes"`
	Resources       domain.ResourceUsage         `json:"resources"`
	DeadLetterCount int64                        `json:"dead_letter_count"`
	SuccessRatePct  float64                      `json:"success_rate_pct"`
}

// AdminService exposes the operator surface: dead-letter management and
// system introspection.
type AdminService struct {
	cfg   config.Config
	store domain.JobStore
	queue domain.ReadyQueue
	dlq   domain.DeadLetterSink
	jobs  *JobService
	log   *slog.Logger
}

// NewAdminService wires an AdminService.
func NewAdminService(cfg config.Config, store domain.JobStore, queue domain.ReadyQueue, dlq domain.DeadLetterSink, jobs *JobService, log *slog.Logger) *AdminService {
	return &AdminService{cfg: cfg, store: store, queue: queue, dlq: dlq, jobs: jobs, log: log}
}

// DLQJobs pages through dead-lettered jobs, newest first.
func (s *AdminService) DLQJobs(ctx domain.Context, offset, limit int64) ([]domain.DeadLetterEntry, int64, error) {
	if limit < 1 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	entries, err := s.dlq.List(ctx, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.dlq.Count(ctx)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// DLQStats returns the sink's rollup counters.
func (s *AdminService) DLQStats(ctx domain.Context) (domain.DLQStats, error) {
	return s.dlq.Stats(ctx)
}

// DLQRecent returns the newest dead-lettered jobs.
func (s *AdminService) DLQRecent(ctx domain.Context, limit int64) ([]domain.DeadLetterEntry, error) {
	if limit < 1 || limit > 100 {
		limit = 10
	}
	return s.dlq.Recent(ctx, limit)
}

// RetryFromDLQ removes a dead-lettered job and re-admits it as a brand new
// job: fresh identity, NORMAL priority, attempts reset. The original record
// keeps its terminal status for the audit trail.
func (s *AdminService) RetryFromDLQ(ctx domain.Context, jobID string) (domain.Job, error) {
	entry, err := s.dlq.RemoveOne(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if entry == nil {
		return domain.Job{}, fmt.Errorf("op=admin.dlq_retry: job %s not in dead letter queue: %w", jobID, domain.ErrNotFound)
	}

	job, _, err := s.jobs.Create(ctx, domain.JobSpec{
		Type:     entry.JobType,
		Priority: domain.PriorityNormal,
		Payload:  entry.Payload,
	})
	if err != nil {
		// Put the entry back so it is not lost on a failed re-admission.
		if reErr := s.dlq.Enqueue(ctx, *entry); reErr != nil {
			s.log.Error("dead-letter restore failed", slog.String("job_id", jobID), slog.Any("error", reErr))
		}
		return domain.Job{}, err
	}

	_ = s.store.AppendLog(ctx, job.ID, "info",
		fmt.Sprintf("Job re-admitted from dead letter queue (was %s)", entry.JobID), "admin")
	s.log.Info("job re-admitted from dead letter queue",
		slog.String("old_job_id", entry.JobID), slog.String("new_job_id", job.ID))
	return job, nil
}

// ClearDLQ drops dead-lettered entries, optionally only one job type.
func (s *AdminService) ClearDLQ(ctx domain.Context, typeFilter string) (int64, error) {
	n, err := s.dlq.Clear(ctx, typeFilter)
	if err != nil {
		return 0, err
	}
	s.log.Warn("dead letter queue cleared", slog.Int64("removed", n), slog.String("type_filter", typeFilter))
	return n, nil
}

// Health pings both stores.
func (s *AdminService) Health(ctx domain.Context) SystemHealth {
	h := SystemHealth{Status: "healthy", Database: "connected", Redis: "connected"}
	if err := s.store.Ping(ctx); err != nil {
		h.Status = "unhealthy"
		h.Database = "disconnected"
	}
	if err := s.queue.Ping(ctx); err != nil {
		h.Status = "unhealthy"
		h.Redis = "disconnected"
	}
	return h
}

// Metrics gathers the operator rollup: status counts, band depths, ledger
// usage, dead-letter size, and the completed-vs-failed success rate.
func (s *AdminService) Metrics(ctx domain.Context) (SystemMetrics, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return SystemMetrics{}, err
	}
	sizes, err := s.queue.Sizes(ctx)
	if err != nil {
		return SystemMetrics{}, err
	}
	usage, err := s.queue.Usage(ctx)
	if err != nil {
		return SystemMetrics{}, err
	}
	dlqCount, err := s.dlq.Count(ctx)
	if err != nil {
		return SystemMetrics{}, err
	}

	completed := counts[domain.JobCompleted]
	terminalFailed := counts[domain.JobFailed] + counts[domain.JobTimeout]
	var rate float64
	if completed+terminalFailed > 0 {
		rate = float64(completed) / float64(completed+terminalFailed) * 100
	}

	return SystemMetrics{
		JobsByStatus:    counts,
		QueueSizes:      sizes,
		Resources:       usage,
		DeadLetterCount: dlqCount,
		SuccessRatePct:  rate,
	}, nil
}
