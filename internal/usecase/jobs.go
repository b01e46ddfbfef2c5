// Package usecase contains the application services behind the HTTP surface:
// job admission and lifecycle, and the operator/admin operations.
package usecase

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/taskqueue/internal/adapter/observability"
	"github.com/fairyhunter13/taskqueue/internal/config"
	"github.com/fairyhunter13/taskqueue/internal/domain"
)

// JobService handles admission and lifecycle operations on jobs.
type JobService struct {
	cfg   config.Config
	store domain.JobStore
	queue domain.ReadyQueue
	bus   domain.EventBus
	log   *slog.Logger
}

// NewJobService wires a JobService.
func NewJobService(cfg config.Config, store domain.JobStore, queue domain.ReadyQueue, bus domain.EventBus, log *slog.Logger) *JobService {
	return &JobService{cfg: cfg, store: store, queue: queue, bus: bus, log: log}
}

// applyDefaults fills unset spec fields from configuration.
func (s *JobService) applyDefaults(spec *domain.JobSpec) {
	if spec.Priority == "" {
		spec.Priority = domain.PriorityNormal
	}
	if spec.CPUUnits == 0 {
		spec.CPUUnits = 1
	}
	if spec.MemoryMB == 0 {
		spec.MemoryMB = 128
	}
	if spec.TimeoutSeconds == 0 {
		spec.TimeoutSeconds = s.cfg.DefaultJobTimeout
	}
	if spec.MaxAttempts == 0 {
		spec.MaxAttempts = s.cfg.MaxRetryAttempts
	}
	if spec.BackoffMultiplier == 0 {
		spec.BackoffMultiplier = s.cfg.RetryBackoffMultiplier
	}
}

func (s *JobService) validate(spec domain.JobSpec) error {
	if spec.Type == "" {
		return fmt.Errorf("op=jobs.create: type is required: %w", domain.ErrInvalidArgument)
	}
	if !spec.Priority.Valid() {
		return fmt.Errorf("op=jobs.create: unknown priority %q: %w", spec.Priority, domain.ErrInvalidArgument)
	}
	if spec.CPUUnits > s.cfg.MaxCPUUnits {
		return fmt.Errorf("op=jobs.create: cpu_units %d exceeds pool maximum %d: %w",
			spec.CPUUnits, s.cfg.MaxCPUUnits, domain.ErrInvalidArgument)
	}
	if spec.MemoryMB > s.cfg.MaxMemoryMB {
		return fmt.Errorf("op=jobs.create: memory_mb %d exceeds pool maximum %d: %w",
			spec.MemoryMB, s.cfg.MaxMemoryMB, domain.ErrInvalidArgument)
	}
	seen := make(map[string]struct{}, len(spec.DependsOn))
	for _, dep := range spec.DependsOn {
		if _, dup := seen[dep]; dup {
			return fmt.Errorf("op=jobs.create: duplicate dependency %s: %w", dep, domain.ErrInvalidArgument)
		}
		seen[dep] = struct{}{}
	}
	return nil
}

// Create admits a new job: defaults, validation, durable insert (with
// dependency edges), and an immediate enqueue when nothing blocks it.
// Returns the job and its queue position.
func (s *JobService) Create(ctx domain.Context, spec domain.JobSpec) (domain.Job, int, error) {
	s.applyDefaults(&spec)
	if err := s.validate(spec); err != nil {
		return domain.Job{}, 0, err
	}

	job, err := s.store.CreateJob(ctx, spec)
	if err != nil {
		return domain.Job{}, 0, err
	}

	if job.Status == domain.JobReady {
		// A duplicate push (idempotent resubmit) is harmless: the dispatcher
		// re-reads the job before running and drops stale handles.
		if err := s.queue.Push(ctx, domain.QueuedJob{
			JobID:    job.ID,
			CPUUnits: job.CPUUnits,
			MemoryMB: job.MemoryMB,
			Priority: job.Priority,
		}); err != nil {
			return domain.Job{}, 0, err
		}
	}

	observability.EnqueueJob(job.Type, string(job.Priority))
	s.bus.Publish(domain.NewJobEvent(domain.EventJobCreated, job.ID, map[string]any{
		"status":   string(job.Status),
		"type":     job.Type,
		"priority": string(job.Priority),
	}))
	s.log.Info("job created",
		slog.String("job_id", job.ID),
		slog.String("type", job.Type),
		slog.String("priority", string(job.Priority)),
		slog.String("status", string(job.Status)))

	pos, err := s.position(ctx, job)
	if err != nil {
		return domain.Job{}, 0, err
	}
	return job, pos, nil
}

// Get loads a job and, while it is still waiting, its queue position.
func (s *JobService) Get(ctx domain.Context, id string) (domain.Job, int, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return domain.Job{}, 0, err
	}
	pos, err := s.position(ctx, job)
	if err != nil {
		return domain.Job{}, 0, err
	}
	return job, pos, nil
}

// position is meaningful only for jobs still waiting to run; 0 otherwise.
func (s *JobService) position(ctx domain.Context, job domain.Job) (int, error) {
	switch job.Status {
	case domain.JobPending, domain.JobReady, domain.JobBlocked:
		return s.store.QueuePosition(ctx, job)
	}
	return 0, nil
}

// List pages through jobs with optional filters.
func (s *JobService) List(ctx domain.Context, f domain.JobFilter, page, perPage int) ([]domain.Job, int64, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}
	return s.store.ListJobs(ctx, f, page, perPage)
}

// Cancel stops a job that has not started running yet.
func (s *JobService) Cancel(ctx domain.Context, id string) (domain.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if !job.Status.Cancellable() {
		return domain.Job{}, fmt.Errorf("op=jobs.cancel: job is %s: %w", job.Status, domain.ErrInvalidState)
	}
	err = s.store.SetStatus(ctx, id, domain.JobCancelled, domain.StatusPatch{})
	if err != nil {
		// Lost a race against the dispatcher admitting it.
		if errors.Is(err, domain.ErrInvalidState) {
			return domain.Job{}, fmt.Errorf("op=jobs.cancel: %w", err)
		}
		return domain.Job{}, err
	}
	_ = s.store.AppendLog(ctx, id, "info", "Job cancelled by user", "job_service")
	s.bus.Publish(domain.NewJobEvent(domain.EventJobCancelled, id, map[string]any{
		"status": string(domain.JobCancelled),
	}))
	s.log.Info("job cancelled", slog.String("job_id", id))
	return s.store.GetJob(ctx, id)
}

// Logs returns a job's audit trail, newest first.
func (s *JobService) Logs(ctx domain.Context, id string) ([]domain.JobLog, error) {
	ok, err := s.store.JobExists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("op=jobs.logs: job %s: %w", id, domain.ErrNotFound)
	}
	return s.store.ListLogs(ctx, id)
}

// Executions returns a job's per-attempt history.
func (s *JobService) Executions(ctx domain.Context, id string) ([]domain.JobExecution, error) {
	ok, err := s.store.JobExists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("op=jobs.executions: job %s: %w", id, domain.ErrNotFound)
	}
	return s.store.ListExecutions(ctx, id)
}
