package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/taskqueue/internal/adapter/observability"
	"github.com/fairyhunter13/taskqueue/internal/domain"
)

func isInvalidState(err error) bool { return errors.Is(err, domain.ErrInvalidState) }

// RetryEngine applies a worker outcome to the durable job record: completion,
// backoff-and-requeue, or exhaustion into the dead-letter sink.
type RetryEngine struct {
	store    domain.JobStore
	queue    domain.ReadyQueue
	dlq      domain.DeadLetterSink
	resolver *Resolver
	bus      domain.EventBus
	log      *slog.Logger
	now      func() time.Time
}

// NewRetryEngine wires a RetryEngine.
func NewRetryEngine(store domain.JobStore, queue domain.ReadyQueue, dlq domain.DeadLetterSink, resolver *Resolver, bus domain.EventBus, log *slog.Logger) *RetryEngine {
	return &RetryEngine{
		store:    store,
		queue:    queue,
		dlq:      dlq,
		resolver: resolver,
		bus:      bus,
		log:      log,
		now:      time.Now,
	}
}

// HandleOutcome is the single entry point for a finished run. The job's
// ledger allocation is released in every branch.
func (e *RetryEngine) HandleOutcome(ctx domain.Context, job domain.Job, out domain.Outcome) error {
	if err := e.queue.Release(ctx, job.CPUUnits, job.MemoryMB); err != nil {
		e.log.Error("ledger release failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}

	switch out.Kind {
	case domain.OutcomeSuccess:
		return e.complete(ctx, job, out)
	case domain.OutcomeFailure, domain.OutcomeTimeout:
		if domain.ShouldRetry(job.CurrentAttempt, job.MaxAttempts) {
			return e.scheduleRetry(ctx, job, out)
		}
		return e.exhaust(ctx, job, out)
	}
	return fmt.Errorf("op=retry.handle_outcome: unknown outcome %q: %w", out.Kind, domain.ErrInternal)
}

func (e *RetryEngine) complete(ctx domain.Context, job domain.Job, out domain.Outcome) error {
	err := e.store.SetStatus(ctx, job.ID, domain.JobCompleted, domain.StatusPatch{Result: out.Result})
	if err != nil {
		return fmt.Errorf("op=retry.complete: %w", err)
	}
	_ = e.store.AppendLog(ctx, job.ID, "info", "Job completed successfully", "worker")

	duration := e.durationSince(job)
	observability.CompleteJob(job.Type, duration)
	e.bus.Publish(domain.NewJobEvent(domain.EventJobCompleted, job.ID, map[string]any{
		"status":           string(domain.JobCompleted),
		"duration_seconds": duration,
	}))

	// Signal dependents through the side channel; the dispatcher promotes
	// them on its next tick.
	if err := e.queue.MarkCompleted(ctx, job.ID); err != nil {
		e.log.Error("completion signal failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}
	e.log.Info("job completed", slog.String("job_id", job.ID), slog.String("type", job.Type))
	return nil
}

func (e *RetryEngine) scheduleRetry(ctx domain.Context, job domain.Job, out domain.Outcome) error {
	delay := domain.RetryDelay(job.CurrentAttempt, job.BackoffMultiplier)
	nextAttempt := job.CurrentAttempt + 1
	nextRetryAt := e.now().Add(delay)

	err := e.store.SetStatus(ctx, job.ID, domain.JobPending, domain.StatusPatch{
		CurrentAttempt: &nextAttempt,
		NextRetryAt:    &nextRetryAt,
		ErrorMessage:   &out.ErrorMessage,
	})
	if err != nil {
		return fmt.Errorf("op=retry.schedule: %w", err)
	}

	msg := fmt.Sprintf("Job failed on attempt %d of %d, retrying in %s: %s",
		nextAttempt, job.MaxAttempts, delay, out.ErrorMessage)
	_ = e.store.AppendLog(ctx, job.ID, "warning", msg, "scheduler")

	observability.RetryJob(job.Type)
	e.bus.Publish(domain.NewJobEvent(domain.EventJobRetryScheduled, job.ID, map[string]any{
		"status":        string(domain.JobPending),
		"attempt":       nextAttempt,
		"max_attempts":  job.MaxAttempts,
		"next_retry_at": nextRetryAt.UTC().Format(time.RFC3339),
		"error":         out.ErrorMessage,
	}))
	e.log.Warn("job retry scheduled",
		slog.String("job_id", job.ID),
		slog.Int("attempt", nextAttempt),
		slog.Int("max_attempts", job.MaxAttempts),
		slog.Duration("delay", delay))
	return nil
}

func (e *RetryEngine) exhaust(ctx domain.Context, job domain.Job, out domain.Outcome) error {
	status := domain.JobFailed
	execOutcome := "failure"
	if out.Kind == domain.OutcomeTimeout {
		status = domain.JobTimeout
		execOutcome = "timeout"
	}

	err := e.store.SetStatus(ctx, job.ID, status, domain.StatusPatch{ErrorMessage: &out.ErrorMessage})
	if err != nil {
		return fmt.Errorf("op=retry.exhaust: %w", err)
	}

	attempts := job.CurrentAttempt + 1
	msg := fmt.Sprintf("Job failed permanently after %d of %d attempts: %s",
		attempts, job.MaxAttempts, out.ErrorMessage)
	_ = e.store.AppendLog(ctx, job.ID, "error", msg, "scheduler")

	if err := e.dlq.Enqueue(ctx, domain.DeadLetterEntry{
		JobID:        job.ID,
		JobType:      job.Type,
		ErrorMessage: out.ErrorMessage,
		Attempts:     attempts,
		Payload:      job.Payload,
		FailedAt:     e.now().UTC(),
	}); err != nil {
		e.log.Error("dead-letter enqueue failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}

	observability.FailJob(job.Type, e.durationSince(job), execOutcome)
	observability.DeadLetterJob(job.Type)
	e.bus.Publish(domain.NewJobEvent(domain.EventJobFailed, job.ID, map[string]any{
		"status":   string(status),
		"error":    out.ErrorMessage,
		"attempts": attempts,
	}))

	// Terminal states also go through the side channel so peer dispatchers
	// re-evaluate dependents they hold; the inline cascade below covers the
	// local ones.
	if err := e.queue.MarkCompleted(ctx, job.ID); err != nil {
		e.log.Error("terminal signal failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}

	if _, err := e.resolver.FailDependents(ctx, job.ID); err != nil {
		e.log.Error("dependent cascade failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}
	e.log.Error("job failed permanently",
		slog.String("job_id", job.ID),
		slog.String("type", job.Type),
		slog.String("status", string(status)),
		slog.Int("attempts", attempts))
	return nil
}

func (e *RetryEngine) durationSince(job domain.Job) float64 {
	if job.StartedAt == nil {
		return 0
	}
	return e.now().Sub(*job.StartedAt).Seconds()
}
