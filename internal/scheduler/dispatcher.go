package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/taskqueue/internal/adapter/observability"
	"github.com/fairyhunter13/taskqueue/internal/config"
	"github.com/fairyhunter13/taskqueue/internal/domain"
)

const (
	retryBatchLimit  = 100
	blockedSweepPage = 500
	tickErrorBackoff = 5 * time.Second

	// timeoutSweepGrace delays the RUNNING-timeout backstop past the
	// per-task deadline so the normal path wins every race it can.
	timeoutSweepGrace = 5 * time.Second
)

// Dispatcher owns the scheduling loop: it promotes dependents, admits due
// retries, pops admissible work off the shared queue, and feeds outcomes to
// the retry engine. Multiple dispatcher processes may share the stores; the
// queue's atomic pop keeps them from double-admitting.
type Dispatcher struct {
	cfg      config.Config
	store    domain.JobStore
	queue    domain.ReadyQueue
	pool     *Pool
	resolver *Resolver
	retry    *RetryEngine
	bus      domain.EventBus
	log      *slog.Logger

	inflight map[string]domain.Job
	// reaped holds ids the timeout sweep already resolved; a late result
	// from the wedged worker must not be applied a second time.
	reaped map[string]struct{}
}

// NewDispatcher wires a Dispatcher.
func NewDispatcher(cfg config.Config, store domain.JobStore, queue domain.ReadyQueue, pool *Pool, resolver *Resolver, retry *RetryEngine, bus domain.EventBus, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		store:    store,
		queue:    queue,
		pool:     pool,
		resolver: resolver,
		retry:    retry,
		bus:      bus,
		log:      log,
		inflight: make(map[string]domain.Job),
		reaped:   make(map[string]struct{}),
	}
}

// Run executes the loop until ctx is cancelled, then drains the pool.
func (d *Dispatcher) Run(ctx domain.Context) error {
	if err := d.startup(ctx); err != nil {
		return err
	}
	d.pool.Start(ctx)
	d.bus.Publish(domain.NewSystemEvent("scheduler_started", map[string]any{
		"max_concurrent_jobs": d.cfg.MaxConcurrentJobs,
	}))

	lastSweep := time.Now()
	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return nil
		case <-time.After(d.cfg.TickInterval):
		}

		if err := d.tick(ctx, &lastSweep); err != nil {
			if ctx.Err() != nil {
				d.shutdown()
				return nil
			}
			d.log.Error("dispatcher tick failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				d.shutdown()
				return nil
			case <-time.After(tickErrorBackoff):
			}
		}
	}
}

// startup initializes the shared ledger and re-admits orphaned work. Both
// steps are safe next to live peer processes: the ledger init only creates
// missing keys, and the orphan requeue skips rows whose lease still holds.
func (d *Dispatcher) startup(ctx domain.Context) error {
	if err := d.queue.InitResources(ctx, d.cfg.MaxCPUUnits, d.cfg.MaxMemoryMB); err != nil {
		return err
	}
	orphans, err := d.store.RequeueOrphans(ctx)
	if err != nil {
		return err
	}
	for _, job := range orphans {
		if err := d.queue.Release(ctx, job.CPUUnits, job.MemoryMB); err != nil {
			d.log.Error("orphan ledger release failed", slog.String("job_id", job.ID), slog.Any("error", err))
		}
	}
	if len(orphans) > 0 {
		d.log.Warn("requeued orphaned running jobs", slog.Int("count", len(orphans)))
	}
	d.log.Info("dispatcher started",
		slog.Int("max_concurrent_jobs", d.cfg.MaxConcurrentJobs),
		slog.Int("max_cpu_units", d.cfg.MaxCPUUnits),
		slog.Int("max_memory_mb", d.cfg.MaxMemoryMB))
	return nil
}

func (d *Dispatcher) tick(ctx domain.Context, lastSweep *time.Time) error {
	d.drainResults(ctx)

	if err := d.promoteCompleted(ctx); err != nil {
		return err
	}
	if err := d.admitDueRetries(ctx); err != nil {
		return err
	}
	if err := d.admit(ctx); err != nil {
		return err
	}
	d.sweepTimedOut(ctx)
	if time.Since(*lastSweep) >= d.cfg.SweepInterval {
		*lastSweep = time.Now()
		if err := d.sweepBlocked(ctx); err != nil {
			return err
		}
	}
	d.observe(ctx)
	return nil
}

// drainResults applies every finished run without blocking.
func (d *Dispatcher) drainResults(ctx domain.Context) {
	for {
		select {
		case res, ok := <-d.pool.Results():
			if !ok {
				return
			}
			delete(d.inflight, res.Job.ID)
			if _, ok := d.reaped[res.Job.ID]; ok {
				// The timeout sweep already resolved this job.
				delete(d.reaped, res.Job.ID)
				continue
			}
			if err := d.retry.HandleOutcome(ctx, res.Job, res.Outcome); err != nil {
				d.log.Error("outcome handling failed",
					slog.String("job_id", res.Job.ID), slog.Any("error", err))
			}
		default:
			return
		}
	}
}

// sweepTimedOut is the backstop for lost deadline firings: an inflight job
// whose worker is wedged in a handler that ignores its context would stay
// RUNNING and hold ledger resources forever. Once a job overruns its timeout
// by the grace period it is resolved as a timeout; the worker goroutine stays
// occupied until the handler returns, and its late result is dropped.
func (d *Dispatcher) sweepTimedOut(ctx domain.Context) {
	now := time.Now()
	for id, job := range d.inflight {
		if job.StartedAt == nil {
			continue
		}
		deadline := job.StartedAt.Add(time.Duration(job.TimeoutSeconds)*time.Second + timeoutSweepGrace)
		if now.Before(deadline) {
			continue
		}
		out := domain.TimedOut()
		out.ErrorMessage = fmt.Sprintf("Job timed out after %d seconds", job.TimeoutSeconds)
		if err := d.retry.HandleOutcome(ctx, job, out); err != nil {
			d.log.Error("timeout sweep outcome failed", slog.String("job_id", id), slog.Any("error", err))
			continue
		}
		delete(d.inflight, id)
		d.reaped[id] = struct{}{}
		d.log.Warn("running job swept after timeout",
			slog.String("job_id", id),
			slog.String("type", job.Type),
			slog.Int("timeout_seconds", job.TimeoutSeconds))
	}
}

// promoteCompleted drains the completion side channel and promotes dependents
// of each terminal parent.
func (d *Dispatcher) promoteCompleted(ctx domain.Context) error {
	ids, err := d.queue.DrainCompleted(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := d.resolver.PromoteDependents(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// admitDueRetries promotes PENDING jobs whose backoff has elapsed, provided
// their dependencies still hold.
func (d *Dispatcher) admitDueRetries(ctx domain.Context) error {
	due, err := d.store.FindDueRetries(ctx, time.Now(), retryBatchLimit)
	if err != nil {
		return err
	}
	for _, job := range due {
		ok, err := d.resolver.ParentsSatisfied(ctx, job.ID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := d.resolver.Promote(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// admit pops admissible work while capacity remains, re-reads each job under
// the durable store, and hands READY jobs to the pool.
func (d *Dispatcher) admit(ctx domain.Context) error {
	for len(d.inflight) < d.cfg.MaxConcurrentJobs {
		qj, err := d.queue.TryPopAdmissible(ctx, d.cfg.PopTimeout)
		if err != nil {
			return err
		}
		if qj == nil {
			return nil
		}

		job, err := d.store.GetJob(ctx, qj.JobID)
		if err != nil || job.Status != domain.JobReady {
			// Cancelled or otherwise moved on since it was enqueued; give the
			// deducted resources back and drop the stale handle.
			if relErr := d.queue.Release(ctx, qj.CPUUnits, qj.MemoryMB); relErr != nil {
				d.log.Error("stale handle release failed", slog.String("job_id", qj.JobID), slog.Any("error", relErr))
			}
			if err != nil {
				d.log.Warn("popped job not loadable", slog.String("job_id", qj.JobID), slog.Any("error", err))
			}
			continue
		}

		if err := d.store.SetStatus(ctx, job.ID, domain.JobRunning, domain.StatusPatch{}); err != nil {
			if relErr := d.queue.Release(ctx, qj.CPUUnits, qj.MemoryMB); relErr != nil {
				d.log.Error("ledger release failed", slog.String("job_id", job.ID), slog.Any("error", relErr))
			}
			continue
		}
		now := time.Now()
		job.Status = domain.JobRunning
		job.StartedAt = &now

		d.inflight[job.ID] = job
		observability.StartJob()
		_ = d.store.AppendLog(ctx, job.ID, "info", "Job execution started", "scheduler")
		d.bus.Publish(domain.NewJobEvent(domain.EventJobStarted, job.ID, map[string]any{
			"status":   string(domain.JobRunning),
			"type":     job.Type,
			"priority": string(job.Priority),
		}))
		d.pool.Dispatch(job)
	}
	return nil
}

// sweepBlocked is the backstop for missed completion signals: it re-evaluates
// every BLOCKED job against its parents.
func (d *Dispatcher) sweepBlocked(ctx domain.Context) error {
	blocked := domain.JobBlocked
	jobs, _, err := d.store.ListJobs(ctx, domain.JobFilter{Status: &blocked}, 1, blockedSweepPage)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		ok, err := d.resolver.ParentsSatisfied(ctx, job.ID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := d.resolver.Promote(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// observe refreshes queue depth and ledger gauges.
func (d *Dispatcher) observe(ctx domain.Context) {
	if sizes, err := d.queue.Sizes(ctx); err == nil {
		for p, depth := range sizes {
			observability.ObserveQueueDepth(string(p), depth)
		}
	}
	if usage, err := d.queue.Usage(ctx); err == nil {
		observability.ObserveLedger(usage.AllocatedCPU, usage.AllocatedMemory)
	}
}

// shutdown stops intake, waits for in-flight runs, and returns their state to
// the stores so a restart can re-admit them.
func (d *Dispatcher) shutdown() {
	d.log.Info("dispatcher shutting down", slog.Int("inflight", len(d.inflight)))
	d.pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownTimeout)
	defer cancel()

	// Runs that finished during the drain window keep their real outcome;
	// only runs the cancelled context cut short are requeued, so a success
	// landing mid-shutdown is not re-executed on restart.
	for res := range d.pool.Results() {
		delete(d.inflight, res.Job.ID)
		if _, ok := d.reaped[res.Job.ID]; ok {
			delete(d.reaped, res.Job.ID)
			continue
		}
		if res.Cancelled {
			observability.JobsRunning.Dec()
			d.requeue(ctx, res.Job)
			continue
		}
		if err := d.retry.HandleOutcome(ctx, res.Job, res.Outcome); err != nil {
			d.log.Error("shutdown outcome handling failed",
				slog.String("job_id", res.Job.ID), slog.Any("error", err))
		}
	}
	for _, job := range d.inflight {
		d.requeue(ctx, job)
	}
	d.bus.Publish(domain.NewSystemEvent("scheduler_stopped", nil))
	d.log.Info("dispatcher stopped")
}

func (d *Dispatcher) requeue(ctx domain.Context, job domain.Job) {
	if err := d.queue.Release(ctx, job.CPUUnits, job.MemoryMB); err != nil {
		d.log.Error("shutdown ledger release failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}
	now := time.Now()
	err := d.store.SetStatus(ctx, job.ID, domain.JobPending, domain.StatusPatch{NextRetryAt: &now})
	if err != nil {
		d.log.Error("shutdown requeue failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	_ = d.store.AppendLog(ctx, job.ID, "warning", "Scheduler shut down mid-run, job requeued", "scheduler")
}
