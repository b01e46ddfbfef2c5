package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/fairyhunter13/taskqueue/internal/domain"
)

// HandlerResolver maps a job type to the handler that runs it.
type HandlerResolver interface {
	Resolve(jobType string) domain.Handler
}

// Result pairs a finished job with its outcome. Cancelled marks runs the
// pool context cut short; their outcome reflects the shutdown, not the job.
type Result struct {
	Job       domain.Job
	Outcome   domain.Outcome
	Cancelled bool
}

// Pool runs jobs on a fixed set of workers. Each run gets a hard deadline of
// the job's timeout_seconds; an execution row brackets every attempt.
type Pool struct {
	store    domain.JobStore
	handlers HandlerResolver
	log      *slog.Logger
	size     int
	hostname string

	tasks   chan domain.Job
	results chan Result
	wg      sync.WaitGroup
}

// NewPool wires a Pool with size workers.
func NewPool(store domain.JobStore, handlers HandlerResolver, size int, log *slog.Logger) *Pool {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}
	return &Pool{
		store:    store,
		handlers: handlers,
		log:      log,
		size:     size,
		hostname: hostname,
		tasks:    make(chan domain.Job, size),
		results:  make(chan Result, size*2),
	}
}

// Start launches the workers. They drain the task channel until Close.
func (p *Pool) Start(ctx domain.Context) {
	for i := 0; i < p.size; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.hostname, i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.tasks {
				outcome, cancelled := p.run(ctx, workerID, job)
				p.results <- Result{Job: job, Outcome: outcome, Cancelled: cancelled}
			}
		}()
	}
}

// Dispatch hands a RUNNING job to the pool. Blocks when every worker is busy
// and the buffer is full; the dispatcher bounds inflight work before calling.
func (p *Pool) Dispatch(job domain.Job) {
	p.tasks <- job
}

// Results exposes finished runs for the dispatcher to drain.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Close stops intake and waits for in-flight runs to finish.
func (p *Pool) Close() {
	close(p.tasks)
	p.wg.Wait()
	close(p.results)
}

// run executes one attempt with a hard deadline and records its execution row.
func (p *Pool) run(ctx domain.Context, workerID string, job domain.Job) (out domain.Outcome, cancelled bool) {
	attempt := job.CurrentAttempt + 1
	execID, err := p.store.StartExecution(ctx, job.ID, attempt, workerID)
	if err != nil {
		p.log.Error("execution row open failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}

	defer func() {
		if r := recover(); r != nil {
			out = domain.Fail(fmt.Sprintf("handler panic: %v", r), string(debug.Stack()))
			p.log.Error("handler panicked",
				slog.String("job_id", job.ID), slog.String("type", job.Type), slog.Any("panic", r))
		}
		p.finishExecution(ctx, execID, out)
	}()

	p.log.Info("job execution started",
		slog.String("job_id", job.ID),
		slog.String("type", job.Type),
		slog.String("worker_id", workerID),
		slog.Int("attempt", attempt))

	timeout := time.Duration(job.TimeoutSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := p.handlers.Resolve(job.Type).Execute(runCtx, job)
	switch {
	case err == nil:
		return domain.Succeed(result), false
	case errors.Is(err, context.DeadlineExceeded) && runCtx.Err() != nil && ctx.Err() == nil:
		o := domain.TimedOut()
		o.ErrorMessage = fmt.Sprintf("Job timed out after %d seconds", job.TimeoutSeconds)
		return o, false
	case ctx.Err() != nil:
		// Pool shutdown; the dispatcher requeues the job instead of
		// treating the interruption as a real failure.
		return domain.Fail("worker shut down during execution", ""), true
	default:
		return domain.Fail(err.Error(), fmt.Sprintf("%+v", err)), false
	}
}

func (p *Pool) finishExecution(_ domain.Context, execID int64, out domain.Outcome) {
	if execID == 0 {
		return
	}
	// Detached context: the row must close even when the pool context was
	// cancelled by shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status := domain.ExecutionCompleted
	switch out.Kind {
	case domain.OutcomeFailure:
		status = domain.ExecutionFailed
	case domain.OutcomeTimeout:
		status = domain.ExecutionTimeout
	}
	if err := p.store.FinishExecution(ctx, execID, status, out.ErrorMessage, out.Traceback, out.Result); err != nil {
		p.log.Error("execution row close failed", slog.Int64("exec_id", execID), slog.Any("error", err))
	}
}
