// Package scheduler runs the dispatch loop: dependency resolution, worker
// pool execution, and the retry state machine over the shared stores.
package scheduler

import (
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/taskqueue/internal/domain"
)

// Resolver promotes and cascade-fails jobs along the dependency graph.
type Resolver struct {
	store domain.JobStore
	queue domain.ReadyQueue
	bus   domain.EventBus
	log   *slog.Logger
}

// NewResolver wires a Resolver.
func NewResolver(store domain.JobStore, queue domain.ReadyQueue, bus domain.EventBus, log *slog.Logger) *Resolver {
	return &Resolver{store: store, queue: queue, bus: bus, log: log}
}

// ParentsSatisfied reports whether every parent of a job is COMPLETED.
func (r *Resolver) ParentsSatisfied(ctx domain.Context, jobID string) (bool, error) {
	statuses, err := r.store.ParentStatuses(ctx, jobID)
	if err != nil {
		return false, err
	}
	for _, st := range statuses {
		if st != domain.JobCompleted {
			return false, nil
		}
	}
	return true, nil
}

// PromoteDependents moves every BLOCKED child of parent whose parents are all
// COMPLETED to READY and enqueues it. Idempotent: children promoted by an
// earlier pass are no longer BLOCKED and are skipped.
func (r *Resolver) PromoteDependents(ctx domain.Context, parentID string) error {
	children, err := r.store.BlockedChildren(ctx, parentID)
	if err != nil {
		return err
	}
	for _, child := range children {
		ok, err := r.ParentsSatisfied(ctx, child.ID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := r.Promote(ctx, child); err != nil {
			return err
		}
	}
	return nil
}

// Promote flips a job to READY and enqueues it on the shared queue.
func (r *Resolver) Promote(ctx domain.Context, job domain.Job) error {
	if err := r.store.SetStatus(ctx, job.ID, domain.JobReady, domain.StatusPatch{}); err != nil {
		return fmt.Errorf("op=resolver.promote: %w", err)
	}
	if err := r.queue.Push(ctx, domain.QueuedJob{
		JobID:    job.ID,
		CPUUnits: job.CPUUnits,
		MemoryMB: job.MemoryMB,
		Priority: job.Priority,
	}); err != nil {
		return fmt.Errorf("op=resolver.promote: %w", err)
	}
	_ = r.store.AppendLog(ctx, job.ID, "info", "All dependencies satisfied, job is ready to run", "scheduler")
	r.log.Info("job promoted to ready",
		slog.String("job_id", job.ID), slog.String("priority", string(job.Priority)))
	return nil
}

// FailDependents fails the whole transitive closure of dependents of a
// terminally failed parent. Iterative BFS with a visited set; diamond graphs
// are visited once. Returns the ids it failed.
func (r *Resolver) FailDependents(ctx domain.Context, parentID string) ([]string, error) {
	const cascadeMessage = "Dependency job failed"

	var failed []string
	visited := map[string]struct{}{parentID: {}}
	frontier := []string{parentID}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		children, err := r.store.Children(ctx, cur)
		if err != nil {
			return failed, err
		}
		for _, childID := range children {
			if _, seen := visited[childID]; seen {
				continue
			}
			visited[childID] = struct{}{}
			msg := cascadeMessage
			err := r.store.SetStatus(ctx, childID, domain.JobFailed, domain.StatusPatch{ErrorMessage: &msg})
			if err != nil {
				// Already terminal (e.g. cancelled); nothing to cascade from it
				// beyond what its own transition did.
				if isInvalidState(err) {
					continue
				}
				return failed, err
			}
			failed = append(failed, childID)
			_ = r.store.AppendLog(ctx, childID, "error", cascadeMessage, "scheduler")
			r.bus.Publish(domain.NewJobEvent(domain.EventJobFailed, childID, map[string]any{
				"status": string(domain.JobFailed),
				"error":  cascadeMessage,
			}))
			frontier = append(frontier, childID)
		}
	}
	if len(failed) > 0 {
		r.log.Warn("cascade failed dependent jobs",
			slog.String("parent_id", parentID), slog.Int("count", len(failed)))
	}
	return failed, nil
}
