package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/taskqueue/internal/domain"
)

// queryer abstracts over the pool and a transaction for the graph helpers.
type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// AddDependency inserts a parent→child edge after verifying both jobs exist
// and the edge would not close a cycle. Intended for operator tooling; the
// admission path records edges inside CreateJob's transaction.
func (s *Store) AddDependency(ctx domain.Context, parentID, childID string) error {
	tracer := otel.Tracer("repo.graph")
	ctx, span := tracer.Start(ctx, "graph.AddDependency")
	defer span.End()

	if parentID == childID {
		return fmt.Errorf("op=graph.add_dependency: self dependency: %w", domain.ErrCycleDetected)
	}
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=graph.add_dependency: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cyclic, err := wouldCreateCycle(ctx, tx, parentID, childID)
	if err != nil {
		return err
	}
	if cyclic {
		return fmt.Errorf("op=graph.add_dependency: %w", domain.ErrCycleDetected)
	}
	if err := s.insertEdgeTx(ctx, tx, parentID, childID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=graph.add_dependency.commit: %w", err)
	}
	return nil
}

func (s *Store) insertEdgeTx(ctx domain.Context, tx pgx.Tx, parentID, childID string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO job_dependencies (parent_job_id, child_job_id) VALUES ($1,$2)`,
		parentID, childID)
	if err != nil {
		switch {
		case isForeignKeyViolation(err):
			return fmt.Errorf("op=graph.insert_edge: dependency job %s not found: %w", parentID, domain.ErrInvalidArgument)
		case isUniqueViolation(err):
			return fmt.Errorf("op=graph.insert_edge: duplicate dependency %s: %w", parentID, domain.ErrInvalidArgument)
		}
		return fmt.Errorf("op=graph.insert_edge: %w", err)
	}
	return nil
}

// wouldCreateCycle reports whether adding parent→child closes a cycle, i.e.
// the parent is already reachable from the child by following child edges.
// Iterative DFS with an explicit stack to bound stack usage on deep graphs.
func wouldCreateCycle(ctx domain.Context, q queryer, parentID, childID string) (bool, error) {
	visited := map[string]struct{}{childID: {}}
	stack := []string{childID}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		children, err := childrenOf(ctx, q, cur)
		if err != nil {
			return false, err
		}
		for _, c := range children {
			if c == parentID {
				return true, nil
			}
			if _, seen := visited[c]; seen {
				continue
			}
			visited[c] = struct{}{}
			stack = append(stack, c)
		}
	}
	return false, nil
}

func childrenOf(ctx domain.Context, q queryer, jobID string) ([]string, error) {
	rows, err := q.Query(ctx, `SELECT child_job_id FROM job_dependencies WHERE parent_job_id=$1`, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=graph.children: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=graph.children.scan: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Children returns the direct dependents of a job.
func (s *Store) Children(ctx domain.Context, jobID string) ([]string, error) {
	return childrenOf(ctx, s.Pool, jobID)
}

// BlockedChildren returns the BLOCKED direct dependents of a parent.
func (s *Store) BlockedChildren(ctx domain.Context, parentID string) ([]domain.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs
		JOIN job_dependencies d ON jobs.id = d.child_job_id
		WHERE d.parent_job_id=$1 AND jobs.status=$2`
	rows, err := s.Pool.Query(ctx, q, parentID, domain.JobBlocked)
	if err != nil {
		return nil, fmt.Errorf("op=graph.blocked_children: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=graph.blocked_children.scan: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ParentStatuses returns the statuses of all parents of a job.
func (s *Store) ParentStatuses(ctx domain.Context, jobID string) ([]domain.JobStatus, error) {
	q := `SELECT jobs.status FROM jobs
		JOIN job_dependencies d ON jobs.id = d.parent_job_id
		WHERE d.child_job_id=$1`
	rows, err := s.Pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=graph.parent_statuses: %w", err)
	}
	defer rows.Close()
	var out []domain.JobStatus
	for rows.Next() {
		var st domain.JobStatus
		if err := rows.Scan(&st); err != nil {
			return nil, fmt.Errorf("op=graph.parent_statuses.scan: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) parentsCompletedTx(ctx domain.Context, tx pgx.Tx, parentIDs []string) (bool, error) {
	for _, id := range parentIDs {
		var st domain.JobStatus
		err := tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id=$1`, id).Scan(&st)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return false, fmt.Errorf("op=graph.parents_completed: dependency job %s not found: %w", id, domain.ErrInvalidArgument)
			}
			return false, fmt.Errorf("op=graph.parents_completed: %w", err)
		}
		if st != domain.JobCompleted {
			return false, nil
		}
	}
	return true, nil
}
