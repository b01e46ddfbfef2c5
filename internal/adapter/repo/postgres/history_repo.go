package postgres

import (
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/taskqueue/internal/domain"
)

// AppendLog records a structured audit line for a job.
func (s *Store) AppendLog(ctx domain.Context, jobID, level, message, logContext string) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO job_logs (job_id, level, message, context) VALUES ($1,$2,$3,$4)`,
		jobID, level, message, logContext)
	if err != nil {
		return fmt.Errorf("op=log.append: %w", err)
	}
	return nil
}

// ListLogs returns a job's logs newest first.
func (s *Store) ListLogs(ctx domain.Context, jobID string) ([]domain.JobLog, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT id, job_id, level, message, context, timestamp FROM job_logs WHERE job_id=$1 ORDER BY timestamp DESC, id DESC`,
		jobID)
	if err != nil {
		return nil, fmt.Errorf("op=log.list: %w", err)
	}
	defer rows.Close()
	var out []domain.JobLog
	for rows.Next() {
		var l domain.JobLog
		if err := rows.Scan(&l.ID, &l.JobID, &l.Level, &l.Message, &l.Context, &l.Timestamp); err != nil {
			return nil, fmt.Errorf("op=log.list.scan: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// StartExecution opens the execution row for an attempt and returns its id.
func (s *Store) StartExecution(ctx domain.Context, jobID string, attempt int, workerID string) (int64, error) {
	tracer := otel.Tracer("repo.executions")
	ctx, span := tracer.Start(ctx, "executions.Start")
	defer span.End()
	var id int64
	err := s.Pool.QueryRow(ctx,
		`INSERT INTO job_executions (job_id, attempt_number, status, worker_id) VALUES ($1,$2,$3,$4) RETURNING id`,
		jobID, attempt, domain.ExecutionStarted, workerID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("op=execution.start: %w", err)
	}
	return id, nil
}

// FinishExecution closes an execution row with its outcome and duration.
func (s *Store) FinishExecution(ctx domain.Context, execID int64, status domain.ExecutionStatus, errMsg, traceback string, result json.RawMessage) error {
	tracer := otel.Tracer("repo.executions")
	ctx, span := tracer.Start(ctx, "executions.Finish")
	defer span.End()
	q := `UPDATE job_executions SET status=$2, completed_at=now(),
		duration_seconds=EXTRACT(EPOCH FROM (now() - started_at)),
		error_message=NULLIF($3,''), error_traceback=NULLIF($4,''), result=$5
		WHERE id=$1`
	if _, err := s.Pool.Exec(ctx, q, execID, status, errMsg, traceback, result); err != nil {
		return fmt.Errorf("op=execution.finish: %w", err)
	}
	return nil
}

// ListExecutions returns a job's attempts in order.
func (s *Store) ListExecutions(ctx domain.Context, jobID string) ([]domain.JobExecution, error) {
	q := `SELECT id, job_id, attempt_number, status, started_at, completed_at, duration_seconds,
		worker_id, COALESCE(error_message,''), COALESCE(error_traceback,''), result
		FROM job_executions WHERE job_id=$1 ORDER BY attempt_number ASC, id ASC`
	rows, err := s.Pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=execution.list: %w", err)
	}
	defer rows.Close()
	var out []domain.JobExecution
	for rows.Next() {
		var e domain.JobExecution
		if err := rows.Scan(&e.ID, &e.JobID, &e.AttemptNumber, &e.Status, &e.StartedAt, &e.CompletedAt,
			&e.DurationSeconds, &e.WorkerID, &e.ErrorMessage, &e.ErrorTraceback, &e.Result); err != nil {
			return nil, fmt.Errorf("op=execution.list.scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
