package postgres

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/taskqueue/internal/domain"
)

// Store persists jobs, dependency edges, executions, and logs in PostgreSQL
// using a minimal pgx pool. It implements domain.JobStore.
type Store struct{ Pool PgxPool }

// NewStore constructs a Store with the given pool.
func NewStore(p PgxPool) *Store { return &Store{Pool: p} }

const jobColumns = `id, type, status, priority, payload, cpu_units, memory_mb, timeout_seconds,
	max_attempts, current_attempt, backoff_multiplier, created_at, updated_at,
	started_at, completed_at, next_retry_at, idempotency_key, result, COALESCE(error_message,'')`

type rowScanner interface{ Scan(dest ...any) error }

func scanJob(row rowScanner) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(
		&j.ID, &j.Type, &j.Status, &j.Priority, &j.Payload, &j.CPUUnits, &j.MemoryMB, &j.TimeoutSeconds,
		&j.MaxAttempts, &j.CurrentAttempt, &j.BackoffMultiplier, &j.CreatedAt, &j.UpdatedAt,
		&j.StartedAt, &j.CompletedAt, &j.NextRetryAt, &j.IdempotencyKey, &j.Result, &j.ErrorMessage,
	)
	return j, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// CreateJob inserts a new job with its dependency edges in one transaction.
// A job with unmet dependencies starts BLOCKED; otherwise READY. On
// idempotency-key collision the previously created job is returned unchanged.
func (s *Store) CreateJob(ctx domain.Context, spec domain.JobSpec) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()

	if spec.IdempotencyKey != nil && *spec.IdempotencyKey != "" {
		existing, err := s.findByIdempotencyKey(ctx, *spec.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.Job{}, err
		}
	}

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.create: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	id := uuid.New().String()
	payload := spec.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	now := time.Now().UTC()
	status := domain.JobReady
	if len(spec.DependsOn) > 0 {
		satisfied, err := s.parentsCompletedTx(ctx, tx, spec.DependsOn)
		if err != nil {
			return domain.Job{}, err
		}
		if !satisfied {
			status = domain.JobBlocked
		}
	}

	q := `INSERT INTO jobs (id, type, status, priority, payload, cpu_units, memory_mb, timeout_seconds,
		max_attempts, current_attempt, backoff_multiplier, created_at, updated_at, idempotency_key)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,0,$10,$11,$11,$12)`
	_, err = tx.Exec(ctx, q, id, spec.Type, status, spec.Priority, payload, spec.CPUUnits, spec.MemoryMB,
		spec.TimeoutSeconds, spec.MaxAttempts, spec.BackoffMultiplier, now, spec.IdempotencyKey)
	if err != nil {
		if isUniqueViolation(err) && spec.IdempotencyKey != nil {
			// Lost a race against a concurrent submit with the same key.
			_ = tx.Rollback(ctx)
			return s.findByIdempotencyKey(ctx, *spec.IdempotencyKey)
		}
		return domain.Job{}, fmt.Errorf("op=job.create: %w", err)
	}

	for _, parentID := range spec.DependsOn {
		if err := s.insertEdgeTx(ctx, tx, parentID, id); err != nil {
			return domain.Job{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Job{}, fmt.Errorf("op=job.create.commit: %w", err)
	}

	_ = s.AppendLog(ctx, id, "info",
		fmt.Sprintf("Job created with type %q and priority %q", spec.Type, spec.Priority), "job_service")

	return s.GetJob(ctx, id)
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	row := s.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

func (s *Store) findByIdempotencyKey(ctx domain.Context, key string) (domain.Job, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE idempotency_key=$1 LIMIT 1`, key)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.find_idem: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.find_idem: %w", err)
	}
	return j, nil
}

// JobExists reports whether a job id is known.
func (s *Store) JobExists(ctx domain.Context, id string) (bool, error) {
	var one int
	err := s.Pool.QueryRow(ctx, `SELECT 1 FROM jobs WHERE id=$1`, id).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("op=job.exists: %w", err)
	}
	return true, nil
}

// ListJobs returns a filtered page ordered by created_at descending, plus the
// total matching count.
func (s *Store) ListJobs(ctx domain.Context, f domain.JobFilter, page, perPage int) ([]domain.Job, int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.List")
	defer span.End()

	where := make([]string, 0, 3)
	args := make([]any, 0, 3)
	if f.Status != nil {
		args = append(args, *f.Status)
		where = append(where, fmt.Sprintf("status=$%d", len(args)))
	}
	if f.Priority != nil {
		args = append(args, *f.Priority)
		where = append(where, fmt.Sprintf("priority=$%d", len(args)))
	}
	if f.TypeContains != "" {
		args = append(args, "%"+f.TypeContains+"%")
		where = append(where, fmt.Sprintf("type ILIKE $%d", len(args)))
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := s.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs`+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("op=job.list.count: %w", err)
	}

	args = append(args, perPage, (page-1)*perPage)
	q := fmt.Sprintf(`SELECT `+jobColumns+` FROM jobs%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		cond, len(args)-1, len(args))
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("op=job.list.scan: %w", err)
		}
		out = append(out, j)
	}
	return out, total, rows.Err()
}

var terminalStatuses = []string{
	string(domain.JobCompleted), string(domain.JobFailed),
	string(domain.JobCancelled), string(domain.JobTimeout),
}

// SetStatus transitions a job and applies the patch in a single statement, so
// status, updated_at, and paired timestamps commit together. Terminal
// statuses are sinks: transitioning out of one fails with ErrInvalidState.
func (s *Store) SetStatus(ctx domain.Context, id string, status domain.JobStatus, patch domain.StatusPatch) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SetStatus")
	defer span.End()

	sets := []string{"status=$2", "updated_at=now()"}
	args := []any{id, status}
	if status == domain.JobRunning {
		sets = append(sets, "started_at=now()")
	}
	if status.Terminal() {
		sets = append(sets, "completed_at=now()")
	}
	if patch.CurrentAttempt != nil {
		args = append(args, *patch.CurrentAttempt)
		sets = append(sets, fmt.Sprintf("current_attempt=$%d", len(args)))
	}
	if patch.NextRetryAt != nil {
		args = append(args, *patch.NextRetryAt)
		sets = append(sets, fmt.Sprintf("next_retry_at=$%d", len(args)))
	}
	if patch.ErrorMessage != nil {
		args = append(args, *patch.ErrorMessage)
		sets = append(sets, fmt.Sprintf("error_message=$%d", len(args)))
	}
	if patch.Result != nil {
		args = append(args, patch.Result)
		sets = append(sets, fmt.Sprintf("result=$%d", len(args)))
	}

	args = append(args, terminalStatuses)
	q := fmt.Sprintf(`UPDATE jobs SET %s WHERE id=$1 AND NOT (status = ANY($%d))`,
		strings.Join(sets, ", "), len(args))
	tag, err := s.Pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("op=job.set_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		exists, eerr := s.JobExists(ctx, id)
		if eerr != nil {
			return eerr
		}
		if exists {
			return fmt.Errorf("op=job.set_status: job %s is terminal: %w", id, domain.ErrInvalidState)
		}
		return fmt.Errorf("op=job.set_status: %w", domain.ErrNotFound)
	}
	return nil
}

// FindDueRetries returns PENDING jobs whose next_retry_at has passed.
func (s *Store) FindDueRetries(ctx domain.Context, now time.Time, limit int) ([]domain.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status=$1 AND next_retry_at IS NOT NULL AND next_retry_at <= $2
		ORDER BY next_retry_at ASC LIMIT $3`
	rows, err := s.Pool.Query(ctx, q, domain.JobPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.due_retries: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.due_retries.scan: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// FindReadyBatch returns READY jobs ordered by priority band then FIFO.
func (s *Store) FindReadyBatch(ctx domain.Context, limit int) ([]domain.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE status=$1
		ORDER BY CASE priority
			WHEN 'critical' THEN 1 WHEN 'high' THEN 2 WHEN 'normal' THEN 3 ELSE 4 END,
			created_at ASC, id ASC
		LIMIT $2`
	rows, err := s.Pool.Query(ctx, q, domain.JobReady, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.ready_batch: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.ready_batch.scan: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// CountByStatus returns job counts grouped by status, with zeroes for
// statuses that have no rows.
func (s *Store) CountByStatus(ctx domain.Context) (map[domain.JobStatus]int64, error) {
	rows, err := s.Pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("op=job.count_by_status: %w", err)
	}
	defer rows.Close()
	out := make(map[domain.JobStatus]int64, len(domain.Statuses()))
	for _, st := range domain.Statuses() {
		out[st] = 0
	}
	for rows.Next() {
		var st domain.JobStatus
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("op=job.count_by_status.scan: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

// QueuePosition returns the 1-based position among waiting jobs: those of
// strictly higher priority plus equal-priority jobs created earlier, plus one.
func (s *Store) QueuePosition(ctx domain.Context, job domain.Job) (int, error) {
	q := `SELECT COUNT(*) FROM jobs
		WHERE status IN ('pending','ready') AND (
			(CASE priority WHEN 'critical' THEN 4 WHEN 'high' THEN 3 WHEN 'normal' THEN 2 ELSE 1 END) > $1
			OR (priority = $2 AND created_at < $3)
		)`
	var ahead int
	if err := s.Pool.QueryRow(ctx, q, job.Priority.Rank(), job.Priority, job.CreatedAt).Scan(&ahead); err != nil {
		return 0, fmt.Errorf("op=job.queue_position: %w", err)
	}
	return ahead + 1, nil
}

// RequeueOrphans resets abandoned RUNNING jobs back to PENDING with an
// immediate retry time. A RUNNING row counts as abandoned only once its
// lease (started_at plus its own timeout_seconds) has expired; rows inside
// the lease may still be held by a live peer process, which would otherwise
// double-execute. Returns the requeued jobs so the caller can release their
// ledger allocations.
func (s *Store) RequeueOrphans(ctx domain.Context) ([]domain.Job, error) {
	rows, err := s.Pool.Query(ctx,
		`UPDATE jobs SET status=$1, next_retry_at=now(), updated_at=now()
		 WHERE status=$2
		   AND (started_at IS NULL
		        OR started_at + timeout_seconds * interval '1 second' < now())
		 RETURNING id, type, priority, cpu_units, memory_mb`,
		domain.JobPending, domain.JobRunning)
	if err != nil {
		return nil, fmt.Errorf("op=job.requeue_orphans: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		var j domain.Job
		if err := rows.Scan(&j.ID, &j.Type, &j.Priority, &j.CPUUnits, &j.MemoryMB); err != nil {
			return nil, fmt.Errorf("op=job.requeue_orphans.scan: %w", err)
		}
		j.Status = domain.JobPending
		out = append(out, j)
	}
	return out, rows.Err()
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx domain.Context) error {
	var one int
	if err := s.Pool.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("op=store.ping: %w", err)
	}
	return nil
}
