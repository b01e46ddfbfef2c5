package httpserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/taskqueue/internal/config"
	"github.com/fairyhunter13/taskqueue/internal/domain"
	"github.com/fairyhunter13/taskqueue/internal/usecase"
)

func testConfig() config.Config {
	return config.Config{
		MaxConcurrentJobs:      10,
		MaxCPUUnits:            8,
		MaxMemoryMB:            4096,
		DefaultJobTimeout:      3600,
		MaxRetryAttempts:       3,
		RetryBackoffMultiplier: 2.0,
	}
}

// stubStore is a minimal in-memory JobStore for handler tests.
type stubStore struct {
	mu      sync.Mutex
	jobs    map[string]*domain.Job
	logs    map[string][]domain.JobLog
	seq     int
	pingErr error
}

func newStubStore() *stubStore {
	return &stubStore{
		jobs: map[string]*domain.Job{},
		logs: map[string][]domain.JobLog{},
	}
}

func (s *stubStore) put(j domain.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := j
	s.jobs[j.ID] = &cp
}

func (s *stubStore) CreateJob(ctx domain.Context, spec domain.JobSpec) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := domain.JobReady
	for _, dep := range spec.DependsOn {
		parent, ok := s.jobs[dep]
		if !ok {
			return domain.Job{}, fmt.Errorf("dependency job %s not found: %w", dep, domain.ErrInvalidArgument)
		}
		if parent.Status != domain.JobCompleted {
			status = domain.JobBlocked
		}
	}
	s.seq++
	job := domain.Job{
		ID:                fmt.Sprintf("00000000-0000-0000-0000-%012d", s.seq),
		Type:              spec.Type,
		Status:            status,
		Priority:          spec.Priority,
		Payload:           spec.Payload,
		CPUUnits:          spec.CPUUnits,
		MemoryMB:          spec.MemoryMB,
		TimeoutSeconds:    spec.TimeoutSeconds,
		MaxAttempts:       spec.MaxAttempts,
		BackoffMultiplier: spec.BackoffMultiplier,
		CreatedAt:         time.Now().UTC(),
		UpdatedAt:         time.Now().UTC(),
	}
	s.jobs[job.ID] = &job
	s.logs[job.ID] = append(s.logs[job.ID], domain.JobLog{
		JobID: job.ID, Level: "info",
		Message:   fmt.Sprintf("Job created with type %q and priority %q", spec.Type, spec.Priority),
		Context:   "job_service",
		Timestamp: time.Now(),
	})
	return job, nil
}

func (s *stubStore) GetJob(ctx domain.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return *j, nil
}

func (s *stubStore) ListJobs(ctx domain.Context, f domain.JobFilter, page, perPage int) ([]domain.Job, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if f.Status != nil && j.Status != *f.Status {
			continue
		}
		if f.TypeContains != "" && !strings.Contains(j.Type, f.TypeContains) {
			continue
		}
		out = append(out, *j)
	}
	return out, int64(len(out)), nil
}

func (s *stubStore) SetStatus(ctx domain.Context, id string, status domain.JobStatus, patch domain.StatusPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status.Terminal() {
		return fmt.Errorf("job is %s: %w", j.Status, domain.ErrInvalidState)
	}
	j.Status = status
	return nil
}

func (s *stubStore) AddDependency(ctx domain.Context, parentID, childID string) error { return nil }

func (s *stubStore) JobExists(ctx domain.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	return ok, nil
}

func (s *stubStore) FindDueRetries(ctx domain.Context, now time.Time, limit int) ([]domain.Job, error) {
	return nil, nil
}

func (s *stubStore) FindReadyBatch(ctx domain.Context, limit int) ([]domain.Job, error) {
	return nil, nil
}

func (s *stubStore) AppendLog(ctx domain.Context, jobID, level, message, logContext string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[jobID] = append(s.logs[jobID], domain.JobLog{
		JobID: jobID, Level: level, Message: message, Context: logContext, Timestamp: time.Now(),
	})
	return nil
}

func (s *stubStore) ListLogs(ctx domain.Context, jobID string) ([]domain.JobLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logs[jobID], nil
}

func (s *stubStore) StartExecution(ctx domain.Context, jobID string, attempt int, workerID string) (int64, error) {
	return 1, nil
}

func (s *stubStore) FinishExecution(ctx domain.Context, execID int64, status domain.ExecutionStatus, errMsg, traceback string, result json.RawMessage) error {
	return nil
}

func (s *stubStore) ListExecutions(ctx domain.Context, jobID string) ([]domain.JobExecution, error) {
	return []domain.JobExecution{{JobID: jobID, AttemptNumber: 1, Status: domain.ExecutionCompleted, StartedAt: time.Now()}}, nil
}

func (s *stubStore) CountByStatus(ctx domain.Context) (map[domain.JobStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[domain.JobStatus]int64{}
	for _, j := range s.jobs {
		out[j.Status]++
	}
	return out, nil
}

func (s *stubStore) QueuePosition(ctx domain.Context, job domain.Job) (int, error) { return 1, nil }

func (s *stubStore) BlockedChildren(ctx domain.Context, parentID string) ([]domain.Job, error) {
	return nil, nil
}

func (s *stubStore) ParentStatuses(ctx domain.Context, jobID string) ([]domain.JobStatus, error) {
	return nil, nil
}

func (s *stubStore) Children(ctx domain.Context, jobID string) ([]string, error) { return nil, nil }

func (s *stubStore) RequeueOrphans(ctx domain.Context) ([]domain.Job, error) { return nil, nil }

func (s *stubStore) Ping(ctx domain.Context) error { return s.pingErr }

// stubQueue is a minimal in-memory ReadyQueue.
type stubQueue struct {
	mu      sync.Mutex
	pushed  []domain.QueuedJob
	pingErr error
}

func (q *stubQueue) InitResources(ctx domain.Context, maxCPU, maxMemoryMB int) error { return nil }

func (q *stubQueue) SetLimits(ctx domain.Context, maxCPU, maxMemoryMB int) error { return nil }

func (q *stubQueue) Push(ctx domain.Context, j domain.QueuedJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pushed = append(q.pushed, j)
	return nil
}

func (q *stubQueue) TryPopAdmissible(ctx domain.Context, timeout time.Duration) (*domain.QueuedJob, error) {
	return nil, nil
}

func (q *stubQueue) Release(ctx domain.Context, cpuUnits, memoryMB int) error { return nil }

func (q *stubQueue) Usage(ctx domain.Context) (domain.ResourceUsage, error) {
	return domain.ResourceUsage{MaxCPU: 8, MaxMemory: 4096}, nil
}

func (q *stubQueue) Sizes(ctx domain.Context) (map[domain.JobPriority]int64, error) {
	return map[domain.JobPriority]int64{}, nil
}

func (q *stubQueue) MarkCompleted(ctx domain.Context, jobID string) error { return nil }

func (q *stubQueue) DrainCompleted(ctx domain.Context) ([]string, error) { return nil, nil }

func (q *stubQueue) Ping(ctx domain.Context) error { return q.pingErr }

// stubDLQ is a minimal in-memory DeadLetterSink.
type stubDLQ struct {
	mu      sync.Mutex
	entries []domain.DeadLetterEntry
}

func (d *stubDLQ) Enqueue(ctx domain.Context, e domain.DeadLetterEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append([]domain.DeadLetterEntry{e}, d.entries...)
	return nil
}

func (d *stubDLQ) List(ctx domain.Context, offset, limit int64) ([]domain.DeadLetterEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if offset >= int64(len(d.entries)) {
		return nil, nil
	}
	end := offset + limit
	if end > int64(len(d.entries)) {
		end = int64(len(d.entries))
	}
	return append([]domain.DeadLetterEntry(nil), d.entries[offset:end]...), nil
}

func (d *stubDLQ) Count(ctx domain.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(d.entries)), nil
}

func (d *stubDLQ) Stats(ctx domain.Context) (domain.DLQStats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	stats := domain.DLQStats{TotalJobs: int64(len(d.entries)), FailedByType: map[string]int64{}}
	for _, e := range d.entries {
		stats.TotalFailed++
		stats.FailedByType[e.JobType]++
	}
	return stats, nil
}

func (d *stubDLQ) Recent(ctx domain.Context, limit int64) ([]domain.DeadLetterEntry, error) {
	return d.List(ctx, 0, limit)
}

func (d *stubDLQ) RemoveOne(ctx domain.Context, jobID string) (*domain.DeadLetterEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, e := range d.entries {
		if e.JobID == jobID {
			d.entries = append(d.entries[:i], d.entries[i+1:]...)
			return &e, nil
		}
	}
	return nil, nil
}

func (d *stubDLQ) Clear(ctx domain.Context, typeFilter string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := int64(len(d.entries))
	d.entries = nil
	return n, nil
}

type nopBus struct{}

func (nopBus) Publish(e domain.Event) {}

type serverFixture struct {
	store *stubStore
	queue *stubQueue
	dlq   *stubDLQ
	srv   *Server
}

func newServerFixture() *serverFixture {
	cfg := testConfig()
	store := newStubStore()
	queue := &stubQueue{}
	dlq := &stubDLQ{}
	log := slog.New(slog.DiscardHandler)
	jobs := usecase.NewJobService(cfg, store, queue, nopBus{}, log)
	admin := usecase.NewAdminService(cfg, store, queue, dlq, jobs, log)
	srv := NewServer(cfg, jobs, admin, NewHub(log), store.Ping, queue.Ping)
	return &serverFixture{store: store, queue: queue, dlq: dlq, srv: srv}
}
