package usecase

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/taskqueue/internal/config"
	"github.com/fairyhunter13/taskqueue/internal/domain"
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

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

// memStore is an in-memory JobStore for service tests.
type memStore struct {
	mu      sync.Mutex
	jobs    map[string]*domain.Job
	parents map[string][]string
	logs    map[string][]domain.JobLog
	byKey   map[string]string
	seq     int
	pingErr error
}

func newMemStore() *memStore {
	return &memStore{
		jobs:    map[string]*domain.Job{},
		parents: map[string][]string{},
		logs:    map[string][]domain.JobLog{},
		byKey:   map[string]string{},
	}
}

func (s *memStore) put(j domain.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := j
	s.jobs[j.ID] = &cp
}

func (s *memStore) get(id string) domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

func (s *memStore) CreateJob(ctx domain.Context, spec domain.JobSpec) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if spec.IdempotencyKey != nil && *spec.IdempotencyKey != "" {
		if id, ok := s.byKey[*spec.IdempotencyKey]; ok {
			return *s.jobs[id], nil
		}
	}
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
		ID:                fmt.Sprintf("job-%d", s.seq),
		Type:              spec.Type,
		Status:            status,
		Priority:          spec.Priority,
		Payload:           spec.Payload,
		CPUUnits:          spec.CPUUnits,
		MemoryMB:          spec.MemoryMB,
		TimeoutSeconds:    spec.TimeoutSeconds,
		MaxAttempts:       spec.MaxAttempts,
		BackoffMultiplier: spec.BackoffMultiplier,
		IdempotencyKey:    spec.IdempotencyKey,
		CreatedAt:         time.Now(),
	}
	s.jobs[job.ID] = &job
	s.parents[job.ID] = spec.DependsOn
	if spec.IdempotencyKey != nil && *spec.IdempotencyKey != "" {
		s.byKey[*spec.IdempotencyKey] = job.ID
	}
	return job, nil
}

func (s *memStore) GetJob(ctx domain.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return *j, nil
}

func (s *memStore) ListJobs(ctx domain.Context, f domain.JobFilter, page, perPage int) ([]domain.Job, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if f.Status != nil && j.Status != *f.Status {
			continue
		}
		if f.Priority != nil && j.Priority != *f.Priority {
			continue
		}
		out = append(out, *j)
	}
	return out, int64(len(out)), nil
}

func (s *memStore) SetStatus(ctx domain.Context, id string, status domain.JobStatus, patch domain.StatusPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status.Terminal() {
		return fmt.Errorf("job %s is %s: %w", id, j.Status, domain.ErrInvalidState)
	}
	j.Status = status
	if patch.ErrorMessage != nil {
		j.ErrorMessage = *patch.ErrorMessage
	}
	if patch.Result != nil {
		j.Result = patch.Result
	}
	return nil
}

func (s *memStore) AddDependency(ctx domain.Context, parentID, childID string) error { return nil }

func (s *memStore) JobExists(ctx domain.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	return ok, nil
}

func (s *memStore) FindDueRetries(ctx domain.Context, now time.Time, limit int) ([]domain.Job, error) {
	return nil, nil
}

func (s *memStore) FindReadyBatch(ctx domain.Context, limit int) ([]domain.Job, error) {
	return nil, nil
}

func (s *memStore) AppendLog(ctx domain.Context, jobID, level, message, logContext string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[jobID] = append(s.logs[jobID], domain.JobLog{JobID: jobID, Level: level, Message: message, Context: logContext})
	return nil
}

func (s *memStore) ListLogs(ctx domain.Context, jobID string) ([]domain.JobLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logs[jobID], nil
}

func (s *memStore) StartExecution(ctx domain.Context, jobID string, attempt int, workerID string) (int64, error) {
	return 1, nil
}

func (s *memStore) FinishExecution(ctx domain.Context, execID int64, status domain.ExecutionStatus, errMsg, traceback string, result json.RawMessage) error {
	return nil
}

func (s *memStore) ListExecutions(ctx domain.Context, jobID string) ([]domain.JobExecution, error) {
	return nil, nil
}

func (s *memStore) CountByStatus(ctx domain.Context) (map[domain.JobStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[domain.JobStatus]int64{}
	for _, j := range s.jobs {
		out[j.Status]++
	}
	return out, nil
}

func (s *memStore) QueuePosition(ctx domain.Context, job domain.Job) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos := 1
	for _, other := range s.jobs {
		if other.ID == job.ID {
			continue
		}
		switch other.Status {
		case domain.JobPending, domain.JobReady:
		default:
			continue
		}
		if other.Priority.Rank() > job.Priority.Rank() {
			pos++
		} else if other.Priority.Rank() == job.Priority.Rank() && other.CreatedAt.Before(job.CreatedAt) {
			pos++
		}
	}
	return pos, nil
}

func (s *memStore) BlockedChildren(ctx domain.Context, parentID string) ([]domain.Job, error) {
	return nil, nil
}

func (s *memStore) ParentStatuses(ctx domain.Context, jobID string) ([]domain.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.JobStatus
	for _, p := range s.parents[jobID] {
		if j := s.jobs[p]; j != nil {
			out = append(out, j.Status)
		}
	}
	return out, nil
}

func (s *memStore) Children(ctx domain.Context, jobID string) ([]string, error) { return nil, nil }

func (s *memStore) RequeueOrphans(ctx domain.Context) ([]domain.Job, error) { return nil, nil }

func (s *memStore) Ping(ctx domain.Context) error { return s.pingErr }

// memQueue is an in-memory ReadyQueue.
type memQueue struct {
	mu      sync.Mutex
	pushed  []domain.QueuedJob
	usage   domain.ResourceUsage
	pingErr error
}

func (q *memQueue) InitResources(ctx domain.Context, maxCPU, maxMemoryMB int) error { return nil }
func (q *memQueue) SetLimits(ctx domain.Context, maxCPU, maxMemoryMB int) error     { return nil }

func (q *memQueue) Push(ctx domain.Context, j domain.QueuedJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pushed = append(q.pushed, j)
	return nil
}

func (q *memQueue) TryPopAdmissible(ctx domain.Context, timeout time.Duration) (*domain.QueuedJob, error) {
	return nil, nil
}

func (q *memQueue) Release(ctx domain.Context, cpuUnits, memoryMB int) error { return nil }

func (q *memQueue) Usage(ctx domain.Context) (domain.ResourceUsage, error) {
	return q.usage, nil
}

func (q *memQueue) Sizes(ctx domain.Context) (map[domain.JobPriority]int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := map[domain.JobPriority]int64{}
	for _, j := range q.pushed {
		out[j.Priority]++
	}
	return out, nil
}

func (q *memQueue) MarkCompleted(ctx domain.Context, jobID string) error { return nil }

func (q *memQueue) DrainCompleted(ctx domain.Context) ([]string, error) { return nil, nil }

func (q *memQueue) Ping(ctx domain.Context) error { return q.pingErr }

func (q *memQueue) pushedIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var ids []string
	for _, j := range q.pushed {
		ids = append(ids, j.JobID)
	}
	return ids
}

// memDLQ is an in-memory DeadLetterSink.
type memDLQ struct {
	mu      sync.Mutex
	entries []domain.DeadLetterEntry
}

func (d *memDLQ) Enqueue(ctx domain.Context, e domain.DeadLetterEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append([]domain.DeadLetterEntry{e}, d.entries...)
	return nil
}

func (d *memDLQ) List(ctx domain.Context, offset, limit int64) ([]domain.DeadLetterEntry, error) {
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

func (d *memDLQ) Count(ctx domain.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(d.entries)), nil
}

func (d *memDLQ) Stats(ctx domain.Context) (domain.DLQStats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	stats := domain.DLQStats{TotalJobs: int64(len(d.entries)), FailedByType: map[string]int64{}}
	for _, e := range d.entries {
		stats.TotalFailed++
		stats.FailedByType[e.JobType]++
	}
	return stats, nil
}

func (d *memDLQ) Recent(ctx domain.Context, limit int64) ([]domain.DeadLetterEntry, error) {
	return d.List(ctx, 0, limit)
}

func (d *memDLQ) RemoveOne(ctx domain.Context, jobID string) (*domain.DeadLetterEntry, error) {
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

func (d *memDLQ) Clear(ctx domain.Context, typeFilter string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if typeFilter == "" {
		n := int64(len(d.entries))
		d.entries = nil
		return n, nil
	}
	var kept []domain.DeadLetterEntry
	var removed int64
	for _, e := range d.entries {
		if e.JobType == typeFilter {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	d.entries = kept
	return removed, nil
}

// memBus records events.
type memBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *memBus) Publish(e domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *memBus) byEvent(name string) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Event
	for _, e := range b.events {
		if e.Event == name {
			out = append(out, e)
		}
	}
	return out
}
