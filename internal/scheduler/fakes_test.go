package scheduler

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/taskqueue/internal/domain"
)

// fakeStore is an in-memory JobStore for scheduler tests.
type fakeStore struct {
	mu      sync.Mutex
	jobs    map[string]*domain.Job
	parents map[string][]string
	childs  map[string][]string
	logs    map[string][]domain.JobLog
	execs   []domain.JobExecution
	nextID  int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:    map[string]*domain.Job{},
		parents: map[string][]string{},
		childs:  map[string][]string{},
		logs:    map[string][]domain.JobLog{},
	}
}

func (s *fakeStore) add(j domain.Job, parentIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := j
	s.jobs[j.ID] = &cp
	for _, p := range parentIDs {
		s.parents[j.ID] = append(s.parents[j.ID], p)
		s.childs[p] = append(s.childs[p], j.ID)
	}
}

func (s *fakeStore) get(id string) domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

func (s *fakeStore) CreateJob(ctx domain.Context, spec domain.JobSpec) (domain.Job, error) {
	return domain.Job{}, domain.ErrInternal
}

func (s *fakeStore) GetJob(ctx domain.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return *j, nil
}

func (s *fakeStore) ListJobs(ctx domain.Context, f domain.JobFilter, page, perPage int) ([]domain.Job, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if f.Status != nil && j.Status != *f.Status {
			continue
		}
		out = append(out, *j)
	}
	return out, int64(len(out)), nil
}

func (s *fakeStore) SetStatus(ctx domain.Context, id string, status domain.JobStatus, patch domain.StatusPatch) error {
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
	j.UpdatedAt = time.Now()
	if status == domain.JobRunning {
		now := time.Now()
		j.StartedAt = &now
	}
	if status.Terminal() {
		now := time.Now()
		j.CompletedAt = &now
	}
	if patch.CurrentAttempt != nil {
		j.CurrentAttempt = *patch.CurrentAttempt
	}
	if patch.NextRetryAt != nil {
		j.NextRetryAt = patch.NextRetryAt
	}
	if patch.ErrorMessage != nil {
		j.ErrorMessage = *patch.ErrorMessage
	}
	if patch.Result != nil {
		j.Result = patch.Result
	}
	return nil
}

func (s *fakeStore) AddDependency(ctx domain.Context, parentID, childID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parents[childID] = append(s.parents[childID], parentID)
	s.childs[parentID] = append(s.childs[parentID], childID)
	return nil
}

func (s *fakeStore) JobExists(ctx domain.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	return ok, nil
}

func (s *fakeStore) FindDueRetries(ctx domain.Context, now time.Time, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if j.Status == domain.JobPending && j.NextRetryAt != nil && !j.NextRetryAt.After(now) {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (s *fakeStore) FindReadyBatch(ctx domain.Context, limit int) ([]domain.Job, error) {
	return nil, nil
}

func (s *fakeStore) AppendLog(ctx domain.Context, jobID, level, message, logContext string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[jobID] = append(s.logs[jobID], domain.JobLog{
		JobID: jobID, Level: level, Message: message, Context: logContext, Timestamp: time.Now(),
	})
	return nil
}

func (s *fakeStore) ListLogs(ctx domain.Context, jobID string) ([]domain.JobLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logs[jobID], nil
}

func (s *fakeStore) StartExecution(ctx domain.Context, jobID string, attempt int, workerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.execs = append(s.execs, domain.JobExecution{
		ID: s.nextID, JobID: jobID, AttemptNumber: attempt,
		Status: domain.ExecutionStarted, WorkerID: workerID, StartedAt: time.Now(),
	})
	return s.nextID, nil
}

func (s *fakeStore) FinishExecution(ctx domain.Context, execID int64, status domain.ExecutionStatus, errMsg, traceback string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.execs {
		if s.execs[i].ID == execID {
			s.execs[i].Status = status
			s.execs[i].ErrorMessage = errMsg
			s.execs[i].ErrorTraceback = traceback
			s.execs[i].Result = result
			now := time.Now()
			s.execs[i].CompletedAt = &now
		}
	}
	return nil
}

func (s *fakeStore) ListExecutions(ctx domain.Context, jobID string) ([]domain.JobExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.JobExecution
	for _, e := range s.execs {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeStore) CountByStatus(ctx domain.Context) (map[domain.JobStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[domain.JobStatus]int64{}
	for _, j := range s.jobs {
		out[j.Status]++
	}
	return out, nil
}

func (s *fakeStore) QueuePosition(ctx domain.Context, job domain.Job) (int, error) { return 1, nil }

func (s *fakeStore) BlockedChildren(ctx domain.Context, parentID string) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, id := range s.childs[parentID] {
		if j := s.jobs[id]; j != nil && j.Status == domain.JobBlocked {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (s *fakeStore) ParentStatuses(ctx domain.Context, jobID string) ([]domain.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.JobStatus
	for _, id := range s.parents[jobID] {
		if j := s.jobs[id]; j != nil {
			out = append(out, j.Status)
		}
	}
	return out, nil
}

func (s *fakeStore) Children(ctx domain.Context, jobID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.childs[jobID]...), nil
}

func (s *fakeStore) RequeueOrphans(ctx domain.Context) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out []domain.Job
	for _, j := range s.jobs {
		if j.Status != domain.JobRunning {
			continue
		}
		if j.StartedAt != nil && j.StartedAt.Add(time.Duration(j.TimeoutSeconds)*time.Second).After(now) {
			// Lease still held, possibly by a live peer.
			continue
		}
		j.Status = domain.JobPending
		j.NextRetryAt = &now
		out = append(out, *j)
	}
	return out, nil
}

func (s *fakeStore) Ping(ctx domain.Context) error { return nil }

// fakeQueue is an in-memory ReadyQueue.
type fakeQueue struct {
	mu          sync.Mutex
	bands       map[domain.JobPriority][]domain.QueuedJob
	completed   []string
	allocCPU    int
	allocMem    int
	maxCPU      int
	maxMem      int
	initialized bool
}

func newFakeQueue(maxCPU, maxMem int) *fakeQueue {
	return &fakeQueue{bands: map[domain.JobPriority][]domain.QueuedJob{}, maxCPU: maxCPU, maxMem: maxMem, initialized: true}
}

// InitResources mirrors the create-if-absent ledger: a second startup must
// not zero allocations held by a peer.
func (q *fakeQueue) InitResources(ctx domain.Context, maxCPU, maxMemoryMB int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.initialized {
		return nil
	}
	q.maxCPU, q.maxMem = maxCPU, maxMemoryMB
	q.allocCPU, q.allocMem = 0, 0
	q.initialized = true
	return nil
}

func (q *fakeQueue) SetLimits(ctx domain.Context, maxCPU, maxMemoryMB int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.maxCPU, q.maxMem = maxCPU, maxMemoryMB
	return nil
}

func (q *fakeQueue) Push(ctx domain.Context, j domain.QueuedJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.bands[j.Priority] = append(q.bands[j.Priority], j)
	return nil
}

func (q *fakeQueue) TryPopAdmissible(ctx domain.Context, timeout time.Duration) (*domain.QueuedJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range domain.Priorities() {
		band := q.bands[p]
		if len(band) == 0 {
			continue
		}
		head := band[0]
		if q.allocCPU+head.CPUUnits > q.maxCPU || q.allocMem+head.MemoryMB > q.maxMem {
			return nil, nil
		}
		q.bands[p] = band[1:]
		q.allocCPU += head.CPUUnits
		q.allocMem += head.MemoryMB
		return &head, nil
	}
	return nil, nil
}

func (q *fakeQueue) Release(ctx domain.Context, cpuUnits, memoryMB int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.allocCPU -= cpuUnits
	if q.allocCPU < 0 {
		q.allocCPU = 0
	}
	q.allocMem -= memoryMB
	if q.allocMem < 0 {
		q.allocMem = 0
	}
	return nil
}

func (q *fakeQueue) Usage(ctx domain.Context) (domain.ResourceUsage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return domain.ResourceUsage{
		AllocatedCPU: q.allocCPU, AllocatedMemory: q.allocMem,
		MaxCPU: q.maxCPU, MaxMemory: q.maxMem,
	}, nil
}

func (q *fakeQueue) Sizes(ctx domain.Context) (map[domain.JobPriority]int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := map[domain.JobPriority]int64{}
	for p, band := range q.bands {
		out[p] = int64(len(band))
	}
	return out, nil
}

func (q *fakeQueue) MarkCompleted(ctx domain.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, jobID)
	return nil
}

func (q *fakeQueue) DrainCompleted(ctx domain.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.completed
	q.completed = nil
	return out, nil
}

func (q *fakeQueue) Ping(ctx domain.Context) error { return nil }

func (q *fakeQueue) queued(p domain.JobPriority) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var ids []string
	for _, j := range q.bands[p] {
		ids = append(ids, j.JobID)
	}
	return ids
}

// fakeDLQ is an in-memory DeadLetterSink.
type fakeDLQ struct {
	mu      sync.Mutex
	entries []domain.DeadLetterEntry
}

func (d *fakeDLQ) Enqueue(ctx domain.Context, e domain.DeadLetterEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append([]domain.DeadLetterEntry{e}, d.entries...)
	return nil
}

func (d *fakeDLQ) List(ctx domain.Context, offset, limit int64) ([]domain.DeadLetterEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.DeadLetterEntry(nil), d.entries...), nil
}

func (d *fakeDLQ) Count(ctx domain.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(d.entries)), nil
}

func (d *fakeDLQ) Stats(ctx domain.Context) (domain.DLQStats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	stats := domain.DLQStats{TotalJobs: int64(len(d.entries)), FailedByType: map[string]int64{}}
	for _, e := range d.entries {
		stats.TotalFailed++
		stats.FailedByType[e.JobType]++
	}
	return stats, nil
}

func (d *fakeDLQ) Recent(ctx domain.Context, limit int64) ([]domain.DeadLetterEntry, error) {
	return d.List(ctx, 0, limit)
}

func (d *fakeDLQ) RemoveOne(ctx domain.Context, jobID string) (*domain.DeadLetterEntry, error) {
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

func (d *fakeDLQ) Clear(ctx domain.Context, typeFilter string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := int64(len(d.entries))
	d.entries = nil
	return n, nil
}

// fakeBus records published events.
type fakeBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *fakeBus) Publish(e domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *fakeBus) byEvent(name string) []domain.Event {
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

// fakeHandlers resolves every type to one function.
type fakeHandlers struct {
	fn domain.HandlerFunc
}

func (h *fakeHandlers) Resolve(jobType string) domain.Handler { return h.fn }
