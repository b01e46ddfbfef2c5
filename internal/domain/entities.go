package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrInvalidState     = errors.New("invalid state")
	ErrCycleDetected    = errors.New("circular dependency detected")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrInternal         = errors.New("internal error")
)

// JobStatus enumerates the lifecycle states of a job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobReady     JobStatus = "ready"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
	JobBlocked   JobStatus = "blocked"
	JobTimeout   JobStatus = "timeout"
)

// Statuses lists every job status.
func Statuses() []JobStatus {
	return []JobStatus{JobPending, JobReady, JobRunning, JobCompleted, JobFailed, JobCancelled, JobBlocked, JobTimeout}
}

// Terminal reports whether the status is a sink; terminal jobs never transition out.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled, JobTimeout:
		return true
	}
	return false
}

// Cancellable reports whether a user-requested cancel is permitted from this status.
func (s JobStatus) Cancellable() bool {
	switch s {
	case JobPending, JobReady, JobBlocked:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	for _, v := range Statuses() {
		if s == v {
			return true
		}
	}
	return false
}

// JobPriority enumerates the four scheduling bands.
type JobPriority string

const (
	PriorityCritical JobPriority = "critical"
	PriorityHigh     JobPriority = "high"
	PriorityNormal   JobPriority = "normal"
	PriorityLow      JobPriority = "low"
)

// Priorities lists bands from highest to lowest.
func Priorities() []JobPriority {
	return []JobPriority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}
}

// Rank returns a numeric priority; higher runs first.
func (p JobPriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// Valid reports whether p is a known priority.
func (p JobPriority) Valid() bool { return p.Rank() > 0 }

// Job is the durable record of a unit of work.
// Invariants: CurrentAttempt <= MaxAttempts; BLOCKED implies at least one
// non-completed parent; READY implies all parents completed; terminal
// statuses carry CompletedAt.
type Job struct {
	ID                string
	Type              string
	Status            JobStatus
	Priority          JobPriority
	Payload           json.RawMessage
	CPUUnits          int
	MemoryMB          int
	TimeoutSeconds    int
	MaxAttempts       int
	CurrentAttempt    int
	BackoffMultiplier float64
	CreatedAt         time.Time
	UpdatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	NextRetryAt       *time.Time
	IdempotencyKey    *string
	Result            json.RawMessage
	ErrorMessage      string
}

// JobSpec is the admission input for a new job.
type JobSpec struct {
	Type              string
	Priority          JobPriority
	Payload           json.RawMessage
	CPUUnits          int
	MemoryMB          int
	TimeoutSeconds    int
	MaxAttempts       int
	BackoffMultiplier float64
	DependsOn         []string
	IdempotencyKey    *string
}

// StatusPatch carries the optional fields updated together with a status change.
type StatusPatch struct {
	CurrentAttempt *int
	NextRetryAt    *time.Time
	ErrorMessage   *string
	Result         json.RawMessage
}

// JobFilter narrows a job listing.
type JobFilter struct {
	Status       *JobStatus
	Priority     *JobPriority
	TypeContains string
}

// ExecutionStatus enumerates per-attempt outcomes.
type ExecutionStatus string

const (
	ExecutionStarted   ExecutionStatus = "started"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionTimeout   ExecutionStatus = "timeout"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// JobExecution is one row per attempt.
type JobExecution struct {
	ID              int64
	JobID           string
	AttemptNumber   int
	Status          ExecutionStatus
	StartedAt       time.Time
	CompletedAt     *time.Time
	DurationSeconds *float64
	WorkerID        string
	ErrorMessage    string
	ErrorTraceback  string
	Result          json.RawMessage
}

// JobLog is a structured audit line attached to a job.
type JobLog struct {
	ID        int64
	JobID     string
	Level     string
	Message   string
	Context   string
	Timestamp time.Time
}

// QueuedJob is the handle stored on the ready queue; carries just enough to
// admit against the resource ledger without a store round-trip.
type QueuedJob struct {
	JobID    string      `json:"job_id"`
	CPUUnits int         `json:"cpu_units"`
	MemoryMB int         `json:"memory_mb"`
	Priority JobPriority `json:"priority"`
}

// ResourceUsage is a snapshot of the ledger.
type ResourceUsage struct {
	AllocatedCPU    int `json:"allocated_cpu"`
	AllocatedMemory int `json:"allocated_memory"`
	MaxCPU          int `json:"max_cpu"`
	MaxMemory       int `json:"max_memory"`
}

// DeadLetterEntry is one permanently failed job in the sink.
type DeadLetterEntry struct {
	JobID        string          `json:"job_id"`
	JobType      string          `json:"job_type"`
	ErrorMessage string          `json:"error_message"`
	Attempts     int             `json:"attempts"`
	Payload      json.RawMessage `json:"payload"`
	FailedAt     time.Time       `json:"failed_at"`
	AddedToDLQAt time.Time       `json:"added_to_dlq_at"`
}

// DLQStats is the rollup the sink maintains alongside its list.
type DLQStats struct {
	TotalJobs    int64            `json:"total_jobs"`
	TotalFailed  int64            `json:"total_failed"`
	FailedByType map[string]int64 `json:"failed_by_type"`
	LastFailure  string           `json:"last_failure,omitempty"`
}

// OutcomeKind discriminates worker run results.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeFailure OutcomeKind = "failure"
	OutcomeTimeout OutcomeKind = "timeout"
)

// Outcome is the triple-variant result of a worker run.
type Outcome struct {
	Kind         OutcomeKind
	Result       json.RawMessage
	ErrorMessage string
	Traceback    string
}

// Succeed builds a success outcome.
func Succeed(result json.RawMessage) Outcome {
	return Outcome{Kind: OutcomeSuccess, Result: result}
}

// Fail builds a failure outcome.
func Fail(message, traceback string) Outcome {
	return Outcome{Kind: OutcomeFailure, ErrorMessage: message, Traceback: traceback}
}

// TimedOut builds a timeout outcome.
func TimedOut() Outcome {
	return Outcome{Kind: OutcomeTimeout, ErrorMessage: "Job timed out"}
}

// Lifecycle events pushed to subscribers.
const (
	EventJobCreated        = "job_created"
	EventJobStarted        = "job_started"
	EventJobCompleted      = "job_completed"
	EventJobRetryScheduled = "job_retry_scheduled"
	EventJobFailed         = "job_failed"
	EventJobCancelled      = "job_cancelled"
)

// Event is the wire shape broadcast to stream subscribers.
type Event struct {
	Type      string         `json:"type"`
	Event     string         `json:"event"`
	JobID     string         `json:"job_id,omitempty"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
}

// NewJobEvent builds a job_update event for a specific job.
func NewJobEvent(event, jobID string, data map[string]any) Event {
	return Event{Type: "job_update", Event: event, JobID: jobID, Data: data, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}
}

// NewSystemEvent builds a system-wide operational event.
func NewSystemEvent(event string, data map[string]any) Event {
	return Event{Type: "system_event", Event: event, Data: data, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}
}

// Ports

// JobStore is the durable state store (SS).
type JobStore interface {
	CreateJob(ctx Context, spec JobSpec) (Job, error)
	GetJob(ctx Context, id string) (Job, error)
	ListJobs(ctx Context, f JobFilter, page, perPage int) ([]Job, int64, error)
	SetStatus(ctx Context, id string, status JobStatus, patch StatusPatch) error
	AddDependency(ctx Context, parentID, childID string) error
	JobExists(ctx Context, id string) (bool, error)
	FindDueRetries(ctx Context, now time.Time, limit int) ([]Job, error)
	FindReadyBatch(ctx Context, limit int) ([]Job, error)
	AppendLog(ctx Context, jobID, level, message, context string) error
	ListLogs(ctx Context, jobID string) ([]JobLog, error)
	StartExecution(ctx Context, jobID string, attempt int, workerID string) (int64, error)
	FinishExecution(ctx Context, execID int64, status ExecutionStatus, errMsg, traceback string, result json.RawMessage) error
	ListExecutions(ctx Context, jobID string) ([]JobExecution, error)
	CountByStatus(ctx Context) (map[JobStatus]int64, error)
	QueuePosition(ctx Context, job Job) (int, error)
	BlockedChildren(ctx Context, parentID string) ([]Job, error)
	ParentStatuses(ctx Context, jobID string) ([]JobStatus, error)
	Children(ctx Context, jobID string) ([]string, error)
	// RequeueOrphans returns RUNNING rows whose lease (started_at plus the
	// job's own timeout) has expired to PENDING and reports them so the
	// caller can release their ledger allocations.
	RequeueOrphans(ctx Context) ([]Job, error)
	Ping(ctx Context) error
}

// ReadyQueue is the shared priority-banded queue plus the resource ledger (RQ+RL).
type ReadyQueue interface {
	InitResources(ctx Context, maxCPU, maxMemoryMB int) error
	SetLimits(ctx Context, maxCPU, maxMemoryMB int) error
	Push(ctx Context, q QueuedJob) error
	// TryPopAdmissible pops the head of the highest-priority non-empty band
	// when the ledger can cover its resources, blocking up to timeout.
	TryPopAdmissible(ctx Context, timeout time.Duration) (*QueuedJob, error)
	Release(ctx Context, cpuUnits, memoryMB int) error
	Usage(ctx Context) (ResourceUsage, error)
	Sizes(ctx Context) (map[JobPriority]int64, error)
	MarkCompleted(ctx Context, jobID string) error
	DrainCompleted(ctx Context) ([]string, error)
	Ping(ctx Context) error
}

// DeadLetterSink is the durable append-only list of exhausted jobs (DLS).
type DeadLetterSink interface {
	Enqueue(ctx Context, e DeadLetterEntry) error
	List(ctx Context, offset, limit int64) ([]DeadLetterEntry, error)
	Count(ctx Context) (int64, error)
	Stats(ctx Context) (DLQStats, error)
	Recent(ctx Context, limit int64) ([]DeadLetterEntry, error)
	RemoveOne(ctx Context, jobID string) (*DeadLetterEntry, error)
	Clear(ctx Context, typeFilter string) (int64, error)
}

// EventBus broadcasts lifecycle events to live subscribers. Delivery is
// best-effort; implementations must never block the dispatcher.
type EventBus interface {
	Publish(e Event)
}

// Handler executes one job type. Handlers must honor ctx cancellation; the
// pool wraps every run in a hard deadline.
type Handler interface {
	Execute(ctx Context, job Job) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx Context, job Job) (json.RawMessage, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx Context, job Job) (json.RawMessage, error) { return f(ctx, job) }

// Context is an alias to allow decoupling from std context in domain.
// Adapters and usecases pass context.Context through.
type Context = context.Context
