package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/taskqueue/internal/config"
	"github.com/fairyhunter13/taskqueue/internal/domain"
	"github.com/fairyhunter13/taskqueue/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Jobs       *usecase.JobService
	Admin      *usecase.AdminService
	Hub        *Hub
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, jobs *usecase.JobService, admin *usecase.AdminService, hub *Hub, dbCheck, redisCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Jobs: jobs, Admin: admin, Hub: hub, DBCheck: dbCheck, RedisCheck: redisCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// createJobRequest uses pointers for numeric knobs so an explicit zero is a
// validation failure rather than silently taking the server default.
type createJobRequest struct {
	Type              string          `json:"type" validate:"required,min=1,max=50"`
	Priority          string          `json:"priority" validate:"omitempty,oneof=critical high normal low"`
	Payload           json.RawMessage `json:"payload"`
	CPUUnits          *int            `json:"cpu_units" validate:"omitnil,min=1,max=16"`
	MemoryMB          *int            `json:"memory_mb" validate:"omitnil,min=64,max=8192"`
	TimeoutSeconds    *int            `json:"timeout_seconds" validate:"omitnil,min=1,max=86400"`
	MaxAttempts       *int            `json:"max_attempts" validate:"omitnil,min=1,max=10"`
	BackoffMultiplier *float64        `json:"backoff_multiplier" validate:"omitnil,gte=1,lte=10"`
	DependsOn         []string        `json:"depends_on" validate:"omitempty,max=10,dive,uuid"`
	IdempotencyKey    string          `json:"idempotency_key" validate:"omitempty,max=255"`
}

func intVal(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func floatVal(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

type jobResponse struct {
	ID                string          `json:"id"`
	Type              string          `json:"type"`
	Status            string          `json:"status"`
	Priority          string          `json:"priority"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	CPUUnits          int             `json:"cpu_units"`
	MemoryMB          int             `json:"memory_mb"`
	TimeoutSeconds    int             `json:"timeout_seconds"`
	MaxAttempts       int             `json:"max_attempts"`
	CurrentAttempt    int             `json:"current_attempt"`
	BackoffMultiplier float64         `json:"backoff_multiplier"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	NextRetryAt       *time.Time      `json:"next_retry_at,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	PositionInQueue   int             `json:"position_in_queue,omitempty"`
}

func toJobResponse(j domain.Job, pos int) jobResponse {
	return jobResponse{
		ID:                j.ID,
		Type:              j.Type,
		Status:            string(j.Status),
		Priority:          string(j.Priority),
		Payload:           j.Payload,
		CPUUnits:          j.CPUUnits,
		MemoryMB:          j.MemoryMB,
		TimeoutSeconds:    j.TimeoutSeconds,
		MaxAttempts:       j.MaxAttempts,
		CurrentAttempt:    j.CurrentAttempt,
		BackoffMultiplier: j.BackoffMultiplier,
		CreatedAt:         j.CreatedAt,
		UpdatedAt:         j.UpdatedAt,
		StartedAt:         j.StartedAt,
		CompletedAt:       j.CompletedAt,
		NextRetryAt:       j.NextRetryAt,
		Result:            j.Result,
		ErrorMessage:      j.ErrorMessage,
		PositionInQueue:   pos,
	}
}

// CreateJobHandler handles POST /v1/jobs.
func (s *Server) CreateJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createJobRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}

		spec := domain.JobSpec{
			Type:              req.Type,
			Priority:          domain.JobPriority(req.Priority),
			Payload:           req.Payload,
			CPUUnits:          intVal(req.CPUUnits),
			MemoryMB:          intVal(req.MemoryMB),
			TimeoutSeconds:    intVal(req.TimeoutSeconds),
			MaxAttempts:       intVal(req.MaxAttempts),
			BackoffMultiplier: floatVal(req.BackoffMultiplier),
			DependsOn:         req.DependsOn,
		}
		if spec.Priority == "" {
			spec.Priority = domain.PriorityNormal
		}
		if req.IdempotencyKey != "" {
			spec.IdempotencyKey = &req.IdempotencyKey
		}

		job, pos, err := s.Jobs.Create(r.Context(), spec)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(job, pos))
	}
}

// ListJobsHandler handles GET /v1/jobs.
func (s *Server) ListJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var f domain.JobFilter
		if v := q.Get("status"); v != "" {
			st := domain.JobStatus(v)
			if !st.Valid() {
				writeError(w, r, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidArgument, v), nil)
				return
			}
			f.Status = &st
		}
		if v := q.Get("priority"); v != "" {
			p := domain.JobPriority(v)
			if !p.Valid() {
				writeError(w, r, fmt.Errorf("%w: unknown priority %q", domain.ErrInvalidArgument, v), nil)
				return
			}
			f.Priority = &p
		}
		f.TypeContains = q.Get("job_type")
		page := intQuery(q.Get("page"), 1)
		perPage := intQuery(q.Get("per_page"), 20)

		jobs, total, err := s.Jobs.List(r.Context(), f, page, perPage)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]jobResponse, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, toJobResponse(j, 0))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"jobs":     out,
			"total":    total,
			"page":     page,
			"per_page": perPage,
		})
	}
}

// GetJobHandler handles GET /v1/jobs/{id}.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, pos, err := s.Jobs.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(job, pos))
	}
}

// CancelJobHandler handles PATCH /v1/jobs/{id}/cancel.
func (s *Server) CancelJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := s.Jobs.Cancel(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(job, 0))
	}
}

// JobLogsHandler handles GET /v1/jobs/{id}/logs.
func (s *Server) JobLogsHandler() http.HandlerFunc {
	type logLine struct {
		Level     string    `json:"level"`
		Message   string    `json:"message"`
		Context   string    `json:"context,omitempty"`
		Timestamp time.Time `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		logs, err := s.Jobs.Logs(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]logLine, 0, len(logs))
		for _, l := range logs {
			out = append(out, logLine{Level: l.Level, Message: l.Message, Context: l.Context, Timestamp: l.Timestamp})
		}
		writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "logs": out})
	}
}

// JobExecutionsHandler handles GET /v1/jobs/{id}/executions.
func (s *Server) JobExecutionsHandler() http.HandlerFunc {
	type execLine struct {
		AttemptNumber   int             `json:"attempt_number"`
		Status          string          `json:"status"`
		StartedAt       time.Time       `json:"started_at"`
		CompletedAt     *time.Time      `json:"completed_at,omitempty"`
		DurationSeconds *float64        `json:"duration_seconds,omitempty"`
		WorkerID        string          `json:"worker_id,omitempty"`
		ErrorMessage    string          `json:"error_message,omitempty"`
		Result          json.RawMessage `json:"result,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		execs, err := s.Jobs.Executions(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]execLine, 0, len(execs))
		for _, e := range execs {
			out = append(out, execLine{
				AttemptNumber:   e.AttemptNumber,
				Status:          string(e.Status),
				StartedAt:       e.StartedAt,
				CompletedAt:     e.CompletedAt,
				DurationSeconds: e.DurationSeconds,
				WorkerID:        e.WorkerID,
				ErrorMessage:    e.ErrorMessage,
				Result:          e.Result,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "executions": out})
	}
}

// ReadyzHandler reports whether both stores are reachable.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unready", "reason": "database"})
				return
			}
		}
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unready", "reason": "redis"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func intQuery(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
