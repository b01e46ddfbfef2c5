package httpserver

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// DLQJobsHandler handles GET /v1/admin/dlq/jobs.
func (s *Server) DLQJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		offset := int64Query(q.Get("offset"), 0)
		limit := int64Query(q.Get("limit"), 20)

		entries, total, err := s.Admin.DLQJobs(r.Context(), offset, limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"jobs":   entries,
			"total":  total,
			"offset": offset,
			"limit":  limit,
		})
	}
}

// DLQStatsHandler handles GET /v1/admin/dlq/stats.
func (s *Server) DLQStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Admin.DLQStats(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		recent, err := s.Admin.DLQRecent(r.Context(), 10)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"stats":  stats,
			"recent": recent,
		})
	}
}

// DLQRetryHandler handles POST /v1/admin/dlq/retry/{job_id}.
func (s *Server) DLQRetryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "job_id")
		job, err := s.Admin.RetryFromDLQ(r.Context(), jobID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"message":    "Job re-admitted from dead letter queue",
			"old_job_id": jobID,
			"job":        toJobResponse(job, 0),
		})
	}
}

// DLQClearHandler handles DELETE /v1/admin/dlq/clear.
func (s *Server) DLQClearHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		typeFilter := r.URL.Query().Get("job_type")
		removed, err := s.Admin.ClearDLQ(r.Context(), typeFilter)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"removed":  removed,
			"job_type": typeFilter,
		})
	}
}

// SystemHealthHandler handles GET /v1/admin/system/health.
func (s *Server) SystemHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := s.Admin.Health(r.Context())
		status := http.StatusOK
		if h.Status != "healthy" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, h)
	}
}

// SystemMetricsHandler handles GET /v1/admin/system/metrics.
func (s *Server) SystemMetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := s.Admin.Metrics(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

func int64Query(s string, fallback int64) int64 {
	if s == "" {
		return fallback
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
