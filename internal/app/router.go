// Package app wires the HTTP router and process-level plumbing.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/taskqueue/internal/adapter/httpserver"
	"github.com/fairyhunter13/taskqueue/internal/adapter/observability"
	"github.com/fairyhunter13/taskqueue/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Mutating endpoints are rate limited per client IP.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Use(httpserver.TimeoutMiddleware(30 * time.Second))
		wr.Post("/v1/jobs", srv.CreateJobHandler())
		wr.Patch("/v1/jobs/{id}/cancel", srv.CancelJobHandler())
		wr.Post("/v1/admin/dlq/retry/{job_id}", srv.DLQRetryHandler())
		wr.Delete("/v1/admin/dlq/clear", srv.DLQClearHandler())
	})

	// Read-only endpoints.
	r.Group(func(rr chi.Router) {
		rr.Use(httpserver.TimeoutMiddleware(30 * time.Second))
		rr.Get("/v1/jobs", srv.ListJobsHandler())
		rr.Get("/v1/jobs/{id}", srv.GetJobHandler())
		rr.Get("/v1/jobs/{id}/logs", srv.JobLogsHandler())
		rr.Get("/v1/jobs/{id}/executions", srv.JobExecutionsHandler())
		rr.Get("/v1/admin/dlq/jobs", srv.DLQJobsHandler())
		rr.Get("/v1/admin/dlq/stats", srv.DLQStatsHandler())
		rr.Get("/v1/admin/system/health", srv.SystemHealthHandler())
		rr.Get("/v1/admin/system/metrics", srv.SystemMetricsHandler())
	})

	// The stream must not run under http.TimeoutHandler; WebSockets need the
	// hijacker the timeout wrapper hides.
	if srv.Hub != nil {
		r.Get("/v1/jobs/stream", srv.Hub.StreamHandler())
	}

	// Health and metrics.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
