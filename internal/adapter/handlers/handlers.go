// Package handlers provides the built-in job handlers and their registry.
// The handlers simulate real integrations with deterministic, payload-driven
// work so the pipeline can be exercised end to end without external services.
package handlers

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/fairyhunter13/taskqueue/internal/domain"
)

// Registry maps job types to handlers, with a generic fallback for types
// nothing claims.
type Registry struct {
	byType   map[string]domain.Handler
	fallback domain.Handler
	log      *slog.Logger
}

// NewRegistry builds the default registry.
func NewRegistry(log *slog.Logger) *Registry {
	r := &Registry{
		byType: map[string]domain.Handler{},
		log:    log,
	}
	r.Register("send_email", domain.HandlerFunc(sendEmail))
	r.Register("data_export", domain.HandlerFunc(dataExport))
	r.Register("data_fetch", domain.HandlerFunc(dataFetch))
	r.Register("data_processing", domain.HandlerFunc(dataProcessing))
	r.Register("report_generation", domain.HandlerFunc(reportGeneration))
	// Legacy alias kept for older clients.
	r.Register("generate_report", domain.HandlerFunc(reportGeneration))
	r.fallback = domain.HandlerFunc(r.generic)
	return r
}

// Register installs a handler for a job type, replacing any existing one.
func (r *Registry) Register(jobType string, h domain.Handler) {
	r.byType[jobType] = h
}

// Resolve returns the handler for a job type, or the generic fallback.
func (r *Registry) Resolve(jobType string) domain.Handler {
	if h, ok := r.byType[jobType]; ok {
		return h
	}
	return r.fallback
}

// timeUnit scales every simulated delay; tests shrink it.
var timeUnit = time.Second

// sleep waits for d or until the context is cancelled, so a job deadline
// interrupts simulated work immediately.
func sleep(ctx domain.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// seed derives a stable pseudo-random value from a string, used to vary
// simulated record and page counts per job.
func seed(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

func payloadString(payload json.RawMessage, key, fallback string) string {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return fallback
	}
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func payloadStrings(payload json.RawMessage, key string) []string {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil
	}
	var out []string
	_ = json.Unmarshal(m[key], &out)
	return out
}

func sendEmail(ctx domain.Context, job domain.Job) (json.RawMessage, error) {
	if err := sleep(ctx, 2*timeUnit); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"email_sent": true,
		"recipient":  payloadString(job.Payload, "to", "unknown"),
		"template":   payloadString(job.Payload, "template", "default"),
		"message_id": fmt.Sprintf("msg_%s_%d", job.ID, time.Now().UnixMilli()),
	})
}

func dataExport(ctx domain.Context, job domain.Job) (json.RawMessage, error) {
	format := payloadString(job.Payload, "format", "csv")
	var wait time.Duration
	switch format {
	case "pdf":
		wait = 8 * timeUnit
	case "excel":
		wait = 5 * timeUnit
	default:
		wait = 3 * timeUnit
	}
	if err := sleep(ctx, wait); err != nil {
		return nil, err
	}
	records := 1000 + int(seed(job.ID)%5000)
	return json.Marshal(map[string]any{
		"export_completed": true,
		"user_id":          payloadString(job.Payload, "user_id", ""),
		"format":           format,
		"records_exported": records,
		"file_size_mb":     float64(records) * 0.001,
		"download_url":     fmt.Sprintf("/exports/%s.%s", job.ID, format),
	})
}

func dataFetch(ctx domain.Context, job domain.Job) (json.RawMessage, error) {
	if err := sleep(ctx, 3*timeUnit); err != nil {
		return nil, err
	}
	symbols := payloadStrings(job.Payload, "symbols")
	data := make(map[string]any, len(symbols))
	for _, sym := range symbols {
		data[sym] = map[string]any{
			"price":     100 + int(seed(sym)%500),
			"volume":    1000000 + int(seed(sym)%10000000),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}
	}
	return json.Marshal(map[string]any{
		"fetch_completed": true,
		"source":          payloadString(job.Payload, "source", "unknown"),
		"symbols_fetched": len(symbols),
		"data":            data,
	})
}

func dataProcessing(ctx domain.Context, job domain.Job) (json.RawMessage, error) {
	if err := sleep(ctx, 6*timeUnit); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"processing_completed":    true,
		"records_processed":       10000,
		"processing_time_seconds": 6,
		"output_file":             fmt.Sprintf("/processed/%s_processed.json", job.ID),
	})
}

func reportGeneration(ctx domain.Context, job domain.Job) (json.RawMessage, error) {
	reportType := payloadString(job.Payload, "report_type", "unknown")
	date := payloadString(job.Payload, "date", time.Now().UTC().Format("2006-01-02"))
	var wait time.Duration
	switch reportType {
	case "daily_summary":
		wait = 4 * timeUnit
	case "weekly_analysis":
		wait = 8 * timeUnit
	case "monthly_report":
		wait = 12 * timeUnit
	default:
		wait = 5 * timeUnit
	}
	if err := sleep(ctx, wait); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"report_generated": true,
		"report_type":      reportType,
		"report_date":      date,
		"pages":            15 + int(seed(job.ID)%50),
		"charts_generated": 5 + int(seed(job.ID)%10),
		"report_url":       fmt.Sprintf("/reports/%s_%s_%s.pdf", job.ID, reportType, date),
	})
}

func (r *Registry) generic(ctx domain.Context, job domain.Job) (json.RawMessage, error) {
	if r.log != nil {
		r.log.Warn("no handler registered for job type, using generic handler",
			slog.String("job_type", job.Type), slog.String("job_id", job.ID))
	}
	if err := sleep(ctx, 2*timeUnit); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"generic_job_completed": true,
		"job_type":              job.Type,
		"payload_processed":     true,
		"note":                  fmt.Sprintf("Generic handler executed for %s", job.Type),
	})
}
