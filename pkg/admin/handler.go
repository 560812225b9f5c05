// Package admin provides the operator HTTP API of runs-queue: job state and
// results, job deletion, worker aliveness and the lifecycle event feed.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/Shavakan/runs-queue/pkg/aliveness"
	"github.com/Shavakan/runs-queue/pkg/balancing"
	"github.com/Shavakan/runs-queue/pkg/bucket"
	"github.com/Shavakan/runs-queue/pkg/events"
	"github.com/Shavakan/runs-queue/pkg/job"
	"github.com/Shavakan/runs-queue/pkg/logging"
)

var adminLog = logging.WithComponent(logging.LogTypeAdmin, "handler")
var auditLog = logging.WithComponent(logging.LogTypeAdmin, "audit")

// JobsAPI is the part of the balancing queue exposed to operators.
type JobsAPI interface {
	OngoingJobIDs() []job.ID
	OngoingJobGroupIDs() []job.GroupID
	State(jobID job.ID) (balancing.JobState, error)
	Results(jobID job.ID) (*balancing.ResultsCollector, error)
	Delete(ctx context.Context, jobID job.ID) error
}

// WorkersAPI exposes worker aliveness and the enable / disable switch.
type WorkersAPI interface {
	Snapshot() map[bucket.WorkerID]aliveness.WorkerAliveness
	DisableWorker(workerID bucket.WorkerID)
	EnableWorker(workerID bucket.WorkerID)
}

// EventsAPI reads the lifecycle event stream.
type EventsAPI interface {
	Latest(ctx context.Context, count int64) ([]events.Event, error)
}

// Handler provides the admin HTTP endpoints.
type Handler struct {
	jobs    JobsAPI
	workers WorkersAPI
	events  EventsAPI
	auth    *AuthMiddleware
}

// NewHandler creates a new admin handler with authentication.
// If adminSecret is empty, authentication is disabled. A nil events reader
// serves an empty feed.
func NewHandler(jobs JobsAPI, workers WorkersAPI, ev EventsAPI, adminSecret string) *Handler {
	if ev == nil {
		ev = events.NoopEmitter{}
	}
	return &Handler{
		jobs:    jobs,
		workers: workers,
		events:  ev,
		auth:    NewAuthMiddleware(adminSecret),
	}
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// RegisterRoutes registers admin API routes on the given mux.
// All endpoints require authentication when RUNS_QUEUE_ADMIN_SECRET is set.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /api/jobs", h.auth.WrapFunc(h.ListJobs))
	mux.Handle("GET /api/jobs/{id}", h.auth.WrapFunc(h.GetJob))
	mux.Handle("GET /api/jobs/{id}/results", h.auth.WrapFunc(h.GetJobResults))
	mux.Handle("DELETE /api/jobs/{id}", h.auth.WrapFunc(h.DeleteJob))
	mux.Handle("GET /api/workers", h.auth.WrapFunc(h.ListWorkers))
	mux.Handle("POST /api/workers/{id}/disable", h.auth.WrapFunc(h.DisableWorker))
	mux.Handle("POST /api/workers/{id}/enable", h.auth.WrapFunc(h.EnableWorker))
	mux.Handle("GET /api/events", h.auth.WrapFunc(h.ListEvents))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		adminLog.Error("json encode failed", slog.String(logging.KeyError, err.Error()))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, details string) {
	resp := ErrorResponse{Error: message}
	if details != "" {
		resp.Details = details
	}
	h.writeJSON(w, status, resp)
}

func (h *Handler) auditLog(r *http.Request, action, target, result string, extra ...any) {
	remoteAddr := r.Header.Get("X-Forwarded-For")
	if remoteAddr == "" {
		remoteAddr = r.RemoteAddr
	}
	attrs := []any{
		slog.Bool(logging.KeyAudit, true),
		slog.String(logging.KeyAction, action),
		slog.String("target", target),
		slog.String(logging.KeyResult, result),
		slog.String(logging.KeyRemoteAddr, remoteAddr),
	}
	attrs = append(attrs, extra...)

	switch result {
	case "denied":
		auditLog.Warn("admin action denied", attrs...)
	case "error":
		auditLog.Error("admin action failed", attrs...)
	default:
		auditLog.Info("admin action", attrs...)
	}
}
