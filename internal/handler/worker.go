// Package handler provides the worker-facing HTTP API of the runs-queue server.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Shavakan/runs-queue/internal/validation"
	"github.com/Shavakan/runs-queue/pkg/aliveness"
	"github.com/Shavakan/runs-queue/pkg/balancing"
	"github.com/Shavakan/runs-queue/pkg/bucket"
	"github.com/Shavakan/runs-queue/pkg/bucketqueue"
	"github.com/Shavakan/runs-queue/pkg/config"
	"github.com/Shavakan/runs-queue/pkg/history"
	"github.com/Shavakan/runs-queue/pkg/job"
	"github.com/Shavakan/runs-queue/pkg/logging"
	"k8s.io/utils/ptr"
)

var handlerLog = logging.WithComponent(logging.LogTypeHandler, "worker_api")

// Queue is the balancing queue as seen by workers and schedulers.
type Queue interface {
	Enqueue(ctx context.Context, j job.Job, g job.Group, buckets []bucket.Bucket) error
	Dequeue(ctx context.Context, requestID bucket.RequestID, workerID bucket.WorkerID, caps []bucket.Capability) (bucket.DequeueResult, error)
	Accept(ctx context.Context, result bucket.TestingResult, requestID bucket.RequestID, workerID bucket.WorkerID) (history.AcceptResult, error)
}

// Workers records worker registration and heartbeats.
type Workers interface {
	RegisterWorker(workerID bucket.WorkerID)
	MarkAlive(workerID bucket.WorkerID)
	SetBucketIDsBeingProcessed(workerID bucket.WorkerID, ids []bucket.ID)
	Aliveness(workerID bucket.WorkerID) aliveness.WorkerAliveness
}

// JobPermissions keeps listed workers away from a job.
type JobPermissions interface {
	DenyJob(jobID job.ID, workers ...bucket.WorkerID) []bucket.WorkerID
	AllowJob(jobID job.ID, workers ...bucket.WorkerID)
}

// Config holds worker API settings.
type Config struct {
	// ReportAliveInterval is returned to workers on registration.
	ReportAliveInterval time.Duration
	// NumberOfRetries is the retry budget of jobs that do not set one.
	NumberOfRetries uint
}

// WorkerHandler serves the worker API.
type WorkerHandler struct {
	queue       Queue
	workers     Workers
	permissions JobPermissions
	config      Config
}

// NewWorkerHandler creates the worker API handler. permissions may be nil, in
// which case denied_workers in schedule requests are rejected.
func NewWorkerHandler(q Queue, workers Workers, permissions JobPermissions, cfg Config) *WorkerHandler {
	return &WorkerHandler{
		queue:       q,
		workers:     workers,
		permissions: permissions,
		config:      cfg,
	}
}

// RegisterRoutes registers the worker API routes on the given mux.
func (h *WorkerHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/register", h.Register)
	mux.HandleFunc("POST /api/v1/heartbeat", h.Heartbeat)
	mux.HandleFunc("POST /api/v1/dequeue", h.Dequeue)
	mux.HandleFunc("POST /api/v1/result", h.SubmitResult)
	mux.HandleFunc("POST /api/v1/schedule", h.Schedule)
}

// RegisterRequest is sent by a worker on startup.
type RegisterRequest struct {
	WorkerID bucket.WorkerID `json:"worker_id"`
}

// RegisterResponse tells the worker how often to report in.
type RegisterResponse struct {
	WorkerID                   bucket.WorkerID `json:"worker_id"`
	ReportAliveIntervalSeconds int             `json:"report_alive_interval_seconds"`
}

// HeartbeatRequest reports the worker alive with the buckets it is running.
type HeartbeatRequest struct {
	WorkerID  bucket.WorkerID `json:"worker_id"`
	BucketIDs []bucket.ID     `json:"bucket_ids"`
}

// DequeueRequest asks for a bucket. RequestID stays the same across network
// retries of one attempt.
type DequeueRequest struct {
	WorkerID     bucket.WorkerID     `json:"worker_id"`
	RequestID    bucket.RequestID    `json:"request_id"`
	Capabilities []bucket.Capability `json:"capabilities,omitempty"`
}

// DequeueResponse is the wire form of bucket.DequeueResult.
type DequeueResponse struct {
	Kind              bucket.DequeueResultKind `json:"kind"`
	CheckAfterSeconds int                      `json:"check_after_seconds,omitempty"`
	Bucket            *bucket.DequeuedBucket   `json:"bucket,omitempty"`
}

// ResultRequest submits the testing result of a dequeued bucket.
type ResultRequest struct {
	WorkerID      bucket.WorkerID      `json:"worker_id"`
	RequestID     bucket.RequestID     `json:"request_id"`
	TestingResult bucket.TestingResult `json:"testing_result"`
}

// ResultResponse echoes the final verdicts recorded for the bucket.
type ResultResponse struct {
	TestingResult bucket.TestingResult `json:"testing_result"`
	RetriedCount  int                  `json:"retried_count"`
	LostCount     int                  `json:"lost_count"`
}

// ScheduleRequest schedules buckets for a job.
type ScheduleRequest struct {
	JobID           job.ID            `json:"job_id"`
	JobPriority     *job.Priority     `json:"job_priority,omitempty"`
	GroupID         job.GroupID       `json:"group_id"`
	GroupPriority   *job.Priority     `json:"group_priority,omitempty"`
	NumberOfRetries *uint             `json:"number_of_retries,omitempty"`
	DeniedWorkers   []bucket.WorkerID `json:"denied_workers,omitempty"`
	Buckets         []bucket.Bucket   `json:"buckets"`
}

// ScheduleResponse acknowledges a schedule request.
type ScheduleResponse struct {
	JobID        job.ID      `json:"job_id"`
	BucketIDs    []bucket.ID `json:"bucket_ids"`
	BucketsCount int         `json:"buckets_count"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// Register handles POST /api/v1/register.
func (h *WorkerHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := validation.ValidateID("worker_id", string(req.WorkerID)); err != nil {
		h.writeError(w, http.StatusBadRequest, "Validation failed", err.Error())
		return
	}

	h.workers.RegisterWorker(req.WorkerID)
	handlerLog.Info("worker registered", slog.String(logging.KeyWorkerID, string(req.WorkerID)))

	h.writeJSON(w, http.StatusOK, RegisterResponse{
		WorkerID:                   req.WorkerID,
		ReportAliveIntervalSeconds: int(h.config.ReportAliveInterval / time.Second),
	})
}

// Heartbeat handles POST /api/v1/heartbeat. Silent and unknown workers must
// register again.
func (h *WorkerHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := validation.ValidateID("worker_id", string(req.WorkerID)); err != nil {
		h.writeError(w, http.StatusBadRequest, "Validation failed", err.Error())
		return
	}

	a := h.workers.Aliveness(req.WorkerID)
	if !a.Registered || (a.Silent && !a.Disabled) {
		h.writeError(w, http.StatusNotFound, "Worker is not registered", string(a.Status()))
		return
	}

	h.workers.MarkAlive(req.WorkerID)
	h.workers.SetBucketIDsBeingProcessed(req.WorkerID, req.BucketIDs)
	w.WriteHeader(http.StatusOK)
}

// Dequeue handles POST /api/v1/dequeue.
func (h *WorkerHandler) Dequeue(w http.ResponseWriter, r *http.Request) {
	var req DequeueRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := errors.Join(
		validation.ValidateID("worker_id", string(req.WorkerID)),
		validation.ValidateID("request_id", string(req.RequestID)),
	); err != nil {
		h.writeError(w, http.StatusBadRequest, "Validation failed", err.Error())
		return
	}

	res, err := h.queue.Dequeue(r.Context(), req.RequestID, req.WorkerID, req.Capabilities)
	if err != nil {
		handlerLog.ErrorContext(r.Context(), "dequeue failed",
			slog.String(logging.KeyWorkerID, string(req.WorkerID)),
			slog.String(logging.KeyRequestID, string(req.RequestID)),
			slog.String(logging.KeyError, err.Error()))
		h.writeError(w, http.StatusInternalServerError, "Failed to dequeue", err.Error())
		return
	}

	resp := DequeueResponse{Kind: res.Kind, Bucket: res.Bucket}
	if res.Kind == bucket.DequeueCheckAgainLater {
		resp.CheckAfterSeconds = int((res.CheckAfter + time.Second - 1) / time.Second)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// SubmitResult handles POST /api/v1/result.
func (h *WorkerHandler) SubmitResult(w http.ResponseWriter, r *http.Request) {
	var req ResultRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := errors.Join(
		validation.ValidateID("worker_id", string(req.WorkerID)),
		validation.ValidateID("request_id", string(req.RequestID)),
		validation.ValidateID("testing_result.bucket_id", string(req.TestingResult.BucketID)),
	); err != nil {
		h.writeError(w, http.StatusBadRequest, "Validation failed", err.Error())
		return
	}

	res, err := h.queue.Accept(r.Context(), req.TestingResult, req.RequestID, req.WorkerID)
	if err != nil {
		h.writeQueueError(w, r, "Failed to accept result", err,
			slog.String(logging.KeyWorkerID, string(req.WorkerID)),
			slog.String(logging.KeyRequestID, string(req.RequestID)),
			slog.String(logging.KeyBucketID, string(req.TestingResult.BucketID)))
		return
	}

	h.writeJSON(w, http.StatusOK, ResultResponse{
		TestingResult: res.TestingResult,
		RetriedCount:  res.RetriedCount,
		LostCount:     res.LostCount,
	})
}

// Schedule handles POST /api/v1/schedule.
func (h *WorkerHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.validateSchedule(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Validation failed", err.Error())
		return
	}

	j := job.Job{
		ID:              req.JobID,
		Priority:        ptr.Deref(req.JobPriority, job.PriorityDefault),
		NumberOfRetries: ptr.Deref(req.NumberOfRetries, h.config.NumberOfRetries),
	}
	g := job.Group{
		ID:       req.GroupID,
		Priority: ptr.Deref(req.GroupPriority, job.PriorityDefault),
	}

	// Denials are in place before any bucket becomes visible and are lifted
	// again when the job is not scheduled.
	var denied []bucket.WorkerID
	if len(req.DeniedWorkers) > 0 {
		denied = h.permissions.DenyJob(req.JobID, req.DeniedWorkers...)
	}

	if err := h.queue.Enqueue(r.Context(), j, g, req.Buckets); err != nil {
		if len(denied) > 0 {
			h.permissions.AllowJob(req.JobID, denied...)
		}
		h.writeQueueError(w, r, "Failed to schedule job", err,
			slog.String(logging.KeyJobID, string(req.JobID)),
			slog.String(logging.KeyGroupID, string(req.GroupID)))
		return
	}

	ids := make([]bucket.ID, 0, len(req.Buckets))
	for _, b := range req.Buckets {
		ids = append(ids, b.ID)
	}
	h.writeJSON(w, http.StatusAccepted, ScheduleResponse{
		JobID:        req.JobID,
		BucketIDs:    ids,
		BucketsCount: len(ids),
	})
}

func (h *WorkerHandler) validateSchedule(req *ScheduleRequest) error {
	if err := errors.Join(
		validation.ValidateID("job_id", string(req.JobID)),
		validation.ValidateID("group_id", string(req.GroupID)),
	); err != nil {
		return err
	}
	for _, p := range []struct {
		field string
		value *job.Priority
	}{{"job_priority", req.JobPriority}, {"group_priority", req.GroupPriority}} {
		if p.value != nil && *p.value > job.PriorityHighest {
			return fmt.Errorf("%s must be between %d and %d, got %d", p.field, job.PriorityLowest, job.PriorityHighest, *p.value)
		}
	}
	if len(req.DeniedWorkers) > 0 && h.permissions == nil {
		return errors.New("denied_workers is not supported by this server")
	}
	for i, wid := range req.DeniedWorkers {
		if err := validation.ValidateID(fmt.Sprintf("denied_workers[%d]", i), string(wid)); err != nil {
			return err
		}
	}
	if len(req.Buckets) == 0 {
		return errors.New("buckets must not be empty")
	}

	seen := make(map[bucket.ID]bool, len(req.Buckets))
	for i := range req.Buckets {
		b := &req.Buckets[i]
		if b.ID == "" {
			*b = b.WithNewID()
		}
		if seen[b.ID] {
			return fmt.Errorf("buckets[%d]: duplicate bucket_id %s", i, b.ID)
		}
		seen[b.ID] = true
		if err := validation.ValidateID(fmt.Sprintf("buckets[%d].bucket_id", i), string(b.ID)); err != nil {
			return err
		}
		if b.Payload == nil {
			return fmt.Errorf("buckets[%d]: payload is required", i)
		}
		if len(b.TestEntries()) == 0 {
			return fmt.Errorf("buckets[%d]: payload has no test entries", i)
		}
		entries := make(map[string]bool, len(b.TestEntries()))
		for _, e := range b.TestEntries() {
			if entries[e.Key()] {
				return fmt.Errorf("buckets[%d]: duplicate test entry %s", i, e.Key())
			}
			entries[e.Key()] = true
		}
		for j, r := range b.Requirements {
			if r.Name == "" {
				return fmt.Errorf("buckets[%d].worker_capability_requirements[%d]: name is required", i, j)
			}
			if err := r.Constraint.Validate(); err != nil {
				return fmt.Errorf("buckets[%d].worker_capability_requirements[%d]: %w", i, j, err)
			}
		}
	}
	return nil
}

func (h *WorkerHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		h.writeError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json", "")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, config.MaxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return false
	}
	return true
}

// writeQueueError maps queue errors to status codes.
func (h *WorkerHandler) writeQueueError(w http.ResponseWriter, r *http.Request, message string, err error, attrs ...any) {
	attrs = append(attrs, slog.String(logging.KeyError, err.Error()))
	switch {
	case errors.Is(err, bucketqueue.ErrNoDequeuedBucket):
		handlerLog.WarnContext(r.Context(), "no matching dequeued bucket", attrs...)
		h.writeError(w, http.StatusConflict, "No dequeued bucket for this request", err.Error())
	case errors.Is(err, balancing.ErrNoQueueForJob):
		handlerLog.WarnContext(r.Context(), "no queue for job", attrs...)
		h.writeError(w, http.StatusNotFound, "Job not found", err.Error())
	case errors.Is(err, balancing.ErrJobDeleted):
		handlerLog.WarnContext(r.Context(), "job is deleted", attrs...)
		h.writeError(w, http.StatusConflict, "Job is deleted", err.Error())
	default:
		handlerLog.ErrorContext(r.Context(), message, attrs...)
		h.writeError(w, http.StatusInternalServerError, message, err.Error())
	}
}

func (h *WorkerHandler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		handlerLog.Error("json encode failed", slog.String(logging.KeyError, err.Error()))
	}
}

func (h *WorkerHandler) writeError(w http.ResponseWriter, status int, message, details string) {
	resp := ErrorResponse{Error: message}
	if details != "" {
		resp.Details = details
	}
	h.writeJSON(w, status, resp)
}
