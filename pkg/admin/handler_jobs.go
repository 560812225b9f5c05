package admin

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/Shavakan/runs-queue/pkg/balancing"
	"github.com/Shavakan/runs-queue/pkg/bucket"
	"github.com/Shavakan/runs-queue/pkg/job"
	"github.com/Shavakan/runs-queue/pkg/logging"
)

// JobsResponse lists the jobs still being served.
type JobsResponse struct {
	JobIDs      []job.ID      `json:"job_ids"`
	JobGroupIDs []job.GroupID `json:"job_group_ids"`
}

// ResultsResponse carries the collected results of a job.
type ResultsResponse struct {
	JobID   job.ID                   `json:"job_id"`
	Results []bucket.TestingResult   `json:"testing_results"`
	Merged  []bucket.TestEntryResult `json:"merged"`
}

// ListJobs handles GET /api/jobs.
func (h *Handler) ListJobs(w http.ResponseWriter, _ *http.Request) {
	resp := JobsResponse{
		JobIDs:      h.jobs.OngoingJobIDs(),
		JobGroupIDs: h.jobs.OngoingJobGroupIDs(),
	}
	if resp.JobIDs == nil {
		resp.JobIDs = []job.ID{}
	}
	if resp.JobGroupIDs == nil {
		resp.JobGroupIDs = []job.GroupID{}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetJob handles GET /api/jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := job.ID(r.PathValue("id"))
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required", "")
		return
	}

	state, err := h.jobs.State(jobID)
	if err != nil {
		h.writeJobError(w, jobID, "Failed to get job", err)
		return
	}
	h.writeJSON(w, http.StatusOK, state)
}

// GetJobResults handles GET /api/jobs/{id}/results.
func (h *Handler) GetJobResults(w http.ResponseWriter, r *http.Request) {
	jobID := job.ID(r.PathValue("id"))
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required", "")
		return
	}

	collector, err := h.jobs.Results(jobID)
	if err != nil {
		h.writeJobError(w, jobID, "Failed to get job results", err)
		return
	}

	resp := ResultsResponse{
		JobID:   jobID,
		Results: collector.Collected(),
		Merged:  collector.Merged(),
	}
	if resp.Results == nil {
		resp.Results = []bucket.TestingResult{}
	}
	if resp.Merged == nil {
		resp.Merged = []bucket.TestEntryResult{}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// DeleteJob handles DELETE /api/jobs/{id}.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := job.ID(r.PathValue("id"))
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required", "")
		return
	}

	if err := h.jobs.Delete(r.Context(), jobID); err != nil {
		if errors.Is(err, balancing.ErrNoQueueForJob) {
			h.auditLog(r, "job.delete", string(jobID), "denied", slog.String(logging.KeyReason, "not found"))
		} else {
			h.auditLog(r, "job.delete", string(jobID), "error", slog.String(logging.KeyError, err.Error()))
		}
		h.writeJobError(w, jobID, "Failed to delete job", err)
		return
	}

	h.auditLog(r, "job.delete", string(jobID), "success")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeJobError(w http.ResponseWriter, jobID job.ID, message string, err error) {
	if errors.Is(err, balancing.ErrNoQueueForJob) {
		h.writeError(w, http.StatusNotFound, "Job not found", err.Error())
		return
	}
	adminLog.Error("job request failed",
		slog.String(logging.KeyJobID, string(jobID)),
		slog.String(logging.KeyError, err.Error()))
	h.writeError(w, http.StatusInternalServerError, message, err.Error())
}
