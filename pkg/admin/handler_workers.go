package admin

import (
	"net/http"
	"slices"
	"time"

	"github.com/Shavakan/runs-queue/pkg/aliveness"
	"github.com/Shavakan/runs-queue/pkg/bucket"
)

// WorkerResponse is the aliveness of one worker.
type WorkerResponse struct {
	WorkerID         bucket.WorkerID  `json:"worker_id"`
	Status           aliveness.Status `json:"status"`
	Registered       bool             `json:"registered"`
	Disabled         bool             `json:"disabled"`
	Silent           bool             `json:"silent"`
	LastHeartbeat    *time.Time       `json:"last_heartbeat,omitempty"`
	BucketsInProcess []bucket.ID      `json:"bucket_ids_being_processed"`
}

// ListWorkers handles GET /api/workers.
func (h *Handler) ListWorkers(w http.ResponseWriter, _ *http.Request) {
	snapshot := h.workers.Snapshot()
	ids := make([]bucket.WorkerID, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	workers := make([]WorkerResponse, 0, len(ids))
	for _, id := range ids {
		a := snapshot[id]
		resp := WorkerResponse{
			WorkerID:         id,
			Status:           a.Status(),
			Registered:       a.Registered,
			Disabled:         a.Disabled,
			Silent:           a.Silent,
			BucketsInProcess: a.BucketIDs,
		}
		if !a.LastHeartbeat.IsZero() {
			last := a.LastHeartbeat
			resp.LastHeartbeat = &last
		}
		workers = append(workers, resp)
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"workers": workers,
	})
}

// DisableWorker handles POST /api/workers/{id}/disable.
func (h *Handler) DisableWorker(w http.ResponseWriter, r *http.Request) {
	id := bucket.WorkerID(r.PathValue("id"))
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "Worker ID is required", "")
		return
	}
	h.workers.DisableWorker(id)
	h.auditLog(r, "worker.disable", string(id), "success")
	w.WriteHeader(http.StatusNoContent)
}

// EnableWorker handles POST /api/workers/{id}/enable.
func (h *Handler) EnableWorker(w http.ResponseWriter, r *http.Request) {
	id := bucket.WorkerID(r.PathValue("id"))
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "Worker ID is required", "")
		return
	}
	h.workers.EnableWorker(id)
	h.auditLog(r, "worker.enable", string(id), "success")
	w.WriteHeader(http.StatusNoContent)
}
