package admin

import (
	"net/http"
	"strconv"

	"github.com/Shavakan/runs-queue/pkg/events"
)

const (
	defaultEventCount = 100
	maxEventCount     = 1000
)

// ListEvents handles GET /api/events?count=N.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	count := int64(defaultEventCount)
	if raw := r.URL.Query().Get("count"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 || n > maxEventCount {
			h.writeError(w, http.StatusBadRequest, "Invalid count", "count must be between 1 and "+strconv.Itoa(maxEventCount))
			return
		}
		count = n
	}

	latest, err := h.events.Latest(r.Context(), count)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "Failed to read events", err.Error())
		return
	}
	if latest == nil {
		latest = []events.Event{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"events": latest,
	})
}
