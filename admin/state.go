package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/maxpert/txcore/transam"
)

// handleCSN handles GET /admin/csn
func (h *AdminHandlers) handleCSN(w http.ResponseWriter, r *http.Request) {
	engine := h.state.CSN()
	last := engine.Clock().Last()

	response := map[string]interface{}{
		"enabled":  engine.Enabled(),
		"last_csn": uint64(last),
	}
	if last.IsNormal() {
		response["last_csn_time"] = formatTimestamp(engine.Clock().PhysicalTime(last))
	}
	if head := engine.MapHeadSecond(); head > 0 {
		response["xmin_map_head"] = formatTimestamp(time.Unix(head, 0))
	}
	writeJSONResponse(w, response)
}

// handleMultiXactStats handles GET /admin/multixact
func (h *AdminHandlers) handleMultiXactStats(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.state.MultiXactStats())
}

// handleMultiXactMembers handles GET /admin/multixact/{id}
func (h *AdminHandlers) handleMultiXactMembers(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil || id == 0 {
		writeErrorResponse(w, http.StatusBadRequest, "invalid MultiXactId")
		return
	}
	multi := transam.MultiXactID(id)
	members, err := h.state.MultiXactMembers(multi)
	if err != nil {
		writePgError(w, err)
		return
	}

	result := make([]map[string]interface{}, 0, len(members))
	for _, m := range members {
		result = append(result, map[string]interface{}{
			"xid":    uint32(m.Xid),
			"status": m.Status.String(),
		})
	}
	writeJSONResponse(w, map[string]interface{}{
		"multixact_id": uint32(multi),
		"members":      result,
	})
}

// handleSinval handles GET /admin/sinval
func (h *AdminHandlers) handleSinval(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.state.SinvalStats())
}

// handleWaitEvents handles GET /admin/waitevents?match=<glob>
func (h *AdminHandlers) handleWaitEvents(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("match")
	if pattern == "" {
		pattern = "*"
	}
	events, err := h.state.MatchWaitEvents(pattern)
	if err != nil {
		writePgError(w, err)
		return
	}
	writeJSONResponse(w, events)
}
