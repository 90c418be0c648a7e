package admin

import (
	"net/http"
	"time"
)

// handleStats returns the gauges the metrics collector polls
func (h *AdminHandlers) handleStats(w http.ResponseWriter, r *http.Request) {
	st := h.state.Stats()
	response := map[string]interface{}{
		"node_id":               h.nodeID,
		"active_backends":       st.ActiveBackends,
		"shared_memory_free":    st.SharedMemoryFree,
		"sinval_queue_depth":    st.SinvalQueueDepth,
		"multixact_next":        st.MultiXactNext,
		"multixact_oldest":      st.MultiXactOldest,
		"multixact_next_offset": st.MultiXactOffset,
		"last_csn":              st.LastCSN,
		"custom_wait_events":    st.CustomWaitEvents,
		"prepared_xacts":        h.state.PreparedTransactions(),
	}
	writeJSONResponse(w, response)
}

// handleCheckpoint handles POST /admin/checkpoint
func (h *AdminHandlers) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if err := h.state.Checkpoint(); err != nil {
		writePgError(w, err)
		return
	}
	writeJSONResponse(w, map[string]interface{}{
		"redo_lsn":    uint64(h.state.WAL().InsertLSN()),
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

// handleVacuum handles POST /admin/vacuum
func (h *AdminHandlers) handleVacuum(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	res, err := h.state.Vacuum()
	if err != nil {
		writePgError(w, err)
		return
	}
	writeJSONResponse(w, map[string]interface{}{
		"oldest_xmin":  uint32(res.OldestXmin),
		"oldest_multi": uint32(res.OldestMulti),
		"duration_ms":  time.Since(start).Milliseconds(),
	})
}
