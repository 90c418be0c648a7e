package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/txcore/core"
	"github.com/maxpert/txcore/pgerr"
)

// AdminHandlers serves debug views of the shared state
type AdminHandlers struct {
	state  *core.SharedState
	nodeID uint64
}

// NewAdminHandlers creates a new AdminHandlers instance
func NewAdminHandlers(state *core.SharedState, nodeID uint64) *AdminHandlers {
	return &AdminHandlers{
		state:  state,
		nodeID: nodeID,
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	response := map[string]interface{}{
		"data": data,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// writePgError maps an error's SQLSTATE to an HTTP status
func writePgError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch pgerr.CodeOf(err) {
	case pgerr.InvalidParameterValue:
		status = http.StatusBadRequest
	case pgerr.UndefinedObject, pgerr.UndefinedTable:
		status = http.StatusNotFound
	case pgerr.ObjectNotInPrerequisiteState:
		status = http.StatusConflict
	case pgerr.TooManyConnections:
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": err.Error(),
		"code":  string(pgerr.CodeOf(err)),
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// formatTimestamp converts a time to ISO 8601, empty for the zero time
func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
