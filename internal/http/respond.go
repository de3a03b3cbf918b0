package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/stenjo/esp-ota-server/internal/domain"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeSyncResult renders a sync outcome with the HTTP status derived from
// its domain status.
func writeSyncResult(w http.ResponseWriter, result domain.SyncResult) {
	var status int
	switch result.Status {
	case domain.StatusSynced, domain.StatusNoChange:
		status = http.StatusOK
	case domain.StatusProjectUnknown:
		status = http.StatusNotFound
	default:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, result)
}

// writeRollbackResult renders a rollback outcome with the HTTP status
// derived from its domain status.
func writeRollbackResult(w http.ResponseWriter, result domain.RollbackResult) {
	var status int
	switch result.Status {
	case domain.StatusRolledBack:
		status = http.StatusOK
	case domain.StatusNoPriorVersion:
		status = http.StatusConflict
	case domain.StatusProjectUnknown:
		status = http.StatusNotFound
	default:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, result)
}
