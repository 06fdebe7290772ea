package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/BTreeMap/TalkBridge/internal/models"
)

// internalErrorBody replaces any body that fails to encode.
var internalErrorBody = sync.OnceValue(func() []byte {
	body, err := json.Marshal(models.Error("Internal server error"))
	if err != nil {
		return []byte(`{"status":"error"}`)
	}
	return body
})

// writeJSONResponse sends body as JSON with status. Headers are written only after encoding
// succeeds; an unencodable body becomes a 500.
func writeJSONResponse(w http.ResponseWriter, status int, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		slog.Error("Server.writeJSONResponse: encode failed", "status", status, "error", err)
		status, payload = http.StatusInternalServerError, internalErrorBody()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		slog.Warn("Server.writeJSONResponse: client write failed", "status", status, "error", err)
	}
}

// writeError sends a JSON error envelope carrying message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSONResponse(w, status, models.Error(message))
}
