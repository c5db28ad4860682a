// backend/handlers/respond.go
package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// respondWithJSON writes payload with the given status code.
func (h *Handler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("Failed to marshal JSON response", zap.Error(err))
		http.Error(w, `{"error":"Failed to marshal JSON response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func (h *Handler) respondWithError(w http.ResponseWriter, code int, message string) {
	if code >= http.StatusInternalServerError {
		h.logger.Error("API error", zap.Int("status", code), zap.String("error", message))
	} else {
		h.logger.Debug("API error", zap.Int("status", code), zap.String("error", message))
	}
	h.respondWithJSON(w, code, map[string]string{"error": message})
}
