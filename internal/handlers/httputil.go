package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/Brownie44l1/detect-api/internal/detection"
)

// respondJSON encodes data before writing the status, so a value that
// cannot be encoded becomes a 500 error envelope instead of an empty body.
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Int("status", status).Msg("Failed to encode JSON response")
		status = http.StatusInternalServerError
		body, _ = json.Marshal(detection.NewErrorEnvelope(detection.InternalError(err)))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(body, '\n')); err != nil {
		log.Warn().Err(err).Msg("Failed to write JSON response")
	}
}
