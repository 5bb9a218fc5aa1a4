/*
respond.go - Response envelope and error translation

PURPOSE:
  Every endpoint answers with the same JSON envelope:

    {"success": true,  "status": 200, "data": {...}}
    {"success": false, "status": 422, "message": "..."}

  and this file is the only place domain errors become HTTP statuses, so the
  taxonomy-to-status mapping cannot drift between handlers.

MAPPING:
  ValidationError / DuplicateReadingError carry display-ready messages and
  pass through verbatim. Not-found and forbidden deliberately share one
  generic message: a caller probing foreign ids learns nothing from the body.
  Everything else is a 500 with the detail logged, never echoed.
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/wattwise/meter-engine/auth"
	"github.com/wattwise/meter-engine/meter"
)

type envelope struct {
	Success bool   `json:"success"`
	Status  int    `json:"status"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: true, Status: status, Data: data})
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: true, Status: status, Message: message})
}

func writeFailure(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: false, Status: status, Message: message})
}

// writeError maps a domain error to its HTTP status and body.
func writeError(w http.ResponseWriter, log zerolog.Logger, err error) {
	switch {
	case meter.IsValidation(err):
		writeFailure(w, http.StatusUnprocessableEntity, err.Error())
	case meter.IsConflict(err):
		writeFailure(w, http.StatusConflict, err.Error())
	case errors.Is(err, meter.ErrNoActiveCycle):
		writeFailure(w, http.StatusNotFound, "No active billing cycle found.")
	case meter.IsNotFound(err):
		writeFailure(w, http.StatusNotFound, "Resource not found.")
	case meter.IsForbidden(err):
		// Same body as not-found: the status differs, the message leaks nothing.
		writeFailure(w, http.StatusForbidden, "Resource not found.")
	case errors.Is(err, auth.ErrEmailTaken):
		writeFailure(w, http.StatusUnprocessableEntity, "The email has already been taken.")
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeFailure(w, http.StatusUnauthorized, "The provided credentials are incorrect.")
	case errors.Is(err, auth.ErrInvalidToken):
		writeFailure(w, http.StatusUnauthorized, "Unauthenticated.")
	default:
		log.Error().Err(err).Msg("request failed")
		writeFailure(w, http.StatusInternalServerError, "Something went wrong. Please try again.")
	}
}
