package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/agentdesk/agentdesk/internal/logging"
	"github.com/agentdesk/agentdesk/internal/session"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeSessionBusy    = "SESSION_BUSY"
	ErrCodeNotRunning     = "SESSION_NOT_RUNNING"
	ErrCodeInternalError  = "INTERNAL_ERROR"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeErrorWithDetails(w, status, code, message, nil)
}

func writeErrorWithDetails(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	writeJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// writeSuccess replies with a bare JSON true.
func writeSuccess(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, true)
}

// writeServiceError maps session service errors to the error envelope.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Session not found")
	case errors.Is(err, session.ErrSessionBusy):
		writeError(w, http.StatusConflict, ErrCodeSessionBusy, err.Error())
	case errors.Is(err, session.ErrNotRunning):
		writeError(w, http.StatusConflict, ErrCodeNotRunning, err.Error())
	case errors.Is(err, session.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
	default:
		logging.Error().Err(err).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
	}
}
