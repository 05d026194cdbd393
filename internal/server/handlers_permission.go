package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agentdesk/agentdesk/internal/permission"
)

// PermissionResponse is a human answer to a permission.request event.
//
// An allow carrying a result means the client already executed the tool;
// the result is handed to the agent instead of running the tool again.
type PermissionResponse struct {
	Behavior     permission.Behavior `json:"behavior"`
	Message      string              `json:"message,omitempty"`
	UpdatedInput json.RawMessage     `json:"updatedInput,omitempty"`
	Result       json.RawMessage     `json:"result,omitempty"`
}

// Decision converts the response. ok is false for an unknown behavior.
func (p PermissionResponse) Decision() (d permission.Decision, ok bool) {
	switch p.Behavior {
	case permission.BehaviorAllow:
		switch {
		case len(p.Result) > 0:
			return permission.AllowPreExecuted(p.Result), true
		case len(p.UpdatedInput) > 0:
			return permission.AllowWithInput(p.UpdatedInput), true
		}
		return permission.Allow(), true
	case permission.BehaviorDeny:
		msg := p.Message
		if msg == "" {
			msg = permission.ReasonRejected
		}
		return permission.Deny(msg), true
	}
	return permission.Decision{}, false
}

// listPermissions handles GET /session/{sessionID}/permissions
func (s *Server) listPermissions(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.sessions.Get(r.Context(), sessionID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sessions.Pending(sessionID))
}

// respondPermission handles POST /session/{sessionID}/permissions/{requestID}
func (s *Server) respondPermission(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	requestID := chi.URLParam(r, "requestID")

	var req PermissionResponse
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	d, ok := req.Decision()
	if !ok {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "behavior must be allow or deny")
		return
	}

	if _, err := s.sessions.Get(r.Context(), sessionID); err != nil {
		writeServiceError(w, err)
		return
	}
	resolved, err := s.sessions.Respond(sessionID, requestID, d)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"resolved": resolved})
}
