package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/agentdesk/agentdesk/internal/session"
	"github.com/agentdesk/agentdesk/pkg/types"
)

// CreateSessionRequest represents the request body for creating a session.
type CreateSessionRequest struct {
	Directory    string               `json:"directory"`
	Title        string               `json:"title,omitempty"`
	Mode         types.PermissionMode `json:"mode,omitempty"`
	AllowedTools []string             `json:"allowedTools,omitempty"`
}

// SendMessageRequest starts a turn.
type SendMessageRequest struct {
	Prompt string `json:"prompt"`
}

// listSessions handles GET /session
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	// Without a directory query every session is listed.
	directory := r.URL.Query().Get("directory")

	sessions, err := s.sessions.List(r.Context(), directory)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*types.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// createSession handles POST /session
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}

	directory := req.Directory
	if directory == "" {
		directory = getDirectory(r.Context())
	}

	sess, err := s.sessions.Create(r.Context(), session.CreateInput{
		Directory:    directory,
		Title:        req.Title,
		Mode:         req.Mode,
		AllowedTools: req.AllowedTools,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// getSession handles GET /session/{sessionID}
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// updateSession handles PATCH /session/{sessionID}
func (s *Server) updateSession(w http.ResponseWriter, r *http.Request) {
	var req session.UpdateInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}

	sess, err := s.sessions.Update(r.Context(), chi.URLParam(r, "sessionID"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// deleteSession handles DELETE /session/{sessionID}
func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeSuccess(w)
}

// getSessionStatus handles GET /session/status
func (s *Server) getSessionStatus(w http.ResponseWriter, r *http.Request) {
	status := make(map[string]types.SessionStatus)
	for _, id := range s.sessions.Registry().List() {
		if run, ok := s.sessions.Run(id); ok {
			status[id] = run.Status()
		}
	}
	writeJSON(w, http.StatusOK, status)
}

// sendMessage handles POST /session/{sessionID}/message. The turn runs in
// the background; its progress is streamed on /event.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "prompt is required")
		return
	}

	if _, err := s.sessions.Prompt(r.Context(), sessionID, req.Prompt); err != nil {
		writeServiceError(w, err)
		return
	}

	sess, err := s.sessions.Get(r.Context(), sessionID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

// abortSession handles POST /session/{sessionID}/abort
func (s *Server) abortSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.sessions.Get(r.Context(), sessionID); err != nil {
		writeServiceError(w, err)
		return
	}
	s.sessions.Abort(sessionID)
	writeSuccess(w)
}

// health handles GET /health
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"healthy": true,
		"running": len(s.sessions.Registry().List()),
	})
}
