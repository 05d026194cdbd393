package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/agentdesk/internal/engine"
	"github.com/agentdesk/agentdesk/internal/engine/script"
	"github.com/agentdesk/agentdesk/internal/event"
	"github.com/agentdesk/agentdesk/internal/permission"
	"github.com/agentdesk/agentdesk/internal/session"
	"github.com/agentdesk/agentdesk/internal/storage"
	"github.com/agentdesk/agentdesk/pkg/types"
)

func setupTestServer(t *testing.T, eng engine.Engine) (*Server, *session.Service, *event.Bus) {
	t.Helper()
	if eng == nil {
		eng = script.New(nil)
	}

	store := session.NewStore(storage.New(t.TempDir()))
	bus := event.NewBus()
	updates := event.NewUpdates()
	svc, err := session.NewService(store, bus, updates, eng, session.Config{
		Mode:              types.ModeSecure,
		PermissionTimeout: time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Shutdown(ctx)
		updates.Close()
	})

	cfg := DefaultConfig()
	cfg.Directory = "/w/default"
	return New(cfg, svc, bus), svc, bus
}

func do(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[ErrorResponse](t, w).Error.Code
}

func TestSessionCRUD(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)

	w := do(t, srv, http.MethodGet, "/session", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	w = do(t, srv, http.MethodPost, "/session", CreateSessionRequest{Directory: "/w/project", Mode: types.ModeFree, AllowedTools: []string{"Read"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	created := decode[types.Session](t, w)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "/w/project", created.Directory)
	assert.Equal(t, types.ModeFree, created.Mode)
	assert.Equal(t, types.StatusIdle, created.Status)

	w = do(t, srv, http.MethodGet, "/session/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, created.ID, decode[types.Session](t, w).ID)

	w = do(t, srv, http.MethodPatch, "/session/"+created.ID, map[string]any{"title": "Refactor", "mode": "secure"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decode[types.Session](t, w)
	assert.Equal(t, "Refactor", updated.Title)
	assert.Equal(t, types.ModeSecure, updated.Mode)

	w = do(t, srv, http.MethodGet, "/session?directory=/w/elsewhere", nil)
	assert.JSONEq(t, `[]`, w.Body.String())

	w = do(t, srv, http.MethodDelete, "/session/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `true`, w.Body.String())

	w = do(t, srv, http.MethodGet, "/session/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, ErrCodeNotFound, errorCode(t, w))
}

func TestCreateSession_DefaultDirectoryAndValidation(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)

	w := do(t, srv, http.MethodPost, "/session", CreateSessionRequest{})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/w/default", decode[types.Session](t, w).Directory)

	w = do(t, srv, http.MethodPost, "/session", CreateSessionRequest{Directory: "/w", Mode: "reckless"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ErrCodeInvalidRequest, errorCode(t, w))

	req := httptest.NewRequest(http.MethodPost, "/session", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendMessage_RunsTurn(t *testing.T) {
	srv, svc, _ := setupTestServer(t, nil)
	sess, err := svc.Create(context.Background(), session.CreateInput{Directory: "/w", Mode: types.ModeFree})
	require.NoError(t, err)

	w := do(t, srv, http.MethodPost, "/session/"+sess.ID+"/message", SendMessageRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, srv, http.MethodPost, "/session/missing/message", SendMessageRequest{Prompt: "hi"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, srv, http.MethodPost, "/session/"+sess.ID+"/message", SendMessageRequest{Prompt: "hi"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	assert.Eventually(t, func() bool {
		got, err := svc.Get(context.Background(), sess.ID)
		return err == nil && got.Status == types.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSendMessage_BusyAndAbort(t *testing.T) {
	eng := script.New(&script.Script{Scenarios: []script.Scenario{{
		Steps: []script.Step{{DelayMS: 60_000}},
	}}})
	srv, svc, _ := setupTestServer(t, eng)
	sess, err := svc.Create(context.Background(), session.CreateInput{Directory: "/w"})
	require.NoError(t, err)

	w := do(t, srv, http.MethodPost, "/session/"+sess.ID+"/message", SendMessageRequest{Prompt: "work"})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, types.StatusRunning, decode[types.Session](t, w).Status)

	w = do(t, srv, http.MethodGet, "/session/status", nil)
	assert.JSONEq(t, `{"`+sess.ID+`":"running"}`, w.Body.String())

	w = do(t, srv, http.MethodPost, "/session/"+sess.ID+"/message", SendMessageRequest{Prompt: "more"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, ErrCodeSessionBusy, errorCode(t, w))

	w = do(t, srv, http.MethodDelete, "/session/"+sess.ID, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, srv, http.MethodPost, "/session/"+sess.ID+"/abort", nil)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Eventually(t, func() bool {
		got, err := svc.Get(context.Background(), sess.ID)
		return err == nil && got.Status == types.StatusIdle
	}, 5*time.Second, 10*time.Millisecond)

	w = do(t, srv, http.MethodPost, "/session/missing/abort", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPermissions_ListAndRespond(t *testing.T) {
	eng := script.New(&script.Script{Scenarios: []script.Scenario{{
		SessionID: "eng-1",
		Steps: []script.Step{
			{Tool: &script.ToolStep{Name: "Bash", Input: map[string]any{"command": "go test ./..."}}},
			{Result: &script.ResultStep{Subtype: "success"}},
		},
	}}})
	srv, svc, bus := setupTestServer(t, eng)

	requests := make(chan event.PermissionRequestData, 1)
	bus.Subscribe(event.PermissionRequest, func(e event.Event) {
		requests <- e.Data.(event.PermissionRequestData)
	})

	sess, err := svc.Create(context.Background(), session.CreateInput{Directory: "/w"})
	require.NoError(t, err)

	w := do(t, srv, http.MethodPost, "/session/"+sess.ID+"/permissions/nope", PermissionResponse{Behavior: permission.BehaviorAllow})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, ErrCodeNotRunning, errorCode(t, w))

	w = do(t, srv, http.MethodPost, "/session/"+sess.ID+"/message", SendMessageRequest{Prompt: "test it"})
	require.Equal(t, http.StatusAccepted, w.Code)

	var req event.PermissionRequestData
	select {
	case req = <-requests:
	case <-time.After(5 * time.Second):
		t.Fatal("no permission.request")
	}
	assert.Equal(t, "Bash: go test", req.Title)

	w = do(t, srv, http.MethodGet, "/session/"+sess.ID+"/permissions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	pending := decode[[]permission.Request](t, w)
	require.Len(t, pending, 1)
	assert.Equal(t, req.RequestID, pending[0].ID)

	w = do(t, srv, http.MethodPost, "/session/"+sess.ID+"/permissions/"+req.RequestID, map[string]any{"behavior": "maybe"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, srv, http.MethodPost, "/session/"+sess.ID+"/permissions/unknown", PermissionResponse{Behavior: permission.BehaviorAllow})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"resolved":false}`, w.Body.String())

	w = do(t, srv, http.MethodPost, "/session/"+sess.ID+"/permissions/"+req.RequestID, PermissionResponse{Behavior: permission.BehaviorDeny})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"resolved":true}`, w.Body.String())

	assert.Eventually(t, func() bool {
		got, err := svc.Get(context.Background(), sess.ID)
		return err == nil && got.Status == types.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPermissionResponse_Decision(t *testing.T) {
	tests := []struct {
		name string
		in   PermissionResponse
		want permission.Decision
		ok   bool
	}{
		{"allow", PermissionResponse{Behavior: "allow"}, permission.Allow(), true},
		{"allow with input", PermissionResponse{Behavior: "allow", UpdatedInput: json.RawMessage(`{"a":1}`)}, permission.AllowWithInput(json.RawMessage(`{"a":1}`)), true},
		{"pre-executed", PermissionResponse{Behavior: "allow", Result: json.RawMessage(`"out"`)}, permission.AllowPreExecuted(json.RawMessage(`"out"`)), true},
		{"deny default reason", PermissionResponse{Behavior: "deny"}, permission.Deny(permission.ReasonRejected), true},
		{"deny with reason", PermissionResponse{Behavior: "deny", Message: "not now"}, permission.Deny("not now"), true},
		{"unknown", PermissionResponse{Behavior: "later"}, permission.Decision{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.in.Decision()
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHealthAndCORS(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)

	w := do(t, srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"healthy":true,"running":0}`, w.Body.String())

	req := httptest.NewRequest(http.MethodOptions, "/session", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
