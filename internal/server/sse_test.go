package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/agentdesk/internal/event"
	"github.com/agentdesk/agentdesk/pkg/types"
)

// mockResponseWriter counts flushes.
type mockResponseWriter struct {
	*httptest.ResponseRecorder
	flushed int
}

func (m *mockResponseWriter) Flush() {
	m.flushed++
}

func newMockResponseWriter() *mockResponseWriter {
	return &mockResponseWriter{ResponseRecorder: httptest.NewRecorder()}
}

type noFlushWriter struct{}

func (n *noFlushWriter) Header() http.Header       { return http.Header{} }
func (n *noFlushWriter) Write([]byte) (int, error) { return 0, nil }
func (n *noFlushWriter) WriteHeader(int)           {}

func TestNewSSEWriter_NoFlusher(t *testing.T) {
	_, err := newSSEWriter(&noFlushWriter{})
	assert.Error(t, err)
}

func TestSSEWriter_WriteEvent(t *testing.T) {
	w := newMockResponseWriter()
	sse, err := newSSEWriter(w)
	require.NoError(t, err)

	require.NoError(t, sse.writeEvent("message", SDKEvent{Type: event.StatusChanged, Properties: map[string]string{"status": "running"}}))

	body := w.Body.String()
	assert.Contains(t, body, "event: message\n")
	assert.Contains(t, body, `data: {"type":"status","properties":{"status":"running"}}`)
	assert.True(t, strings.HasSuffix(body, "\n\n"))
	assert.NotZero(t, w.flushed)
}

func TestSSEWriter_WriteHeartbeat(t *testing.T) {
	w := newMockResponseWriter()
	sse, _ := newSSEWriter(w)

	require.NoError(t, sse.writeHeartbeat())
	assert.Equal(t, ": heartbeat\n\n", w.Body.String())
	assert.NotZero(t, w.flushed)
}

func TestEventBelongsToSession(t *testing.T) {
	tests := []struct {
		name      string
		event     event.Event
		sessionID string
		expected  bool
	}{
		{
			name:      "stream message matches",
			event:     event.Event{Type: event.StreamMessage, Data: event.MessageData{SessionID: "s1"}},
			sessionID: "s1",
			expected:  true,
		},
		{
			name:      "permission request for another session",
			event:     event.Event{Type: event.PermissionRequest, Data: event.PermissionRequestData{SessionID: "s2"}},
			sessionID: "s1",
			expected:  false,
		},
		{
			name:      "session created carries its id",
			event:     event.Event{Type: event.SessionCreated, Data: event.SessionData{Info: &types.Session{ID: "s1"}}},
			sessionID: "s1",
			expected:  true,
		},
		{
			name:      "unfiltered stream gets everything",
			event:     event.Event{Type: event.StatusChanged, Data: event.StatusData{SessionID: "s9"}},
			sessionID: "",
			expected:  true,
		},
		{
			name:      "events without a session are filtered out",
			event:     event.Event{Type: "server.custom", Data: map[string]any{}},
			sessionID: "s1",
			expected:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, eventBelongsToSession(tt.event, tt.sessionID))
		})
	}
}

func TestSSEQueue_OverflowMarksLagged(t *testing.T) {
	q := newSSEQueue(2)
	e := event.Event{Type: event.PermissionRequest, Data: event.PermissionRequestData{SessionID: "s1"}}

	assert.True(t, q.offer(e))
	assert.True(t, q.offer(e))
	select {
	case <-q.lagged:
		t.Fatal("queue lagged before overflowing")
	default:
	}

	assert.False(t, q.offer(e))
	assert.False(t, q.offer(e), "a lagged queue stays full until drained")
	select {
	case <-q.lagged:
	default:
		t.Fatal("overflow did not mark the queue lagged")
	}
	assert.Len(t, q.events, 2)
}

func TestEvents_StreamsFilteredBusEvents(t *testing.T) {
	srv, _, bus := setupTestServer(t, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/event?sessionID=s1", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	frames := make(chan SDKEvent, 8)
	go func() {
		defer close(frames)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			data, ok := strings.CutPrefix(scanner.Text(), "data: ")
			if !ok {
				continue
			}
			var e SDKEvent
			if json.Unmarshal([]byte(data), &e) == nil {
				frames <- e
			}
		}
	}()

	next := func() SDKEvent {
		t.Helper()
		select {
		case e, ok := <-frames:
			require.True(t, ok, "stream closed")
			return e
		case <-time.After(3 * time.Second):
			t.Fatal("no SSE frame")
		}
		return SDKEvent{}
	}

	assert.Equal(t, event.EventType("server.connected"), next().Type)

	// The subscription is registered after server.connected is written.
	require.Eventually(t, func() bool {
		bus.PublishSync(event.Event{Type: event.StatusChanged, Data: event.StatusData{SessionID: "other", Status: types.StatusRunning}})
		bus.PublishSync(event.Event{Type: event.StatusChanged, Data: event.StatusData{SessionID: "s1", Status: types.StatusRunning}})
		select {
		case e := <-frames:
			props := e.Properties.(map[string]any)
			return props["sessionID"] == "s1"
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)
}
