package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/agentdesk/agentdesk/internal/event"
)

// SDKEvent is the wire shape of every streamed event:
// {"type": "...", "properties": {...}}.
type SDKEvent struct {
	Type       event.EventType `json:"type"`
	Properties any             `json:"properties"`
}

const (
	// SSEHeartbeatInterval is the interval for SSE heartbeats.
	SSEHeartbeatInterval = 30 * time.Second

	// sseBuffer is the per-connection backlog before the client is cut off.
	sseBuffer = 256
)

// sseWriter wraps http.ResponseWriter for SSE.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

// newSSEWriter creates a new SSE writer.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &sseWriter{w: w, flusher: flusher, rc: http.NewResponseController(w)}, nil
}

// writeEvent writes one SSE frame and flushes it.
func (s *sseWriter) writeEvent(eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, jsonData); err != nil {
		return err
	}

	// ResponseController sees through middleware wrappers.
	if flushErr := s.rc.Flush(); flushErr != nil {
		s.flusher.Flush()
	}
	return nil
}

// writeHeartbeat writes an SSE heartbeat comment.
func (s *sseWriter) writeHeartbeat() error {
	if _, err := fmt.Fprintf(s.w, ": heartbeat\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// sseQueue is one connection's backlog. The first event that does not fit
// marks the queue lagged; nothing is dropped silently after that.
type sseQueue struct {
	events chan event.Event
	lagged chan struct{}
	once   sync.Once
}

func newSSEQueue(size int) *sseQueue {
	return &sseQueue{
		events: make(chan event.Event, size),
		lagged: make(chan struct{}),
	}
}

// offer enqueues e without blocking the publisher. It reports false once
// the backlog is full.
func (q *sseQueue) offer(e event.Event) bool {
	select {
	case q.events <- e:
		return true
	default:
		q.once.Do(func() { close(q.lagged) })
		return false
	}
}

// events handles GET /event. With ?sessionID= only that session's events
// are streamed.
//
// A client that falls sseBuffer events behind is disconnected rather than
// fed a stream with holes. On reconnect it should reconcile outstanding
// approvals with GET /session/{id}/permissions, since a missed
// permission.request otherwise stays suspended until its timeout.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionID")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	if err := sse.writeEvent("message", SDKEvent{Type: "server.connected", Properties: map[string]any{}}); err != nil {
		return
	}

	queue := newSSEQueue(sseBuffer)
	unsub := s.bus.SubscribeAll(func(e event.Event) {
		if eventBelongsToSession(e, sessionID) {
			queue.offer(e)
		}
	})
	defer unsub()

	ticker := time.NewTicker(SSEHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-queue.lagged:
			s.log.Warn().Str("sessionID", sessionID).Msg("SSE client too slow, disconnecting")
			return
		case e := <-queue.events:
			if err := sse.writeEvent("message", SDKEvent{Type: e.Type, Properties: e.Data}); err != nil {
				return
			}
		case <-ticker.C:
			if err := sse.writeHeartbeat(); err != nil {
				return
			}
		}
	}
}

// eventBelongsToSession reports whether e should reach a stream filtered
// on sessionID. An empty filter accepts everything.
func eventBelongsToSession(e event.Event, sessionID string) bool {
	return sessionID == "" || e.SessionID() == sessionID
}
