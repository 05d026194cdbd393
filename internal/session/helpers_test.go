package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentdesk/agentdesk/internal/engine"
	"github.com/agentdesk/agentdesk/internal/engine/script"
	"github.com/agentdesk/agentdesk/internal/event"
	"github.com/agentdesk/agentdesk/pkg/types"
)

// recorder collects emitted events and session updates.
type recorder struct {
	mu      sync.Mutex
	events  []event.Event
	updates []types.SessionUpdate
	notify  chan event.Event
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan event.Event, 256)}
}

func (r *recorder) emit(e event.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	select {
	case r.notify <- e:
	default:
	}
}

func (r *recorder) update(u types.SessionUpdate) {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
}

func (r *recorder) kinds() []event.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *recorder) ofType(t event.EventType) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) statuses() []types.SessionStatus {
	var out []types.SessionStatus
	for _, e := range r.ofType(event.StatusChanged) {
		out = append(out, e.Data.(event.StatusData).Status)
	}
	return out
}

func (r *recorder) snapshotUpdates() []types.SessionUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.SessionUpdate(nil), r.updates...)
}

// waitFor blocks until n events of type t have been emitted.
func (r *recorder) waitFor(t *testing.T, typ event.EventType, n int) []event.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if got := r.ofType(typ); len(got) >= n {
			return got
		}
		select {
		case <-r.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %d %s events, have %v", n, typ, r.kinds())
		}
	}
}

// toolResultBlock is a tool_result content block of a user message.
type toolResultBlock struct {
	ToolUseID string          `json:"tool_use_id"`
	IsError   bool            `json:"is_error"`
	Content   json.RawMessage `json:"content"`
}

// toolResults extracts the tool_result blocks from stream.message events.
func (r *recorder) toolResults(t *testing.T) []toolResultBlock {
	t.Helper()
	var out []toolResultBlock
	for _, e := range r.ofType(event.StreamMessage) {
		var msg struct {
			Type    string `json:"type"`
			Message struct {
				Content []toolResultBlock `json:"content"`
			} `json:"message"`
		}
		require.NoError(t, json.Unmarshal(e.Data.(event.MessageData).Message, &msg))
		if msg.Type == "user" {
			out = append(out, msg.Message.Content...)
		}
	}
	return out
}

func waitDone(t *testing.T, run *Run) {
	t.Helper()
	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
}

func scriptEngine(steps ...script.Step) engine.Engine {
	return script.New(&script.Script{Scenarios: []script.Scenario{{Name: "test", SessionID: "eng-1", Steps: steps}}})
}

func success() script.Step {
	return script.Step{Result: &script.ResultStep{Subtype: "success", Result: "done"}}
}

func newSession(mode types.PermissionMode, allowed ...string) types.Session {
	return types.Session{
		ID:           "ses_test",
		Directory:    "/w/project",
		Mode:         mode,
		AllowedTools: allowed,
		Status:       types.StatusIdle,
	}
}

// stubEngine runs fn as the engine's producer.
type stubEngine struct {
	fn func(ctx context.Context, req engine.Request, send func(map[string]any)) error
}

func (e stubEngine) Query(ctx context.Context, req engine.Request) (engine.Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &stubStream{ch: make(chan engine.Message, 16), cancel: cancel}
	go func() {
		defer close(s.ch)
		s.err = e.fn(ctx, req, func(v map[string]any) {
			m, err := engine.NewMessage(v)
			if err == nil {
				s.ch <- m
			}
		})
	}()
	return s, nil
}

type stubStream struct {
	ch     chan engine.Message
	cancel context.CancelFunc
	err    error
}

func (s *stubStream) Recv() (engine.Message, error) {
	m, ok := <-s.ch
	if !ok {
		if s.err != nil {
			return engine.Message{}, s.err
		}
		return engine.Message{}, io.EOF
	}
	return m, nil
}

func (s *stubStream) Close() error {
	s.cancel()
	return nil
}

// blockingEngine parks until its context ends.
func blockingEngine() engine.Engine {
	return stubEngine{fn: func(ctx context.Context, _ engine.Request, _ func(map[string]any)) error {
		<-ctx.Done()
		return ctx.Err()
	}}
}

var errBoom = errors.New("boom")
