package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentdesk/agentdesk/internal/engine"
	"github.com/agentdesk/agentdesk/internal/logging"
	"github.com/agentdesk/agentdesk/internal/permission"
)

// ErrNoScenario is returned by Query when no scenario matches the prompt.
var ErrNoScenario = errors.New("script: no scenario matches prompt")

// Engine plays a Script.
type Engine struct {
	script *Script
	log    zerolog.Logger
}

// New creates an engine for s. A nil script plays Default.
func New(s *Script) *Engine {
	if s == nil {
		s = Default()
	}
	return &Engine{script: s, log: logging.For("engine.script")}
}

// Query starts playing the scenario selected by the prompt.
func (e *Engine) Query(ctx context.Context, req engine.Request) (engine.Stream, error) {
	sc := e.script.Select(req.Prompt)
	if sc == nil {
		return nil, ErrNoScenario
	}
	e.log.Debug().Str("scenario", sc.Name).Int("steps", len(sc.Steps)).Msg("Playing scenario")

	ctx, cancel := context.WithCancel(ctx)
	s := &stream{
		ch:     make(chan engine.Message),
		cancel: cancel,
	}
	go s.play(ctx, sc, req)
	return s, nil
}

type stream struct {
	ch     chan engine.Message
	cancel context.CancelFunc
	err    error // written before ch is closed
}

func (s *stream) Recv() (engine.Message, error) {
	m, ok := <-s.ch
	if !ok {
		if s.err != nil {
			return engine.Message{}, s.err
		}
		return engine.Message{}, io.EOF
	}
	return m, nil
}

func (s *stream) Close() error {
	s.cancel()
	return nil
}

func (s *stream) play(ctx context.Context, sc *Scenario, req engine.Request) {
	defer close(s.ch)

	sessionID := sc.SessionID
	if sessionID == "" {
		sessionID = req.ResumeToken
	}
	if sessionID != "" {
		if !s.emit(ctx, map[string]any{
			"type":       "system",
			"subtype":    "init",
			"session_id": sessionID,
			"cwd":        req.WorkDir,
		}) {
			return
		}
	}

	for i, step := range sc.Steps {
		if err := s.step(ctx, sessionID, step, req.CanUseTool); err != nil {
			if errors.Is(err, errStopped) {
				return
			}
			if ctx.Err() != nil {
				s.err = ctx.Err()
			} else {
				s.err = fmt.Errorf("step %d: %w", i, err)
			}
			return
		}
		if step.Result != nil {
			return
		}
	}
}

var errStopped = errors.New("stopped")

func (s *stream) step(ctx context.Context, sessionID string, step Step, canUse engine.ToolCallback) error {
	send := func(v map[string]any) error {
		out := make(map[string]any, len(v)+1)
		for k, val := range v {
			out[k] = val
		}
		if sessionID != "" {
			out["session_id"] = sessionID
		}
		if !s.emit(ctx, out) {
			return errStopped
		}
		return nil
	}

	switch {
	case step.Message != nil:
		return send(step.Message)
	case step.Text != "":
		return send(assistant(map[string]any{"type": "text", "text": step.Text}))
	case step.Tool != nil:
		return s.tools(ctx, []ToolStep{*step.Tool}, canUse, send)
	case len(step.Tools) > 0:
		return s.tools(ctx, step.Tools, canUse, send)
	case step.Result != nil:
		subtype := step.Result.Subtype
		if subtype == "" {
			subtype = "success"
		}
		return send(map[string]any{
			"type":     "result",
			"subtype":  subtype,
			"is_error": step.Result.IsError,
			"result":   step.Result.Result,
		})
	case step.Fail != "":
		return errors.New(step.Fail)
	case step.DelayMS > 0:
		select {
		case <-time.After(time.Duration(step.DelayMS) * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// tools announces the calls, asks for all of them concurrently and reports
// their results in declaration order.
func (s *stream) tools(ctx context.Context, steps []ToolStep, canUse engine.ToolCallback, send func(map[string]any) error) error {
	calls := make([]engine.ToolCall, len(steps))
	blocks := make([]any, len(steps))
	for i, t := range steps {
		id := t.ID
		if id == "" {
			id = fmt.Sprintf("toolu_%02d", i+1)
		}
		input, err := json.Marshal(t.Input)
		if err != nil {
			return fmt.Errorf("tool %s input: %w", t.Name, err)
		}
		if t.Input == nil {
			input = json.RawMessage("{}")
		}
		calls[i] = engine.ToolCall{ID: id, Name: t.Name, Input: input}
		blocks[i] = map[string]any{"type": "tool_use", "id": id, "name": t.Name, "input": json.RawMessage(input)}
	}
	if err := send(assistant(blocks...)); err != nil {
		return err
	}

	decisions := make([]permission.Decision, len(calls))
	errs := make([]error, len(calls))
	var wg sync.WaitGroup
	for i := range calls {
		if canUse == nil {
			decisions[i] = permission.Allow()
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decisions[i], errs[i] = canUse(ctx, calls[i])
		}(i)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	results := make([]any, len(calls))
	for i, d := range decisions {
		results[i] = toolResult(calls[i].ID, steps[i].Output, d)
	}
	return send(map[string]any{
		"type":    "user",
		"message": map[string]any{"role": "user", "content": results},
	})
}

func toolResult(id, output string, d permission.Decision) map[string]any {
	block := map[string]any{"type": "tool_result", "tool_use_id": id}
	switch {
	case !d.Allowed():
		block["is_error"] = true
		block["content"] = d.Message
	case d.PreExecuted():
		block["content"] = d.Result
	default:
		if output == "" {
			output = "ok"
		}
		block["content"] = output
	}
	return block
}

func assistant(content ...any) map[string]any {
	return map[string]any{
		"type":    "assistant",
		"message": map[string]any{"role": "assistant", "content": content},
	}
}

func (s *stream) emit(ctx context.Context, v map[string]any) bool {
	m, err := engine.NewMessage(v)
	if err != nil {
		s.err = err
		return false
	}
	select {
	case s.ch <- m:
		return true
	case <-ctx.Done():
		s.err = ctx.Err()
		return false
	}
}
