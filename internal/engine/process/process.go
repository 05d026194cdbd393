// Package process runs an external agent CLI as the engine, speaking the
// stream-json protocol over its stdin and stdout.
//
// Tool permission prompts arrive as control_request lines and are answered
// with control_response lines; they are never forwarded as events.
package process

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/agentdesk/agentdesk/internal/engine"
	"github.com/agentdesk/agentdesk/internal/logging"
	"github.com/agentdesk/agentdesk/internal/permission"
)

// DefaultCommand is the agent CLI invocation used when none is configured.
var DefaultCommand = []string{
	"claude", "-p",
	"--output-format", "stream-json",
	"--input-format", "stream-json",
	"--verbose",
	"--permission-prompt-tool", "stdio",
}

// ExecutedExternally is the deny message sent for pre-executed tool calls.
const ExecutedExternally = "executed externally"

const maxLineSize = 16 * 1024 * 1024

// Engine spawns one agent process per turn.
type Engine struct {
	command []string
	env     []string
	log     zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithEnv adds KEY=VALUE pairs to the process environment.
func WithEnv(env ...string) Option {
	return func(e *Engine) { e.env = append(e.env, env...) }
}

// New creates an engine running command. An empty command uses
// DefaultCommand.
func New(command []string, opts ...Option) *Engine {
	if len(command) == 0 {
		command = DefaultCommand
	}
	e := &Engine{
		command: append([]string(nil), command...),
		log:     logging.For("engine.process"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ParseCommand splits a configured command line into argv.
func ParseCommand(s string) []string {
	return strings.Fields(s)
}

// Query starts the agent process and sends the prompt.
func (e *Engine) Query(ctx context.Context, req engine.Request) (engine.Stream, error) {
	ctx, cancel := context.WithCancel(ctx)

	args := append([]string(nil), e.command[1:]...)
	if req.ResumeToken != "" {
		args = append(args, "--resume", req.ResumeToken)
	}
	cmd := exec.CommandContext(ctx, e.command[0], args...)
	cmd.Dir = req.WorkDir
	cmd.Env = append(os.Environ(), e.env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", e.command[0], err)
	}
	e.log.Debug().Int("pid", cmd.Process.Pid).Str("dir", req.WorkDir).Bool("resume", req.ResumeToken != "").Msg("Agent process started")

	s := &stream{
		ctx:    ctx,
		cancel: cancel,
		cmd:    cmd,
		stdin:  stdin,
		stderr: stderr,
		canUse: req.CanUseTool,
		ch:     make(chan engine.Message),
		log:    e.log,
	}

	if err := s.write(userMessage(req.Prompt)); err != nil {
		s.Close()
		return nil, fmt.Errorf("send prompt: %w", err)
	}

	go s.read(stdout)
	return s, nil
}

type stream struct {
	ctx    context.Context
	cancel context.CancelFunc
	cmd    *exec.Cmd
	stderr *tailBuffer
	canUse engine.ToolCallback
	log    zerolog.Logger

	ch  chan engine.Message
	err error // written before ch is closed

	writeMu     sync.Mutex
	stdin       io.WriteCloser
	stdinClosed bool

	pending sync.WaitGroup
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
	s.closeStdin()
	return nil
}

func (s *stream) read(stdout io.Reader) {
	defer close(s.ch)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		msg, err := engine.ParseMessage(line)
		if err != nil {
			s.log.Warn().Err(err).Str("line", truncate(string(line), 200)).Msg("Skipping malformed engine line")
			continue
		}

		switch msg.Type {
		case "control_request":
			s.pending.Add(1)
			go func(raw json.RawMessage) {
				defer s.pending.Done()
				s.handleControl(raw)
			}(msg.Raw)
			continue
		case "control_response", "control_cancel_request", "keep_alive":
			continue
		}

		select {
		case s.ch <- msg:
		case <-s.ctx.Done():
		}
		if msg.IsResult() {
			s.closeStdin()
		}
	}
	scanErr := scanner.Err()

	s.closeStdin()
	waitErr := s.cmd.Wait()

	switch {
	case s.ctx.Err() != nil:
		s.err = s.ctx.Err()
	case scanErr != nil:
		s.err = fmt.Errorf("read engine output: %w", scanErr)
	case waitErr != nil:
		detail := strings.TrimSpace(s.stderr.String())
		if detail != "" {
			s.err = fmt.Errorf("engine exited: %w: %s", waitErr, detail)
		} else {
			s.err = fmt.Errorf("engine exited: %w", waitErr)
		}
	}

	// Unblocks permission prompts the exited process can no longer use.
	s.cancel()
	s.pending.Wait()
}

type controlRequest struct {
	RequestID string `json:"request_id"`
	Request   struct {
		Subtype   string          `json:"subtype"`
		ToolName  string          `json:"tool_name"`
		Input     json.RawMessage `json:"input"`
		ToolUseID string          `json:"tool_use_id"`
	} `json:"request"`
}

func (s *stream) handleControl(raw json.RawMessage) {
	var req controlRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.log.Warn().Err(err).Msg("Malformed control request")
		return
	}
	if req.Request.Subtype != "can_use_tool" {
		s.writeLogged(controlError(req.RequestID, "unsupported control request: "+req.Request.Subtype))
		return
	}

	d := permission.Allow()
	if s.canUse != nil {
		var err error
		d, err = s.canUse(s.ctx, engine.ToolCall{
			ID:    req.Request.ToolUseID,
			Name:  req.Request.ToolName,
			Input: req.Request.Input,
		})
		if err != nil {
			s.writeLogged(controlError(req.RequestID, err.Error()))
			return
		}
	}

	if d.PreExecuted() {
		s.writeLogged(toolResultMessage(req.Request.ToolUseID, d.Result))
		d = permission.Deny(ExecutedExternally)
	}
	s.writeLogged(controlResponse(req.RequestID, d, req.Request.Input))
}

func (s *stream) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.stdinClosed {
		return errors.New("engine input closed")
	}
	_, err = s.stdin.Write(data)
	return err
}

func (s *stream) writeLogged(v any) {
	if err := s.write(v); err != nil && s.ctx.Err() == nil {
		s.log.Warn().Err(err).Msg("Write to engine failed")
	}
}

func (s *stream) closeStdin() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if !s.stdinClosed {
		s.stdinClosed = true
		s.stdin.Close()
	}
}

func userMessage(prompt string) map[string]any {
	return map[string]any{
		"type":    "user",
		"message": map[string]any{"role": "user", "content": prompt},
	}
}

func toolResultMessage(toolUseID string, result json.RawMessage) map[string]any {
	return map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []any{map[string]any{
				"type":        "tool_result",
				"tool_use_id": toolUseID,
				"content":     result,
			}},
		},
	}
}

func controlResponse(requestID string, d permission.Decision, input json.RawMessage) map[string]any {
	body := map[string]any{"behavior": string(d.Behavior)}
	if d.Allowed() {
		updated := d.UpdatedInput
		if updated == nil {
			updated = input
		}
		if updated == nil {
			updated = json.RawMessage("{}")
		}
		body["updatedInput"] = updated
	} else {
		body["message"] = d.Message
	}
	return map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": requestID,
			"response":   body,
		},
	}
}

func controlError(requestID, msg string) map[string]any {
	return map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "error",
			"request_id": requestID,
			"error":      msg,
		},
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
