package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentdesk/agentdesk/internal/engine"
	"github.com/agentdesk/agentdesk/internal/event"
	"github.com/agentdesk/agentdesk/internal/logging"
	"github.com/agentdesk/agentdesk/internal/permission"
	"github.com/agentdesk/agentdesk/pkg/types"
)

// UpdateFunc receives the session changes a run produces. It is called
// from the run goroutine, in order.
type UpdateFunc func(types.SessionUpdate)

// Runner drives engine turns for sessions.
type Runner struct {
	engine  engine.Engine
	emit    event.Emitter
	update  UpdateFunc
	timeout time.Duration
	newID   func() string
	log     zerolog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithPermissionTimeout sets how long approval requests wait for a human.
func WithPermissionTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.timeout = d }
}

// WithRequestIDs replaces the generator used for approval request IDs.
func WithRequestIDs(fn func() string) RunnerOption {
	return func(r *Runner) { r.newID = fn }
}

// NewRunner creates a runner. emit and update may be nil.
func NewRunner(eng engine.Engine, emit event.Emitter, update UpdateFunc, opts ...RunnerOption) *Runner {
	if emit == nil {
		emit = func(event.Event) {}
	}
	if update == nil {
		update = func(types.SessionUpdate) {}
	}
	r := &Runner{
		engine:  eng,
		emit:    emit,
		update:  update,
		timeout: permission.DefaultTimeout,
		log:     logging.For("runner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run is one in-flight turn of a session.
type Run struct {
	sessionID string
	runner    *Runner
	broker    *permission.Broker
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	aborted atomic.Bool
	seq     atomic.Uint64

	mu          sync.Mutex
	status      types.SessionStatus
	resumeToken string
	err         error
}

// Start moves sess to running and starts a turn with prompt. The run lives
// until the engine finishes, fails, ctx is cancelled or Abort is called.
//
// The status=running event is emitted before Start returns.
func (r *Runner) Start(ctx context.Context, sess types.Session, prompt string) (*Run, error) {
	if !sess.Status.CanTransition(types.StatusRunning) {
		return nil, fmt.Errorf("session %s is %s", sess.ID, sess.Status)
	}

	runCtx, cancel := context.WithCancel(ctx)
	brokerOpts := []permission.Option{
		permission.WithTimeout(r.timeout),
		permission.WithWorkDir(sess.Directory),
	}
	if r.newID != nil {
		brokerOpts = append(brokerOpts, permission.WithIDGenerator(r.newID))
	}

	run := &Run{
		sessionID:   sess.ID,
		runner:      r,
		broker:      permission.NewBroker(sess.ID, r.emit, brokerOpts...),
		log:         r.log.With().Str("sessionID", sess.ID).Logger(),
		ctx:         runCtx,
		cancel:      cancel,
		done:        make(chan struct{}),
		status:      sess.Status,
		resumeToken: sess.ResumeToken,
	}

	run.transition(types.StatusRunning, "")
	run.log.Info().Str("mode", string(sess.Mode)).Bool("resume", sess.ResumeToken != "").Msg("Run started")

	go run.drive(sess, prompt)
	return run, nil
}

func (run *Run) drive(sess types.Session, prompt string) {
	defer func() {
		run.broker.AbortAll()
		run.cancel()
		run.log.Info().Str("status", string(run.Status())).Msg("Run finished")
		close(run.done)
	}()

	stream, err := run.runner.engine.Query(run.ctx, engine.Request{
		Prompt:      prompt,
		WorkDir:     sess.Directory,
		ResumeToken: sess.ResumeToken,
		CanUseTool:  run.toolCallback(sess.Mode, sess.AllowedTools),
	})
	if err != nil {
		run.fail(fmt.Errorf("start engine: %w", err))
		return
	}
	defer stream.Close()

	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			run.fail(err)
			return
		}
		run.handle(msg)
	}

	if run.stopped() {
		run.transition(types.StatusIdle, "")
		return
	}
	// Exhausted without a result.
	run.transition(types.StatusCompleted, "")
}

// stopped reports whether the run was aborted or its context ended. A
// stopped run never completes, whatever the engine reports afterwards.
func (run *Run) stopped() bool {
	return run.aborted.Load() || run.ctx.Err() != nil
}

func (run *Run) handle(msg engine.Message) {
	if msg.IsInit() && msg.SessionID != "" {
		run.captureResumeToken(msg.SessionID)
	}

	run.runner.emit(event.Event{
		Type: event.StreamMessage,
		Data: event.MessageData{SessionID: run.sessionID, Message: msg.Raw},
	})

	if !msg.IsResult() {
		return
	}
	if run.stopped() {
		run.log.Debug().Str("subtype", msg.Subtype).Msg("Ignoring result after abort")
		run.transition(types.StatusIdle, "")
		return
	}
	if msg.Failed() {
		detail := msg.Result
		if detail == "" {
			detail = "engine reported " + msg.Subtype
		}
		run.transition(types.StatusError, detail)
		return
	}
	run.transition(types.StatusCompleted, "")
}

func (run *Run) captureResumeToken(token string) {
	run.mu.Lock()
	if run.resumeToken == token {
		run.mu.Unlock()
		return
	}
	run.resumeToken = token
	run.mu.Unlock()

	run.log.Debug().Str("resumeToken", token).Msg("Captured resume token")
	run.runner.update(types.SessionUpdate{
		SessionID:   run.sessionID,
		Seq:         run.seq.Add(1),
		ResumeToken: &token,
	})
}

// fail ends the run after a stream error. Cancellation parks the session
// in idle; anything else is an engine failure. Errors after a terminal
// result has been classified are only logged.
func (run *Run) fail(err error) {
	if run.Status().Terminal() {
		run.log.Debug().Err(err).Msg("Ignoring engine error after result")
		return
	}
	if errors.Is(err, context.Canceled) || run.stopped() {
		run.transition(types.StatusIdle, "")
		return
	}

	run.mu.Lock()
	run.err = err
	run.mu.Unlock()
	run.log.Error().Err(err).Msg("Engine failed")
	run.transition(types.StatusError, err.Error())
}

// transition moves the run to next and announces it once. Invalid moves
// are dropped.
func (run *Run) transition(next types.SessionStatus, detail string) bool {
	run.mu.Lock()
	if !run.status.CanTransition(next) {
		run.mu.Unlock()
		return false
	}
	run.status = next
	run.mu.Unlock()

	update := types.SessionUpdate{
		SessionID: run.sessionID,
		Seq:       run.seq.Add(1),
		Status:    &next,
	}
	if next == types.StatusError {
		update.Error = &detail
	}
	run.runner.update(update)
	run.runner.emit(event.Event{
		Type: event.StatusChanged,
		Data: event.StatusData{SessionID: run.sessionID, Status: next, Error: detail},
	})
	return true
}

// toolCallback gates every tool call the engine attempts.
func (run *Run) toolCallback(mode types.PermissionMode, allowList []string) engine.ToolCallback {
	return func(ctx context.Context, call engine.ToolCall) (permission.Decision, error) {
		v := permission.Decide(call.Name, mode, allowList)
		if v.Kind != permission.VerdictAsk {
			run.log.Debug().
				Str("tool", call.Name).
				Str("verdict", v.Kind.String()).
				Str("reason", v.Reason).
				Msg("Tool decided by policy")
			return v.Decision(), nil
		}
		return run.broker.Ask(ctx, permission.Call{
			ToolName:  call.Name,
			ToolUseID: call.ID,
			Input:     call.Input,
		}), nil
	}
}

// SessionID returns the session the run drives.
func (run *Run) SessionID() string { return run.sessionID }

// Abort stops the run. Suspended approval requests resolve as denied with
// "session aborted". Safe to call more than once.
func (run *Run) Abort() {
	if !run.aborted.CompareAndSwap(false, true) {
		return
	}
	run.log.Info().Msg("Run aborted")
	run.cancel()
	run.broker.AbortAll()
}

// Done is closed once the run has finished and released its resources.
func (run *Run) Done() <-chan struct{} { return run.done }

// Wait blocks until the run is done or ctx ends.
func (run *Run) Wait(ctx context.Context) error {
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the run's current status.
func (run *Run) Status() types.SessionStatus {
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.status
}

// ResumeToken returns the latest engine session id seen by the run.
func (run *Run) ResumeToken() string {
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.resumeToken
}

// Err returns the engine failure that ended the run, if any.
func (run *Run) Err() error {
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.err
}

// Respond resolves a pending approval request. It reports false when no
// such request is pending.
func (run *Run) Respond(requestID string, d permission.Decision) bool {
	return run.broker.Resolve(requestID, d)
}

// Pending returns the outstanding approval requests.
func (run *Run) Pending() []permission.Request {
	return run.broker.Pending()
}

func (run *Run) finished() bool {
	select {
	case <-run.done:
		return true
	default:
		return false
	}
}
