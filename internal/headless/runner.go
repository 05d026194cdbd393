package headless

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/agentdesk/agentdesk/internal/event"
	"github.com/agentdesk/agentdesk/internal/logging"
	"github.com/agentdesk/agentdesk/internal/session"
	"github.com/agentdesk/agentdesk/pkg/types"
)

// Runner executes one prompt against a session without the HTTP server:
// it prints the session's events and answers approval requests itself.
type Runner struct {
	config   *Config
	sessions *session.Service
	bus      *event.Bus
	printer  *Printer
	log      zerolog.Logger
}

// NewRunner creates a new headless runner over an already constructed
// session service and the bus it publishes to.
func NewRunner(cfg *Config, sessions *session.Service, bus *event.Bus) *Runner {
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = OutputText
	}
	if cfg.Prompts == nil {
		cfg.Prompts = os.Stderr
	}
	return &Runner{
		config:   cfg,
		sessions: sessions,
		bus:      bus,
		log:      logging.For("headless"),
	}
}

// Run executes the turn and returns its result. The error is non-nil
// whenever the result's exit code is not ExitSuccess.
func (r *Runner) Run(ctx context.Context, writer io.Writer) (*Result, error) {
	r.printer = NewPrinter(writer, r.config.OutputFormat)

	prompt := strings.TrimSpace(r.config.Prompt)
	if prompt == "" {
		return r.finish(StatusError, ExitInvalidInput, errors.New("prompt is required"))
	}

	sess, err := r.getOrCreateSession(ctx)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			return r.finish(StatusError, ExitSessionNotFound, err)
		case errors.Is(err, session.ErrInvalidInput):
			return r.finish(StatusError, ExitInvalidInput, err)
		}
		return r.finish(StatusError, ExitError, err)
	}

	r.printer.Subscribe(r.bus, sess.ID)
	defer r.printer.Unsubscribe()

	approver := NewApprover(r.config.AutoApprove, r.config.Input, r.config.Prompts)
	stopWatch := approver.Watch(r.bus, sess.ID)
	defer stopWatch()

	run, err := r.sessions.Prompt(ctx, sess.ID, prompt)
	if err != nil {
		if errors.Is(err, session.ErrInvalidInput) {
			return r.finish(StatusError, ExitInvalidInput, err)
		}
		return r.finish(StatusError, ExitError, err)
	}
	r.log.Debug().Str("sessionID", sess.ID).Msg("Headless turn started")

	serveCtx, stopServe := context.WithCancel(ctx)
	defer stopServe()
	go approver.Serve(serveCtx, run.Respond)

	waitCtx := ctx
	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	if err := run.Wait(waitCtx); err != nil {
		run.Abort()
		<-run.Done()
		r.printer.SetResumeToken(run.ResumeToken())
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return r.finish(StatusTimeout, ExitTimeout, fmt.Errorf("timed out after %s", r.config.Timeout))
		}
		return r.finish(StatusAborted, ExitError, err)
	}

	r.printer.SetResumeToken(run.ResumeToken())
	switch run.Status() {
	case types.StatusCompleted:
		return r.finish(StatusSuccess, ExitSuccess, nil)
	case types.StatusError:
		err := run.Err()
		if err == nil {
			err = errors.New("engine reported an error")
			if msg := r.printer.GetResult().FinalMessage; msg != "" {
				err = errors.New(msg)
			}
		}
		return r.finish(StatusError, ExitError, err)
	default:
		return r.finish(StatusAborted, ExitError, errors.New("session aborted"))
	}
}

func (r *Runner) finish(status string, code ExitCode, err error) (*Result, error) {
	r.printer.SetResult(status, code, err)
	r.printer.PrintFinalResult()
	return r.printer.GetResult(), err
}

// getOrCreateSession resumes the configured session or creates a new one.
// When resuming, any title, mode or allow-list given on the command line
// replaces the stored one before the turn starts.
func (r *Runner) getOrCreateSession(ctx context.Context) (*types.Session, error) {
	if r.config.SessionID != "" {
		var in session.UpdateInput
		if r.config.Title != "" {
			in.Title = &r.config.Title
		}
		if r.config.Mode != "" {
			in.Mode = &r.config.Mode
		}
		if len(r.config.AllowedTools) > 0 {
			in.AllowedTools = &r.config.AllowedTools
		}
		if in == (session.UpdateInput{}) {
			return r.sessions.Get(ctx, r.config.SessionID)
		}
		return r.sessions.Update(ctx, r.config.SessionID, in)
	}

	title := r.config.Title
	if title == "" {
		title = "Headless Session"
	}
	return r.sessions.Create(ctx, session.CreateInput{
		Directory:    r.config.WorkDir,
		Title:        title,
		Mode:         r.config.Mode,
		AllowedTools: r.config.AllowedTools,
	})
}
