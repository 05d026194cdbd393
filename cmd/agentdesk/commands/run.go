package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentdesk/agentdesk/internal/headless"
	"github.com/agentdesk/agentdesk/pkg/types"
)

var (
	runMode      string
	runAllow     []string
	runYes       bool
	runFormat    string
	runScript    string
	runSession   string
	runTitle     string
	runTimeout   time.Duration
	runStdin     bool
	runNoPrompts bool
)

var runCmd = &cobra.Command{
	Use:   "run [prompt...]",
	Short: "Run one agent turn in the terminal",
	Long: `Run one agent turn without the HTTP server. Events are printed as they
arrive and permission requests are answered on stdin:

  y  allow this call
  n  deny this call
  a  allow this and every later call of the same tool

Examples:
  agentdesk run "Fix the failing test"
  agentdesk run --mode free --allow Read,Grep "Summarize the repo"
  agentdesk run --yes --format jsonl "Run the linters" | jq -r .type
  agentdesk run --session 01J... "Now add tests"
  agentdesk run --script demo.yaml "approve this"`,
	RunE: runHeadless,
}

func init() {
	runCmd.Flags().StringVar(&runMode, "mode", "", "Permission mode (secure|free); replaces the stored mode with --session")
	runCmd.Flags().StringSliceVar(&runAllow, "allow", nil, "Allowed tools (comma separated, globs allowed); replaces the stored list with --session")
	runCmd.Flags().BoolVarP(&runYes, "yes", "y", false, "Approve every permission request")
	runCmd.Flags().StringVarP(&runFormat, "format", "o", "text", "Output format: text, json, jsonl")
	runCmd.Flags().StringVar(&runScript, "script", "", "Replay a YAML script instead of running the agent CLI ('builtin' for the echo script)")
	runCmd.Flags().StringVarP(&runSession, "session", "s", "", "Continue an existing session")
	runCmd.Flags().StringVar(&runTitle, "title", "", "Title for a new session")
	runCmd.Flags().DurationVarP(&runTimeout, "timeout", "t", 30*time.Minute, "Maximum execution time")
	runCmd.Flags().BoolVar(&runStdin, "stdin", false, "Read the prompt from stdin (approvals then need --yes)")
	runCmd.Flags().BoolVar(&runNoPrompts, "no-input", false, "Never ask; unanswered requests time out")
}

func runHeadless(cmd *cobra.Command, args []string) error {
	format, ok := headless.ParseOutputFormat(strings.ToLower(runFormat))
	if !ok {
		return exitWith(headless.ExitInvalidInput, fmt.Errorf("invalid output format: %s (must be text, json, or jsonl)", runFormat))
	}

	var mode types.PermissionMode
	if runMode != "" {
		m, err := types.ParsePermissionMode(runMode)
		if err != nil {
			return exitWith(headless.ExitInvalidInput, err)
		}
		mode = m
	}

	prompt := strings.Join(args, " ")
	var input io.Reader = os.Stdin
	if runStdin {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return exitWith(headless.ExitInvalidInput, fmt.Errorf("failed to read stdin: %w", err))
		}
		prompt = strings.TrimSpace(strings.Join([]string{prompt, string(data)}, "\n\n"))
		input = nil
	}
	if runNoPrompts {
		input = nil
	}
	if strings.TrimSpace(prompt) == "" {
		return exitWith(headless.ExitInvalidInput, fmt.Errorf("prompt required. Usage: agentdesk run \"your prompt\""))
	}

	a, err := newApp(runScript, false)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := headless.DefaultConfig()
	cfg.Prompt = prompt
	cfg.WorkDir = a.workDir
	cfg.SessionID = runSession
	cfg.Title = runTitle
	cfg.Mode = mode
	cfg.AllowedTools = runAllow
	cfg.AutoApprove = runYes
	cfg.OutputFormat = format
	cfg.Timeout = runTimeout
	cfg.Input = input
	cfg.Prompts = os.Stderr

	result, runErr := headless.NewRunner(cfg, a.sessions, a.bus).Run(ctx, os.Stdout)

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.close(closeCtx)

	if result != nil && result.ExitCode != headless.ExitSuccess {
		return exitWith(result.ExitCode, runErr)
	}
	return runErr
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code headless.ExitCode
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func exitWith(code headless.ExitCode, err error) error {
	return &exitError{code: code, err: err}
}

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return int(ee.code)
	}
	return int(headless.ExitError)
}
