package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/agentdesk/agentdesk/internal/config"
	"github.com/agentdesk/agentdesk/internal/engine"
	"github.com/agentdesk/agentdesk/internal/engine/process"
	"github.com/agentdesk/agentdesk/internal/engine/script"
	"github.com/agentdesk/agentdesk/internal/event"
	"github.com/agentdesk/agentdesk/internal/logging"
	"github.com/agentdesk/agentdesk/internal/session"
	"github.com/agentdesk/agentdesk/internal/storage"
	"github.com/agentdesk/agentdesk/pkg/types"
)

// builtinScript selects the built-in echo scenario instead of a file.
const builtinScript = "builtin"

// app holds the components shared by every command.
type app struct {
	workDir  string
	config   *types.Config
	bus      *event.Bus
	updates  *event.Updates
	sessions *session.Service
}

// newApp loads configuration and wires storage, the event plumbing and the
// session service. scriptPath overrides the configured engine. Only the
// server owns stale runs; other commands leave them for it to recover.
func newApp(scriptPath string, ownsRuns bool) (*app, error) {
	dir, err := getWorkDir()
	if err != nil {
		return nil, err
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return nil, fmt.Errorf("failed to ensure paths: %w", err)
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	eng, err := buildEngine(cfg, scriptPath)
	if err != nil {
		return nil, err
	}

	bus := event.NewBus()
	updates := event.NewUpdates()
	store := session.NewStore(storage.New(paths.StoragePath()))
	sessions, err := session.NewService(store, bus, updates, eng, session.Config{
		Mode:              cfg.PermissionMode(),
		AllowedTools:      cfg.AllowedTools(),
		PermissionTimeout: cfg.PermissionTimeout(),
		SkipRecovery:      !ownsRuns,
	})
	if err != nil {
		updates.Close()
		bus.Close()
		return nil, err
	}

	logging.Debug().
		Str("directory", dir).
		Str("storage", paths.StoragePath()).
		Str("mode", string(cfg.PermissionMode())).
		Msg("Agentdesk initialized")

	return &app{
		workDir:  dir,
		config:   cfg,
		bus:      bus,
		updates:  updates,
		sessions: sessions,
	}, nil
}

// close aborts live runs and stops the event plumbing.
func (a *app) close(ctx context.Context) error {
	err := a.sessions.Shutdown(ctx)
	return errors.Join(err, a.updates.Close(), a.bus.Close())
}

// buildEngine picks the scripted engine when a script is given on the
// command line or in the config, and the agent process otherwise.
func buildEngine(cfg *types.Config, scriptPath string) (engine.Engine, error) {
	var engCfg types.EngineConfig
	if cfg.Engine != nil {
		engCfg = *cfg.Engine
	}
	if scriptPath == "" {
		scriptPath = engCfg.Script
	}

	if scriptPath != "" {
		if scriptPath == builtinScript {
			return script.New(script.Default()), nil
		}
		sc, err := script.Load(scriptPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load script: %w", err)
		}
		return script.New(sc), nil
	}

	var opts []process.Option
	if len(engCfg.Env) > 0 {
		keys := make([]string, 0, len(engCfg.Env))
		for k := range engCfg.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		env := make([]string, 0, len(keys))
		for _, k := range keys {
			env = append(env, k+"="+os.ExpandEnv(engCfg.Env[k]))
		}
		opts = append(opts, process.WithEnv(env...))
	}
	return process.New(process.ParseCommand(engCfg.Command), opts...), nil
}
