package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentdesk/agentdesk/internal/logging"
	"github.com/agentdesk/agentdesk/internal/server"
)

var (
	servePort     int
	serveHostname string
	serveScript   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agentdesk HTTP server",
	Long: `Start agentdesk as a server that exposes the session API and the
event stream over HTTP.

A desktop client creates sessions, sends prompts, answers permission
requests and follows /event for streamed agent output.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (default 4096)")
	serveCmd.Flags().StringVar(&serveHostname, "hostname", "", "Hostname to listen on (default 127.0.0.1)")
	serveCmd.Flags().StringVar(&serveScript, "script", "", "Replay a YAML script instead of running the agent CLI ('builtin' for the echo script)")
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(serveScript, true)
	if err != nil {
		return err
	}

	logging.Info().Str("version", Version).Str("directory", a.workDir).Msg("Starting agentdesk server")

	serverConfig := server.DefaultConfig()
	serverConfig.Directory = a.workDir
	serverConfig.ApplyConfig(a.config.Server)
	if servePort != 0 {
		serverConfig.Port = servePort
	}
	if serveHostname != "" {
		serverConfig.Hostname = serveHostname
	}

	srv := server.New(serverConfig, a.sessions, a.bus)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var serveErr error
	select {
	case <-quit:
		logging.Info().Msg("Shutting down server...")
	case serveErr = <-errCh:
		if serveErr != nil {
			logging.Error().Err(serveErr).Msg("Server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("Server shutdown error")
	}
	if err := a.close(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("Session shutdown error")
	}

	logging.Info().Msg("Server stopped")
	return serveErr
}
