// Package commands provides the CLI commands for agentdesk.
package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/agentdesk/agentdesk/internal/config"
	"github.com/agentdesk/agentdesk/internal/logging"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs bool
	logLevel  string
	workDir   string
)

var rootCmd = &cobra.Command{
	Use:   "agentdesk",
	Short: "agentdesk - session runner and permission broker for coding agents",
	Long: `agentdesk runs agent sessions, streams their events and asks a human
before the agent uses a tool.

Run 'agentdesk serve' to start the HTTP server for a desktop client, or
'agentdesk run' to drive a single turn from the terminal.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
		setupLogging(cmd)
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().StringVar(&workDir, "directory", "", "Working directory")

	rootCmd.SetVersionTemplate(fmt.Sprintf("agentdesk %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// setupLogging configures the global logger. The server always logs to
// stderr; other commands stay quiet unless --print-logs is given.
func setupLogging(cmd *cobra.Command) {
	level := logLevel
	if level == "" {
		level = os.Getenv(config.EnvLogLevel)
	}
	if level == "" {
		level = "INFO"
	}

	cfg := logging.DefaultConfig()
	cfg.Level = logging.ParseLevel(level)
	cfg.Pretty = true
	cfg.LogDir = config.GetPaths().LogPath()
	if cmd.Name() != serveCmd.Name() && !printLogs {
		cfg.Output = io.Discard
		cfg.Pretty = false
	}
	logging.Init(cfg)
}

// getWorkDir returns the working directory from flag or current directory.
func getWorkDir() (string, error) {
	if workDir != "" {
		return workDir, nil
	}
	return os.Getwd()
}
