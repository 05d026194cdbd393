// Package logging configures the process-wide zerolog logger. Components
// take a tagged child logger with For at construction time, so Init must
// run before they are built.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger.
var Logger zerolog.Logger

var (
	fileMu  sync.Mutex
	logFile *os.File
)

// Level is a zerolog level.
type Level = zerolog.Level

const (
	DebugLevel = zerolog.DebugLevel
	InfoLevel  = zerolog.InfoLevel
	WarnLevel  = zerolog.WarnLevel
	ErrorLevel = zerolog.ErrorLevel
	FatalLevel = zerolog.FatalLevel
)

// Config controls where and how much is logged.
type Config struct {
	Level Level
	// Output defaults to stderr.
	Output io.Writer
	// Pretty switches to zerolog's console writer.
	Pretty     bool
	TimeFormat string
	// LogToFile tees JSON lines into agentdesk-<timestamp>.log under LogDir.
	LogToFile bool
	LogDir    string
}

// DefaultConfig logs JSON at info level to stderr.
func DefaultConfig() Config {
	return Config{
		Level:      InfoLevel,
		Output:     os.Stderr,
		TimeFormat: time.RFC3339,
		LogDir:     os.TempDir(),
	}
}

// Init replaces the global logger. A log file opened by an earlier Init
// is closed first.
func Init(cfg Config) {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = time.RFC3339
	}
	if cfg.LogDir == "" {
		cfg.LogDir = os.TempDir()
	}
	zerolog.TimeFieldFormat = cfg.TimeFormat

	out := cfg.Output
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: cfg.TimeFormat}
	}

	Close()
	if cfg.LogToFile {
		f, err := openLogFile(cfg.LogDir)
		if err != nil {
			fmt.Fprintf(cfg.Output, "logging: %v\n", err)
		} else {
			fileMu.Lock()
			logFile = f
			fileMu.Unlock()
			out = zerolog.MultiLevelWriter(out, f)
		}
	}

	Logger = zerolog.New(out).Level(cfg.Level).With().Timestamp().Logger()
}

func openLogFile(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	name := "agentdesk-" + time.Now().Format("20060102-150405") + ".log"
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// GetLogFilePath returns the open log file, or "".
func GetLogFilePath() string {
	fileMu.Lock()
	defer fileMu.Unlock()
	if logFile == nil {
		return ""
	}
	return logFile.Name()
}

// Close closes the log file, if any.
func Close() {
	fileMu.Lock()
	defer fileMu.Unlock()
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

// ParseLevel maps a --log-level value to a Level. Unknown values mean
// info.
func ParseLevel(level string) Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	case "fatal":
		return FatalLevel
	}
	return InfoLevel
}

func Debug() *zerolog.Event { return Logger.Debug() }
func Info() *zerolog.Event  { return Logger.Info() }
func Warn() *zerolog.Event  { return Logger.Warn() }
func Error() *zerolog.Event { return Logger.Error() }

// For returns a child logger tagged with a component name.
func For(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

func init() {
	Init(DefaultConfig())
}
