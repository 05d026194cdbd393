package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "agentdesk"

// Paths are the per-user directories agentdesk writes to.
type Paths struct {
	Data   string
	Config string
	State  string
}

// GetPaths resolves Paths from the XDG base directory variables, falling
// back to the usual dot-directories under $HOME (or %APPDATA% on Windows).
func GetPaths() *Paths {
	return &Paths{
		Data:   xdgDir("XDG_DATA_HOME", ".local", "share"),
		Config: xdgDir("XDG_CONFIG_HOME", ".config"),
		State:  xdgDir("XDG_STATE_HOME", ".local", "state"),
	}
}

func xdgDir(env string, fallback ...string) string {
	base := os.Getenv(env)
	if base == "" {
		if runtime.GOOS == "windows" {
			base = os.Getenv("APPDATA")
		} else {
			base = filepath.Join(append([]string{os.Getenv("HOME")}, fallback...)...)
		}
	}
	return filepath.Join(base, appName)
}

// EnsurePaths creates the directories if they are missing.
func (p *Paths) EnsurePaths() error {
	for _, dir := range []string{p.Data, p.Config, p.State} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// StoragePath is the root of the session store.
func (p *Paths) StoragePath() string {
	return filepath.Join(p.Data, "storage")
}

func (p *Paths) LogPath() string {
	return filepath.Join(p.State, "log")
}

// GlobalConfigPath is the per-user agentdesk.json.
func GlobalConfigPath() string {
	return filepath.Join(GetPaths().Config, "agentdesk.json")
}

// ProjectConfigPath is the agentdesk.json checked into a project.
func ProjectConfigPath(directory string) string {
	return filepath.Join(directory, ".agentdesk", "agentdesk.json")
}
