package types

import "time"

// DefaultPermissionTimeout is used when the config does not set one.
const DefaultPermissionTimeout = 5 * time.Minute

// Config represents the agentdesk configuration file.
type Config struct {
	// Schema reference (for editor support)
	Schema string `json:"$schema,omitempty"`

	// Permission defaults applied to new sessions
	Permission *PermissionConfig `json:"permission,omitempty"`

	// Agent engine selection
	Engine *EngineConfig `json:"engine,omitempty"`

	// HTTP server
	Server *ServerConfig `json:"server,omitempty"`

	// Log level: debug, info, warn, error
	LogLevel string `json:"logLevel,omitempty"`
}

// PermissionConfig holds session permission defaults.
type PermissionConfig struct {
	Mode         PermissionMode `json:"mode,omitempty"`
	AllowedTools []string       `json:"allowedTools,omitempty"`
	Timeout      string         `json:"timeout,omitempty"` // Go duration, e.g. "90s"
}

// EngineConfig selects and configures the agent engine. A non-empty Script
// selects the scripted engine; otherwise Command is spawned.
type EngineConfig struct {
	Command string            `json:"command,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Script  string            `json:"script,omitempty"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Hostname string   `json:"hostname,omitempty"`
	Port     int      `json:"port,omitempty"`
	CORS     []string `json:"cors,omitempty"`
}

// PermissionMode returns the configured default mode, secure if unset.
func (c *Config) PermissionMode() PermissionMode {
	if c == nil || c.Permission == nil {
		return ModeSecure
	}
	m, err := ParsePermissionMode(string(c.Permission.Mode))
	if err != nil {
		return ModeSecure
	}
	return m
}

// AllowedTools returns the configured default allow-list.
func (c *Config) AllowedTools() []string {
	if c == nil || c.Permission == nil {
		return nil
	}
	return c.Permission.AllowedTools
}

// PermissionTimeout returns the configured approval timeout. Unset or
// invalid values yield DefaultPermissionTimeout.
func (c *Config) PermissionTimeout() time.Duration {
	if c == nil || c.Permission == nil || c.Permission.Timeout == "" {
		return DefaultPermissionTimeout
	}
	d, err := time.ParseDuration(c.Permission.Timeout)
	if err != nil || d <= 0 {
		return DefaultPermissionTimeout
	}
	return d
}
