package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/agentdesk/agentdesk/internal/logging"
	"github.com/agentdesk/agentdesk/pkg/types"
)

// Environment variables read by Load.
const (
	EnvConfig            = "AGENTDESK_CONFIG"
	EnvConfigContent     = "AGENTDESK_CONFIG_CONTENT"
	EnvPermissionMode    = "AGENTDESK_PERMISSION_MODE"
	EnvPermissionTimeout = "AGENTDESK_PERMISSION_TIMEOUT"
	EnvEngineCommand     = "AGENTDESK_ENGINE_COMMAND"
	EnvLogLevel          = "AGENTDESK_LOG_LEVEL"
)

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// Load loads configuration from multiple sources (later wins):
// 1. Global config (~/.config/agentdesk/)
// 2. Project config (<directory>/.agentdesk/)
// 3. AGENTDESK_CONFIG file
// 4. AGENTDESK_CONFIG_CONTENT inline JSON
// 5. Environment variables
//
// Missing files are skipped. A file that exists but does not parse is an
// error, so a typo never silently falls back to defaults.
func Load(directory string) (*types.Config, error) {
	config := &types.Config{}
	loaded := make(map[string]bool)

	loadOnce := func(path, baseDir string) error {
		absPath, err := filepath.Abs(path)
		if err != nil || loaded[absPath] {
			return nil
		}
		if err := loadConfigFile(path, config, baseDir); err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("config %s: %w", path, err)
		}
		loaded[absPath] = true
		logging.Debug().Str("path", absPath).Msg("Config loaded")
		return nil
	}

	var sources [][2]string
	globalDir := GetPaths().Config
	sources = append(sources,
		[2]string{filepath.Join(globalDir, "agentdesk.json"), globalDir},
		[2]string{filepath.Join(globalDir, "agentdesk.jsonc"), globalDir},
	)
	if directory != "" {
		projectDir := filepath.Join(directory, ".agentdesk")
		sources = append(sources,
			[2]string{filepath.Join(projectDir, "agentdesk.json"), projectDir},
			[2]string{filepath.Join(projectDir, "agentdesk.jsonc"), projectDir},
		)
	}
	if path := os.Getenv(EnvConfig); path != "" {
		sources = append(sources, [2]string{path, filepath.Dir(path)})
	}
	for _, src := range sources {
		if err := loadOnce(src[0], src[1]); err != nil {
			return nil, err
		}
	}

	if content := os.Getenv(EnvConfigContent); content != "" {
		var inline types.Config
		if err := json.Unmarshal(jsonc.ToJSON([]byte(content)), &inline); err != nil {
			return nil, fmt.Errorf("%s: %w", EnvConfigContent, err)
		}
		mergeConfig(config, &inline)
	}

	if err := applyEnvOverrides(config); err != nil {
		return nil, err
	}
	return config, nil
}

// loadConfigFile loads a single config file with interpolation support.
func loadConfigFile(path string, config *types.Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = jsonc.ToJSON(data)
	data = interpolate(data, baseDir)

	var fileConfig types.Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	mergeConfig(config, &fileConfig)
	return nil
}

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string) []byte {
	str := envPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		return jsonEscape(os.Getenv(envPattern.FindStringSubmatch(match)[1]))
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]
		if strings.HasPrefix(filePath, "~/") {
			filePath = filepath.Join(os.Getenv("HOME"), filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return match
		}
		return jsonEscape(strings.TrimRight(string(content), "\r\n"))
	})

	return []byte(str)
}

// jsonEscape escapes s for embedding inside a JSON string literal.
func jsonEscape(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}

// mergeConfig merges source config into target. Scalar fields override
// when set; nested sections merge field by field.
func mergeConfig(target, source *types.Config) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}
	if source.LogLevel != "" {
		target.LogLevel = source.LogLevel
	}

	if p := source.Permission; p != nil {
		if target.Permission == nil {
			target.Permission = &types.PermissionConfig{}
		}
		if p.Mode != "" {
			target.Permission.Mode = p.Mode
		}
		if p.AllowedTools != nil {
			target.Permission.AllowedTools = p.AllowedTools
		}
		if p.Timeout != "" {
			target.Permission.Timeout = p.Timeout
		}
	}

	if e := source.Engine; e != nil {
		if target.Engine == nil {
			target.Engine = &types.EngineConfig{}
		}
		if e.Command != "" {
			target.Engine.Command = e.Command
		}
		if e.Script != "" {
			target.Engine.Script = e.Script
		}
		if e.Env != nil {
			if target.Engine.Env == nil {
				target.Engine.Env = make(map[string]string)
			}
			for k, v := range e.Env {
				target.Engine.Env[k] = v
			}
		}
	}

	if s := source.Server; s != nil {
		if target.Server == nil {
			target.Server = &types.ServerConfig{}
		}
		if s.Hostname != "" {
			target.Server.Hostname = s.Hostname
		}
		if s.Port != 0 {
			target.Server.Port = s.Port
		}
		if s.CORS != nil {
			target.Server.CORS = s.CORS
		}
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *types.Config) error {
	if mode := os.Getenv(EnvPermissionMode); mode != "" {
		m, err := types.ParsePermissionMode(mode)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPermissionMode, err)
		}
		if config.Permission == nil {
			config.Permission = &types.PermissionConfig{}
		}
		config.Permission.Mode = m
	}

	if timeout := os.Getenv(EnvPermissionTimeout); timeout != "" {
		if _, err := time.ParseDuration(timeout); err != nil {
			return fmt.Errorf("%s: %w", EnvPermissionTimeout, err)
		}
		if config.Permission == nil {
			config.Permission = &types.PermissionConfig{}
		}
		config.Permission.Timeout = timeout
	}

	if command := os.Getenv(EnvEngineCommand); command != "" {
		if config.Engine == nil {
			config.Engine = &types.EngineConfig{}
		}
		config.Engine.Command = command
	}

	if level := os.Getenv(EnvLogLevel); level != "" {
		config.LogLevel = level
	}
	return nil
}

// Save saves the configuration to a file.
func Save(config *types.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
