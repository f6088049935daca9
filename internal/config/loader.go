package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".kafmesh"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("KAFMESH_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := resolveHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("KAFMESH_HOME")); h != "" {
		if strings.HasPrefix(h, "~") {
			base, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(base, h[1:]), nil
		}
		return h, nil
	}
	return os.UserHomeDir()
}

// Load loads the configuration from file and environment variables.
// Priority: environment > file > defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Load process env vars from ~/.config/kafmesh/env (and fallbacks) first.
	LoadEnvFiles()

	path, err := ConfigPath()
	if err != nil {
		return cfg, nil // Use defaults if we can't find config path
	}

	data, err := readLayered(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	// Override with environment variables for each group
	groups := []struct {
		prefix string
		target any
	}{
		{"KAFMESH_PATHS", &cfg.Paths},
		{"KAFMESH_MODEL", &cfg.Model},
		{"KAFMESH_OPENAI", &cfg.Providers.OpenAI},
		{"KAFMESH_ANTHROPIC", &cfg.Providers.Anthropic},
		{"KAFMESH_GATEWAY", &cfg.Gateway},
		{"KAFMESH_LOOP", &cfg.Loop},
		{"KAFMESH_NOTEPAD", &cfg.Notepad},
		{"KAFMESH_CRITICAL", &cfg.Critical},
		{"KAFMESH_GROUP", &cfg.Group},
		{"KAFMESH_TIMELINE", &cfg.Timeline},
		{"KAFMESH_TELEMETRY", &cfg.Telemetry},
	}
	for _, g := range groups {
		if err := envconfig.Process(g.prefix, g.target); err != nil {
			return nil, fmt.Errorf("env %s: %w", g.prefix, err)
		}
	}

	// Fallback for API keys
	if cfg.Providers.OpenAI.APIKey == "" {
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			cfg.Providers.OpenAI.APIKey = key
		} else if key := os.Getenv("OPENROUTER_API_KEY"); key != "" {
			cfg.Providers.OpenAI.APIKey = key
		}
	}
	if cfg.Providers.Anthropic.APIKey == "" {
		cfg.Providers.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}

	expandHome(&cfg.Paths.StateDir)
	expandHome(&cfg.Timeline.DBPath)
	normalize(cfg)

	return cfg, nil
}

func expandHome(p *string) {
	if strings.HasPrefix(*p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			*p = filepath.Join(home, (*p)[1:])
		}
	}
}

// normalize replaces out-of-range values with their defaults.
func normalize(cfg *Config) {
	d := DefaultConfig()
	cfg.Model.Provider = strings.ToLower(strings.TrimSpace(cfg.Model.Provider))
	switch cfg.Model.Provider {
	case "openai", "anthropic":
	default:
		cfg.Model.Provider = d.Model.Provider
	}
	if cfg.Loop.MaxSteps <= 0 {
		cfg.Loop.MaxSteps = d.Loop.MaxSteps
	}
	if cfg.Loop.OracleTimeout <= 0 {
		cfg.Loop.OracleTimeout = d.Loop.OracleTimeout
	}
	if cfg.Loop.ToolTimeout <= 0 {
		cfg.Loop.ToolTimeout = d.Loop.ToolTimeout
	}
	if cfg.Loop.RunTimeout < 0 {
		cfg.Loop.RunTimeout = 0
	}
	if cfg.Loop.HistoryTurns < 0 {
		cfg.Loop.HistoryTurns = 0
	}
	if cfg.Loop.MaxConcurrentRuns <= 0 {
		cfg.Loop.MaxConcurrentRuns = d.Loop.MaxConcurrentRuns
	}
	if cfg.Loop.MaxRetainedRuns <= 0 {
		cfg.Loop.MaxRetainedRuns = d.Loop.MaxRetainedRuns
	}
	if cfg.Notepad.MaxItems <= 0 {
		cfg.Notepad.MaxItems = d.Notepad.MaxItems
	}
	if cfg.Notepad.PromptBullets <= 0 {
		cfg.Notepad.PromptBullets = d.Notepad.PromptBullets
	}
	if cfg.Notepad.MaxTraceTools <= 0 {
		cfg.Notepad.MaxTraceTools = d.Notepad.MaxTraceTools
	}
	if cfg.Critical.Cooldown < 0 {
		cfg.Critical.Cooldown = 0
	}
	if len(cfg.Critical.Keywords) == 0 {
		cfg.Critical.Keywords = d.Critical.Keywords
	}
	if strings.TrimSpace(cfg.Critical.SessionID) == "" {
		cfg.Critical.SessionID = d.Critical.SessionID
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = d.Telemetry.ServiceName
	}
}

// GatewayURL returns the base URL clients use to reach the gateway.
func (c *Config) GatewayURL() string {
	if u := strings.TrimRight(strings.TrimSpace(c.Gateway.BaseURL), "/"); u != "" {
		return u
	}
	host := c.Gateway.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, c.Gateway.Port)
}

// Save writes the configuration to the config file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// EnsureDir ensures a directory exists with proper permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}
