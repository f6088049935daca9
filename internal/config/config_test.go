package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("KAFMESH_HOME", "")
	t.Setenv("KAFMESH_CONFIG", "")
	t.Setenv("KAFMESH_ENV_FILE", "")
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OPENROUTER_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	return home
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Gateway.Host != "127.0.0.1" {
		t.Errorf("expected gateway host 127.0.0.1, got %s", cfg.Gateway.Host)
	}
	if cfg.Loop.MaxSteps != 60 {
		t.Errorf("expected maxSteps 60, got %d", cfg.Loop.MaxSteps)
	}
	if cfg.Loop.RunTimeout != 0 {
		t.Errorf("expected no global run budget, got %v", cfg.Loop.RunTimeout)
	}
	if cfg.Loop.MaxConcurrentRuns != 4 {
		t.Errorf("expected 4 concurrent runs, got %d", cfg.Loop.MaxConcurrentRuns)
	}
	if cfg.Notepad.MaxItems != 50 || cfg.Notepad.MaxTraceTools != 10 {
		t.Errorf("unexpected notepad defaults %+v", cfg.Notepad)
	}
	if cfg.Critical.Cooldown != 10*time.Second || cfg.Critical.SessionID != "critical" {
		t.Errorf("unexpected critical defaults %+v", cfg.Critical)
	}
	if len(cfg.Critical.Keywords) != 3 {
		t.Errorf("expected 3 default keywords, got %v", cfg.Critical.Keywords)
	}
}

func TestLoadDefaults(t *testing.T) {
	home := isolateHome(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Model.Provider != "openai" {
		t.Errorf("expected provider openai, got %s", cfg.Model.Provider)
	}
	if cfg.Timeline.DBPath != filepath.Join(home, ".kafmesh", "timeline.db") {
		t.Errorf("expected ~ expansion, got %s", cfg.Timeline.DBPath)
	}
}

func TestLoadFromFileAndEnv(t *testing.T) {
	home := isolateHome(t)
	dir := filepath.Join(home, ".kafmesh")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	body := `{
  "model": {"provider": "Anthropic", "name": "claude-sonnet-4-5"},
  "loop": {"maxSteps": 12, "maxRetainedRuns": 50},
  "providers": {"anthropic": {"apiKey": "${TEST_ANTHROPIC_KEY}"}}
}`
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TEST_ANTHROPIC_KEY", "sk-file")
	t.Setenv("KAFMESH_GATEWAY_PORT", "19999")
	t.Setenv("KAFMESH_CRITICAL_KEYWORDS", "alarm,fire")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Model.Provider != "anthropic" || cfg.Model.Name != "claude-sonnet-4-5" {
		t.Errorf("unexpected model %+v", cfg.Model)
	}
	if cfg.Loop.MaxSteps != 12 {
		t.Errorf("expected maxSteps 12 from file, got %d", cfg.Loop.MaxSteps)
	}
	if cfg.Loop.MaxRetainedRuns != 50 {
		t.Errorf("expected maxRetainedRuns 50 from file, got %d", cfg.Loop.MaxRetainedRuns)
	}
	if cfg.Loop.ToolTimeout != 60*time.Second {
		t.Errorf("unset fields keep defaults, got %v", cfg.Loop.ToolTimeout)
	}
	if cfg.Providers.Anthropic.APIKey != "sk-file" {
		t.Errorf("expected ${VAR} substitution, got %q", cfg.Providers.Anthropic.APIKey)
	}
	if cfg.Gateway.Port != 19999 {
		t.Errorf("env should override port, got %d", cfg.Gateway.Port)
	}
	if len(cfg.Critical.Keywords) != 2 || cfg.Critical.Keywords[1] != "fire" {
		t.Errorf("unexpected keywords %v", cfg.Critical.Keywords)
	}
}

func TestLoadInvalidFile(t *testing.T) {
	home := isolateHome(t)
	path := filepath.Join(home, "broken.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("KAFMESH_CONFIG", path)
	if _, err := Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestNormalizeFallbacks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Model.Provider = "mystery"
	cfg.Loop.MaxSteps = 0
	cfg.Loop.RunTimeout = -time.Second
	cfg.Loop.MaxRetainedRuns = -5
	cfg.Critical.SessionID = "  "
	normalize(cfg)

	if cfg.Model.Provider != "openai" {
		t.Errorf("expected fallback provider, got %s", cfg.Model.Provider)
	}
	if cfg.Loop.MaxSteps != 60 || cfg.Loop.RunTimeout != 0 || cfg.Loop.MaxRetainedRuns != 1000 {
		t.Errorf("unexpected loop %+v", cfg.Loop)
	}
	if cfg.Critical.SessionID != "critical" {
		t.Errorf("unexpected session %q", cfg.Critical.SessionID)
	}
}

func TestConfigPathOverrides(t *testing.T) {
	home := isolateHome(t)

	p, err := ConfigPath()
	if err != nil {
		t.Fatal(err)
	}
	if p != filepath.Join(home, ".kafmesh", "config.json") {
		t.Errorf("unexpected default path %s", p)
	}

	t.Setenv("KAFMESH_HOME", "/srv/mesh")
	p, _ = ConfigPath()
	if p != filepath.Join("/srv/mesh", ".kafmesh", "config.json") {
		t.Errorf("KAFMESH_HOME not honoured: %s", p)
	}

	t.Setenv("KAFMESH_CONFIG", "~/custom.json")
	p, _ = ConfigPath()
	if p != filepath.Join("/srv/mesh", "custom.json") {
		t.Errorf("KAFMESH_CONFIG not honoured: %s", p)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	home := isolateHome(t)
	cfg := DefaultConfig()
	cfg.Gateway.Port = 18888
	if err := Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	path := filepath.Join(home, ".kafmesh", "config.json")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected 0600, got %v", info.Mode().Perm())
	}
	data, _ := os.ReadFile(path)
	var back Config
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Gateway.Port != 18888 {
		t.Errorf("expected port 18888, got %d", back.Gateway.Port)
	}
}

func TestGatewayURL(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.GatewayURL(); got != "http://127.0.0.1:18800" {
		t.Errorf("unexpected url %s", got)
	}
	cfg.Gateway.Host = "0.0.0.0"
	if got := cfg.GatewayURL(); got != "http://127.0.0.1:18800" {
		t.Errorf("wildcard host should map to loopback, got %s", got)
	}
	cfg.Gateway.BaseURL = "http://mesh.local:9000/"
	if got := cfg.GatewayURL(); got != "http://mesh.local:9000" {
		t.Errorf("unexpected url %s", got)
	}
}
