// Package config provides configuration types and loading for kafmesh.
package config

import "time"

// Config is the root configuration struct.
// Top-level groups: Paths, Model, Providers, Gateway, Loop, Notepad, Critical,
// Group, Timeline, Telemetry.
type Config struct {
	Paths     PathsConfig     `json:"paths"`
	Model     ModelConfig     `json:"model"`
	Providers ProvidersConfig `json:"providers"`
	Gateway   GatewayConfig   `json:"gateway"`
	Loop      LoopConfig      `json:"loop"`
	Notepad   NotepadConfig   `json:"notepad"`
	Critical  CriticalConfig  `json:"critical"`
	Group     GroupConfig     `json:"group"`
	Timeline  TimelineConfig  `json:"timeline"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	StateDir string `json:"stateDir" envconfig:"STATE_DIR"`
}

// ---------------------------------------------------------------------------
// Model – oracle behaviour
// ---------------------------------------------------------------------------

// ModelConfig selects the oracle backend and its sampling settings.
type ModelConfig struct {
	Provider    string  `json:"provider" envconfig:"PROVIDER"` // openai | anthropic
	Name        string  `json:"name" envconfig:"MODEL"`
	MaxTokens   int     `json:"maxTokens" envconfig:"MAX_TOKENS"`
	Temperature float64 `json:"temperature" envconfig:"TEMPERATURE"`
}

// ---------------------------------------------------------------------------
// Providers – LLM API credentials
// ---------------------------------------------------------------------------

// ProvidersConfig contains LLM provider configurations.
type ProvidersConfig struct {
	OpenAI    ProviderConfig `json:"openai"`
	Anthropic ProviderConfig `json:"anthropic"`
}

// ProviderConfig contains LLM provider settings.
type ProviderConfig struct {
	APIKey  string `json:"apiKey" envconfig:"API_KEY"`
	APIBase string `json:"apiBase,omitempty" envconfig:"API_BASE"`
}

// ---------------------------------------------------------------------------
// Gateway – HTTP surface
// ---------------------------------------------------------------------------

// GatewayConfig contains gateway server settings.
type GatewayConfig struct {
	Host string `json:"host" envconfig:"HOST"`
	Port int    `json:"port" envconfig:"PORT"`
	// BaseURL is where CLI commands and remote invokers reach the gateway.
	// Empty means http://Host:Port.
	BaseURL string `json:"baseUrl,omitempty" envconfig:"BASE_URL"`
}

// ---------------------------------------------------------------------------
// Loop – tool loop limits
// ---------------------------------------------------------------------------

// LoopConfig bounds the planner tool loop.
type LoopConfig struct {
	MaxSteps      int           `json:"maxSteps" envconfig:"MAX_STEPS"`
	OracleTimeout time.Duration `json:"oracleTimeout" envconfig:"ORACLE_TIMEOUT"`
	ToolTimeout   time.Duration `json:"toolTimeout" envconfig:"TOOL_TIMEOUT"`
	// RunTimeout caps a whole run. Zero disables the global budget.
	RunTimeout        time.Duration `json:"runTimeout" envconfig:"RUN_TIMEOUT"`
	HistoryTurns      int           `json:"historyTurns" envconfig:"HISTORY_TURNS"`
	MaxConcurrentRuns int           `json:"maxConcurrentRuns" envconfig:"MAX_CONCURRENT_RUNS"`
	// MaxRetainedRuns bounds the run records kept for polling. Above it the
	// oldest finished runs are forgotten; active runs are never evicted.
	MaxRetainedRuns int `json:"maxRetainedRuns" envconfig:"MAX_RETAINED_RUNS"`
}

// ---------------------------------------------------------------------------
// Notepad – per-session planner notes
// ---------------------------------------------------------------------------

// NotepadConfig bounds the session notepads.
type NotepadConfig struct {
	MaxItems      int `json:"maxItems" envconfig:"MAX_ITEMS"`
	PromptBullets int `json:"promptBullets" envconfig:"PROMPT_BULLETS"`
	MaxTraceTools int `json:"maxTraceTools" envconfig:"MAX_TRACE_TOOLS"`
}

// ---------------------------------------------------------------------------
// Critical – keyword trigger
// ---------------------------------------------------------------------------

// CriticalConfig configures the critical-event trigger.
type CriticalConfig struct {
	Enabled   bool          `json:"enabled" envconfig:"ENABLED"`
	Cooldown  time.Duration `json:"cooldown" envconfig:"COOLDOWN"`
	Keywords  []string      `json:"keywords" envconfig:"KEYWORDS"`
	SessionID string        `json:"sessionId" envconfig:"SESSION_ID"`
}

// ---------------------------------------------------------------------------
// Group – Kafka bridge
// ---------------------------------------------------------------------------

// GroupConfig configures the optional Kafka transport bridge.
type GroupConfig struct {
	Enabled       bool   `json:"enabled" envconfig:"ENABLED"`
	KafkaBrokers  string `json:"kafkaBrokers" envconfig:"KAFKA_BROKERS"`
	ConsumerGroup string `json:"consumerGroup" envconfig:"CONSUMER_GROUP"`
	InboundTopic  string `json:"inboundTopic" envconfig:"INBOUND_TOPIC"`
	OutboundTopic string `json:"outboundTopic" envconfig:"OUTBOUND_TOPIC"`
}

// ---------------------------------------------------------------------------
// Timeline – durable audit
// ---------------------------------------------------------------------------

// TimelineConfig configures the SQLite audit store.
type TimelineConfig struct {
	Enabled bool   `json:"enabled" envconfig:"ENABLED"`
	DBPath  string `json:"dbPath" envconfig:"DB_PATH"`
}

// ---------------------------------------------------------------------------
// Telemetry – OpenTelemetry export
// ---------------------------------------------------------------------------

// TelemetryConfig configures trace export. An empty endpoint disables export.
type TelemetryConfig struct {
	OTLPEndpoint string `json:"otlpEndpoint" envconfig:"OTLP_ENDPOINT"`
	Insecure     bool   `json:"insecure" envconfig:"INSECURE"`
	ServiceName  string `json:"serviceName" envconfig:"SERVICE_NAME"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			StateDir: "~/.kafmesh",
		},
		Model: ModelConfig{
			Provider:    "openai",
			Name:        "gpt-4o-mini",
			MaxTokens:   4096,
			Temperature: 0.2,
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1", // Secure default
			Port: 18800,
		},
		Loop: LoopConfig{
			MaxSteps:          60,
			OracleTimeout:     120 * time.Second,
			ToolTimeout:       60 * time.Second,
			HistoryTurns:      20,
			MaxConcurrentRuns: 4,
			MaxRetainedRuns:   1000,
		},
		Notepad: NotepadConfig{
			MaxItems:      50,
			PromptBullets: 30,
			MaxTraceTools: 10,
		},
		Critical: CriticalConfig{
			Enabled:   true,
			Cooldown:  10 * time.Second,
			Keywords:  []string{"critical", "panic", "incident"},
			SessionID: "critical",
		},
		Group: GroupConfig{
			Enabled:       false,
			KafkaBrokers:  "localhost:9092",
			ConsumerGroup: "kafmesh",
			InboundTopic:  "kafmesh.mesh.inbound",
			OutboundTopic: "kafmesh.mesh.delivered",
		},
		Timeline: TimelineConfig{
			Enabled: true,
			DBPath:  "~/.kafmesh/timeline.db",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "kafmesh",
		},
	}
}
