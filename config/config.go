// Package config loads the copilot's settings via Viper: defaults, an
// optional config file, and DBGCOPILOT_* environment overrides.
package config

// Config is the top-level copilot configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Debugger DebuggerConfig `mapstructure:"debugger"`
}

// ServerConfig configures the HTTP/WebSocket front-end.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LLMConfig carries the default provider selection.
type LLMConfig struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
}

// AgentConfig configures the non-interactive agent runs.
type AgentConfig struct {
	MaxSteps   int    `mapstructure:"max_steps"`
	ReportsDir string `mapstructure:"reports_dir"`
	Language   string `mapstructure:"language"`
}

// DebuggerConfig carries per-backend tool defaults.
type DebuggerConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	Classpath      string `mapstructure:"classpath"`
	Sourcepath     string `mapstructure:"sourcepath"`
}

const (
	DefaultServerAddr    = "localhost:8077"
	DefaultProvider      = "mock-local"
	DefaultAgentMaxSteps = 16
	DefaultAgentLanguage = "en"
)
