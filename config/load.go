package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/dbgcopilot/dbgcopilot/errors"
)

var globalConfig *Config
var viperInstance *viper.Viper

// Load reads the configuration, caching the result for the process.
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}
	cfg, err := LoadWithViper(initViper())
	if err != nil {
		return nil, err
	}
	globalConfig = cfg
	return globalConfig, nil
}

// LoadWithViper unmarshals from a provided Viper instance. Tests use this
// with an isolated instance.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshaling config")
	}
	return &cfg, nil
}

// GetViper exposes the shared instance for advanced access.
func GetViper() *viper.Viper {
	return initViper()
}

// Reset clears the cached configuration (useful for testing).
func Reset() {
	globalConfig = nil
	viperInstance = nil
}

// SetDefaults installs the built-in defaults on a Viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", DefaultServerAddr)
	v.SetDefault("llm.provider", DefaultProvider)
	v.SetDefault("llm.model", "")
	v.SetDefault("agent.max_steps", DefaultAgentMaxSteps)
	v.SetDefault("agent.reports_dir", ".")
	v.SetDefault("agent.language", DefaultAgentLanguage)
	v.SetDefault("debugger.timeout_seconds", 0)
	v.SetDefault("debugger.classpath", "")
	v.SetDefault("debugger.sourcepath", "")
}

func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()
	v.SetEnvPrefix("DBGCOPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	// Precedence: project file beats the user file; env beats both.
	if path := userConfigPath(); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		_ = v.MergeInConfig()
	}
	if path := projectConfigPath(); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		_ = v.MergeInConfig()
	}

	viperInstance = v
	return v
}

func userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	path := filepath.Join(home, ".config", "dbgcopilot", "config.toml")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func projectConfigPath() string {
	path := "dbgcopilot.toml"
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}
