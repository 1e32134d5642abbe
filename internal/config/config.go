// Package config loads the autopilot configuration from YAML with
// environment substitution and env-var overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/robertpelloni/opencode-autopilot-sub000/internal/debate"
	"github.com/robertpelloni/opencode-autopilot-sub000/internal/health"
	"github.com/robertpelloni/opencode-autopilot-sub000/internal/history"
	"github.com/robertpelloni/opencode-autopilot-sub000/internal/logring"
	"github.com/robertpelloni/opencode-autopilot-sub000/internal/models"
	"github.com/robertpelloni/opencode-autopilot-sub000/internal/quota"
	"github.com/robertpelloni/opencode-autopilot-sub000/internal/sessionstore"
)

// ProviderConfig configures one supervisor provider.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key" json:"api_key"`
	Model   string `yaml:"model" json:"model"`
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// HistoryConfig selects and tunes the history backend.
type HistoryConfig struct {
	Backend       string `yaml:"backend" json:"backend"` // sqlite or postgres
	Path          string `yaml:"path,omitempty" json:"path,omitempty"`
	DSN           string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
	RetentionDays int    `yaml:"retention_days" json:"retention_days"`
	MaxRecords    int    `yaml:"max_records" json:"max_records"`
}

// Retention maps the file settings onto the history store config.
func (h HistoryConfig) Retention() history.Config {
	return history.Config{RetentionDays: h.RetentionDays, MaxRecords: h.MaxRecords}
}

// Config is the full process configuration.
type Config struct {
	Debate    debate.Config             `yaml:"debate" json:"debate"`
	SmartTeam bool                      `yaml:"smart_team" json:"smart_team"`
	Providers map[string]ProviderConfig `yaml:"providers" json:"providers"`
	Quota     quota.Config              `yaml:"quota" json:"quota"`
	History   HistoryConfig             `yaml:"history" json:"history"`
	Health    health.Config             `yaml:"health" json:"health"`
	Logs      logring.Config            `yaml:"logs" json:"logs"`
	Sessions  sessionstore.Config       `yaml:"sessions" json:"sessions"`
	Server    ServerConfig              `yaml:"server" json:"server"`
}

// providerNames are the recognized provider keys, with the env aliases
// that map onto them.
var providerEnvAliases = map[string][]string{
	"openai":    {"OPENAI"},
	"anthropic": {"ANTHROPIC"},
	"deepseek":  {"DEEPSEEK"},
	"gemini":    {"GEMINI"},
	"grok":      {"GROK", "XAI"},
	"qwen":      {"QWEN"},
	"kimi":      {"KIMI", "MOONSHOT"},
}

// Loader reads and caches the configuration file.
type Loader struct {
	configPath string
	config     *Config
}

// NewLoader creates a configuration loader.
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Load reads the configuration from file, substitutes environment
// variables, applies defaults and env overrides, and validates.
func (l *Loader) Load() (*Config, error) {
	if l.configPath == "" {
		return nil, fmt.Errorf("configuration path is required")
	}
	if _, err := os.Stat(l.configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file does not exist: %s", l.configPath)
	}

	data, err := os.ReadFile(l.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}
	return l.LoadFromString(string(data))
}

// LoadFromString loads configuration from a YAML string.
func (l *Loader) LoadFromString(yamlContent string) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal([]byte(yamlContent), &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML configuration: %w", err)
	}

	substituteEnvVars(&config)
	applyDefaults(&config)
	applyEnvOverrides(&config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	l.config = &config
	return &config, nil
}

// GetConfig returns the last loaded configuration.
func (l *Loader) GetConfig() *Config { return l.config }

// Reload reloads the configuration from file.
func (l *Loader) Reload() (*Config, error) { return l.Load() }

// substituteEnvVars replaces ${VAR_NAME} placeholders in string fields.
func substituteEnvVars(config *Config) {
	for name, provider := range config.Providers {
		provider.APIKey = os.ExpandEnv(provider.APIKey)
		provider.BaseURL = os.ExpandEnv(provider.BaseURL)
		provider.Model = os.ExpandEnv(provider.Model)
		config.Providers[name] = provider
	}
	config.History.Path = os.ExpandEnv(config.History.Path)
	config.History.DSN = os.ExpandEnv(config.History.DSN)
	config.Sessions.Path = os.ExpandEnv(config.Sessions.Path)
}

func applyDefaults(config *Config) {
	if config.Debate.MaxRounds <= 0 {
		config.Debate.MaxRounds = 3
	}
	if config.Debate.Mode == "" {
		config.Debate.Mode = models.ConsensusWeighted
	}
	if config.Debate.Threshold == 0 {
		config.Debate.Threshold = 0.5
	}
	if config.Providers == nil {
		config.Providers = make(map[string]ProviderConfig)
	}
	if config.History.Backend == "" {
		config.History.Backend = "sqlite"
	}
	if config.History.Backend == "sqlite" && config.History.Path == "" {
		config.History.Path = "autopilot-history.db"
	}
	if config.Health.Interval == 0 {
		config.Health = health.DefaultConfig()
	}
	if config.Logs.MaxLogsPerSession == 0 {
		config.Logs = logring.DefaultConfig()
	}
	if config.Sessions.FlushInterval == 0 {
		defaults := sessionstore.DefaultConfig()
		defaults.Path = config.Sessions.Path
		config.Sessions = defaults
	}
	if config.Sessions.Path == "" {
		config.Sessions.Path = "autopilot-sessions.json"
	}
	if config.Server.Host == "" {
		config.Server.Host = "127.0.0.1"
	}
	if config.Server.Port == 0 {
		config.Server.Port = 8420
	}
	if config.Quota.ThrottleDuration == 0 {
		config.Quota.ThrottleDuration = 60 * time.Second
	}
}

// applyEnvOverrides applies the recognized environment keys on top of the
// file contents.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("AUTOPILOT_DEBATE_ROUNDS"); v != "" {
		if rounds, err := strconv.Atoi(v); err == nil && rounds > 0 {
			config.Debate.MaxRounds = rounds
		}
	}
	if v := os.Getenv("AUTOPILOT_CONSENSUS"); v != "" {
		mode := models.ConsensusMode(v)
		if mode.IsValid() {
			config.Debate.Mode = mode
		}
	}
	if v := os.Getenv("AUTOPILOT_SMART_PILOT"); v != "" {
		config.SmartTeam = isTruthy(v)
	}

	for name, aliases := range providerEnvAliases {
		provider := config.Providers[name]
		for _, alias := range aliases {
			if key := os.Getenv(alias + "_API_KEY"); key != "" {
				provider.APIKey = key
				provider.Enabled = true
			}
			if model := os.Getenv(alias + "_MODEL"); model != "" {
				provider.Model = model
			}
		}
		if provider != (ProviderConfig{}) {
			config.Providers[name] = provider
		}
	}
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if c.Debate.MaxRounds <= 0 {
		return fmt.Errorf("debate max_rounds must be positive")
	}
	if !c.Debate.Mode.IsValid() {
		return fmt.Errorf("unknown consensus mode: %s", c.Debate.Mode)
	}
	if c.Debate.Threshold < 0 || c.Debate.Threshold > 1 {
		return fmt.Errorf("debate threshold must be within [0, 1]")
	}
	switch c.History.Backend {
	case "sqlite":
		if c.History.Path == "" {
			return fmt.Errorf("sqlite history backend requires a path")
		}
	case "postgres":
		if c.History.DSN == "" {
			return fmt.Errorf("postgres history backend requires a dsn")
		}
	default:
		return fmt.Errorf("unknown history backend: %s", c.History.Backend)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port out of range: %d", c.Server.Port)
	}
	for name := range c.Providers {
		if _, ok := providerEnvAliases[name]; !ok {
			return fmt.Errorf("unknown provider: %s", name)
		}
	}
	return nil
}

// EnabledProviders returns the providers with credentials, sorted by name
// on the caller's side if order matters.
func (c *Config) EnabledProviders() map[string]ProviderConfig {
	enabled := make(map[string]ProviderConfig)
	for name, provider := range c.Providers {
		if provider.Enabled && provider.APIKey != "" {
			enabled[name] = provider
		}
	}
	return enabled
}
