// Package config provides configuration management for the Drone Hub.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the hub.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Registry RegistryConfig `mapstructure:"registry"`
	DVM      DVMConfig      `mapstructure:"dvm"`
	Daemon   DaemonConfig   `mapstructure:"daemon"`
	Workers  WorkersConfig  `mapstructure:"workers"`
	Agents   AgentsConfig   `mapstructure:"agents"`
	LLM      LLMConfig      `mapstructure:"llm"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	ReadTimeout    int      `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout   int      `mapstructure:"writeTimeout"` // in seconds
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
}

// AuthConfig holds API authentication configuration.
type AuthConfig struct {
	// APIToken is the single bearer token accepted by the HTTP surface.
	// Empty disables authentication (local development).
	APIToken string `mapstructure:"apiToken"`
}

// RegistryConfig holds registry file configuration.
type RegistryConfig struct {
	// Path is the location of the registry JSON document.
	Path string `mapstructure:"path"`
}

// DVMConfig holds configuration for the external container CLI.
type DVMConfig struct {
	// Binary is the dvm executable name or path.
	Binary string `mapstructure:"binary"`
	// CreateTimeout bounds drone create/import invocations, in milliseconds.
	CreateTimeout int `mapstructure:"createTimeoutMs"`
	// RepoSeedTimeout bounds repo seeding, in milliseconds.
	RepoSeedTimeout int `mapstructure:"repoSeedTimeoutMs"`
}

// DaemonConfig holds configuration for talking to the in-container daemon.
type DaemonConfig struct {
	// ReadyTimeout is the default daemon readiness deadline, in milliseconds.
	ReadyTimeout int `mapstructure:"readyTimeoutMs"`
	// SeedBootstrapTimeout is the readiness deadline for seed prompts, in
	// milliseconds.
	SeedBootstrapTimeout int `mapstructure:"seedBootstrapTimeoutMs"`
	// PromptEnqueueTimeout is the total prompt submission deadline, in
	// milliseconds.
	PromptEnqueueTimeout int `mapstructure:"promptEnqueueTimeoutMs"`
}

// WorkersConfig holds bounded worker pool sizes.
type WorkersConfig struct {
	Provision         int `mapstructure:"provision"`
	Reconcile         int `mapstructure:"reconcile"`
	PendingPromptPump int `mapstructure:"pendingPromptPump"`
}

// AgentsConfig holds the agent CLI command overrides.
type AgentsConfig struct {
	AgentCmd    string `mapstructure:"agentCmd"`
	CursorCmd   string `mapstructure:"cursorCmd"`
	CodexCmd    string `mapstructure:"codexCmd"`
	ClaudeCmd   string `mapstructure:"claudeCmd"`
	OpenCodeCmd string `mapstructure:"opencodeCmd"`
	ShellCmd    string `mapstructure:"shellCmd"`
}

// LLMConfig holds LLM provider selection and model overrides.
type LLMConfig struct {
	Provider       string `mapstructure:"provider"` // openai, gemini, or empty
	OpenAIAPIKey   string `mapstructure:"openaiApiKey"`
	GeminiAPIKey   string `mapstructure:"geminiApiKey"`
	TLDRModel      string `mapstructure:"tldrModel"`
	JobsModel      string `mapstructure:"jobsModel"`
	DroneNameModel string `mapstructure:"droneNameModel"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ReadyTimeoutDuration returns the daemon ready deadline as a time.Duration.
func (d *DaemonConfig) ReadyTimeoutDuration() time.Duration {
	return time.Duration(d.ReadyTimeout) * time.Millisecond
}

// SeedBootstrapTimeoutDuration returns the seed readiness deadline.
func (d *DaemonConfig) SeedBootstrapTimeoutDuration() time.Duration {
	return time.Duration(d.SeedBootstrapTimeout) * time.Millisecond
}

// PromptEnqueueTimeoutDuration returns the prompt enqueue deadline.
func (d *DaemonConfig) PromptEnqueueTimeoutDuration() time.Duration {
	return time.Duration(d.PromptEnqueueTimeout) * time.Millisecond
}

// CreateTimeoutDuration returns the drone create/import deadline.
func (c *DVMConfig) CreateTimeoutDuration() time.Duration {
	return time.Duration(c.CreateTimeout) * time.Millisecond
}

// RepoSeedTimeoutDuration returns the repo seed deadline.
func (c *DVMConfig) RepoSeedTimeoutDuration() time.Duration {
	return time.Duration(c.RepoSeedTimeout) * time.Millisecond
}

func detectDefaultLogFormat() string {
	if env := os.Getenv("DRONEHUB_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8790)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.allowedOrigins", []string{})

	v.SetDefault("auth.apiToken", "")

	v.SetDefault("registry.path", defaultRegistryPath())

	v.SetDefault("dvm.binary", "dvm")
	v.SetDefault("dvm.createTimeoutMs", 600_000)
	v.SetDefault("dvm.repoSeedTimeoutMs", 300_000)

	v.SetDefault("daemon.readyTimeoutMs", 20_000)
	v.SetDefault("daemon.seedBootstrapTimeoutMs", 120_000)
	v.SetDefault("daemon.promptEnqueueTimeoutMs", 180_000)

	v.SetDefault("workers.provision", 3)
	v.SetDefault("workers.reconcile", 6)
	v.SetDefault("workers.pendingPromptPump", 6)

	v.SetDefault("agents.agentCmd", "")
	v.SetDefault("agents.cursorCmd", "")
	v.SetDefault("agents.codexCmd", "")
	v.SetDefault("agents.claudeCmd", "")
	v.SetDefault("agents.opencodeCmd", "")
	v.SetDefault("agents.shellCmd", "")

	v.SetDefault("llm.provider", "")
	v.SetDefault("llm.openaiApiKey", "")
	v.SetDefault("llm.geminiApiKey", "")
	v.SetDefault("llm.tldrModel", "")
	v.SetDefault("llm.jobsModel", "")
	v.SetDefault("llm.droneNameModel", "")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

func defaultRegistryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./drone-hub.json"
	}
	return home + "/.drone-hub/registry.json"
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix DRONEHUB_; the historical
// DRONE_HUB_* variables are bound explicitly.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or the default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("DRONEHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Historical env var names predate the viper config surface; keep them
	// working alongside the DRONEHUB_ prefix.
	_ = v.BindEnv("daemon.readyTimeoutMs", "DRONE_HUB_DAEMON_READY_TIMEOUT_MS")
	_ = v.BindEnv("daemon.seedBootstrapTimeoutMs", "DRONE_HUB_SEED_BOOTSTRAP_TIMEOUT_MS")
	_ = v.BindEnv("daemon.promptEnqueueTimeoutMs", "DRONE_HUB_PROMPT_ENQUEUE_TIMEOUT_MS")
	_ = v.BindEnv("dvm.repoSeedTimeoutMs", "DRONE_HUB_REPO_SEED_TIMEOUT_MS")
	_ = v.BindEnv("workers.provision", "DRONE_HUB_PROVISION_CONCURRENCY")
	_ = v.BindEnv("workers.reconcile", "DRONE_HUB_RECONCILE_CONCURRENCY")
	_ = v.BindEnv("workers.pendingPromptPump", "DRONE_HUB_PENDING_PROMPT_PUMP_CONCURRENCY")
	_ = v.BindEnv("agents.agentCmd", "DRONE_HUB_AGENT_CMD")
	_ = v.BindEnv("agents.cursorCmd", "DRONE_HUB_CURSOR_CMD")
	_ = v.BindEnv("agents.codexCmd", "DRONE_HUB_CODEX_CMD")
	_ = v.BindEnv("agents.claudeCmd", "DRONE_HUB_CLAUDE_CMD")
	_ = v.BindEnv("agents.opencodeCmd", "DRONE_HUB_OPENCODE_CMD")
	_ = v.BindEnv("agents.shellCmd", "DRONE_HUB_SHELL_CMD")
	_ = v.BindEnv("llm.provider", "DRONE_HUB_LLM_PROVIDER")
	_ = v.BindEnv("llm.openaiApiKey", "OPENAI_API_KEY")
	_ = v.BindEnv("llm.geminiApiKey", "GEMINI_API_KEY")
	_ = v.BindEnv("llm.tldrModel", "DRONE_HUB_TLDR_MODEL")
	_ = v.BindEnv("llm.jobsModel", "DRONE_HUB_JOBS_MODEL")
	_ = v.BindEnv("llm.droneNameModel", "DRONE_HUB_DRONE_NAME_MODEL")
	_ = v.BindEnv("auth.apiToken", "DRONE_HUB_API_TOKEN")
	_ = v.BindEnv("registry.path", "DRONE_HUB_REGISTRY_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/drone-hub/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// validate checks required fields and clamps tunables into their supported
// ranges rather than rejecting out-of-range values.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	cfg.Daemon.ReadyTimeout = clampInt(cfg.Daemon.ReadyTimeout, 1_000, 120_000)
	if cfg.Daemon.SeedBootstrapTimeout < 120_000 {
		cfg.Daemon.SeedBootstrapTimeout = 120_000
	}
	if cfg.Daemon.PromptEnqueueTimeout < 30_000 {
		cfg.Daemon.PromptEnqueueTimeout = 180_000
	}

	cfg.Workers.Provision = clampInt(cfg.Workers.Provision, 1, 16)
	if cfg.Workers.Reconcile <= 0 {
		cfg.Workers.Reconcile = 6
	}
	if cfg.Workers.PendingPromptPump <= 0 {
		cfg.Workers.PendingPromptPump = 6
	}

	switch strings.ToLower(cfg.LLM.Provider) {
	case "", "openai", "gemini":
	default:
		errs = append(errs, "llm.provider must be one of: openai, gemini")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if cfg.Registry.Path == "" {
		errs = append(errs, "registry.path is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
