// Package config provides configuration management for hAIvemind.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for hAIvemind's orchestration core.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Workspace  WorkspaceConfig  `mapstructure:"workspace"`
	ModelTiers ModelTiersConfig `mapstructure:"modelTiers"`
	Admission  AdmissionConfig  `mapstructure:"admission"`
	Timeouts   TimeoutsConfig   `mapstructure:"timeouts"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Events     EventsConfig     `mapstructure:"events"`
	Docker     DockerConfig     `mapstructure:"docker"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds the REST seed's HTTP bind configuration. The
// orchestration core itself does not listen on a socket; this section
// exists for cmd/haivemind's optional REST surface.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// WorkspaceConfig locates the on-disk project/session store.
type WorkspaceConfig struct {
	Root string `mapstructure:"root"`
}

// ModelTiersConfig holds the deterministic models[tier][retryIndex] table
// used for tier escalation on retry.
type ModelTiersConfig struct {
	// Models maps a tier name (T0..T3) to the ordered list of models tried
	// at successive retry indices within that tier.
	Models map[string][]string `mapstructure:"models"`
}

// ModelFor returns the model to use for the given tier and 0-based retry
// index within that tier. It clamps to the last entry once the retry
// index exceeds the configured list, so a tier never runs out of models.
func (m ModelTiersConfig) ModelFor(tier string, retryIndex int) (string, bool) {
	models, ok := m.Models[tier]
	if !ok || len(models) == 0 {
		return "", false
	}
	if retryIndex >= len(models) {
		retryIndex = len(models) - 1
	}
	return models[retryIndex], true
}

// AdmissionConfig holds concurrency and cost admission-control defaults.
// Individual projects may override these via their Settings.
type AdmissionConfig struct {
	MaxConcurrency  int `mapstructure:"maxConcurrency"`
	CostCeiling     int `mapstructure:"costCeiling"` // 0 means unlimited
	MaxRetriesTotal int `mapstructure:"maxRetriesTotal"`
}

// TimeoutsConfig holds per-attempt timeout defaults in milliseconds.
type TimeoutsConfig struct {
	AgentTimeoutMs        int `mapstructure:"agentTimeoutMs"`
	OrchestratorTimeoutMs int `mapstructure:"orchestratorTimeoutMs"`
}

// AgentTimeout returns the agent attempt timeout as a time.Duration.
func (t TimeoutsConfig) AgentTimeout() time.Duration {
	return time.Duration(t.AgentTimeoutMs) * time.Millisecond
}

// OrchestratorTimeout returns the oracle call timeout as a time.Duration.
func (t TimeoutsConfig) OrchestratorTimeout() time.Duration {
	return time.Duration(t.OrchestratorTimeoutMs) * time.Millisecond
}

// CheckpointConfig holds the checkpoint subsystem's flush cadence and
// on-disk location.
type CheckpointConfig struct {
	IntervalMs int    `mapstructure:"intervalMs"`
	Dir        string `mapstructure:"dir"`
}

// Interval returns the checkpoint flush cadence as a time.Duration.
func (c CheckpointConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// EventsConfig holds event bus namespace and transport configuration.
type EventsConfig struct {
	// Namespace prefixes the NATS project subjects, isolating deployments/instances.
	Namespace string `mapstructure:"namespace"`

	// NATS, when set, selects the NATS-backed bus for multi-process fan-out.
	// Empty means the in-memory bus.
	NATS NATSConfig `mapstructure:"nats"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client configuration for the Docker-backed
// agent runtime.
type DockerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Image   string `mapstructure:"image"`
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

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("HAIVEMIND_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("workspace.root", ".haivemind-workspace")

	v.SetDefault("modelTiers.models", map[string][]string{
		"T0": {"mock-fast-0", "mock-fast-1"},
		"T1": {"mock-standard-0", "mock-standard-1"},
		"T2": {"mock-capable-0", "mock-capable-1"},
		"T3": {"mock-frontier-0", "mock-frontier-1"},
	})

	v.SetDefault("admission.maxConcurrency", 3)
	v.SetDefault("admission.costCeiling", 0)
	v.SetDefault("admission.maxRetriesTotal", 3)

	v.SetDefault("timeouts.agentTimeoutMs", 300_000)
	v.SetDefault("timeouts.orchestratorTimeoutMs", 300_000)

	v.SetDefault("checkpoint.intervalMs", 10_000)
	v.SetDefault("checkpoint.dir", ".haivemind-workspace/checkpoints")

	v.SetDefault("events.namespace", "")
	v.SetDefault("events.nats.url", "")
	v.SetDefault("events.nats.clientId", "haivemind-core")
	v.SetDefault("events.nats.maxReconnects", 10)

	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", defaultDockerHost())
	v.SetDefault("docker.image", "haivemind/agent-runner:latest")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// defaultDockerHost returns the platform-appropriate Docker socket path.
// Respects DOCKER_HOST env var as override (standard Docker convention).
func defaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	return "unix:///var/run/docker.sock"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix HAIVEMIND_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/haivemind/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("HAIVEMIND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("logging.level", "HAIVEMIND_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "HAIVEMIND_EVENTS_NAMESPACE")
	_ = v.BindEnv("events.nats.url", "HAIVEMIND_NATS_URL")
	_ = v.BindEnv("workspace.root", "HAIVEMIND_WORKSPACE_ROOT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/haivemind/")

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

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Admission.MaxConcurrency < 1 {
		errs = append(errs, "admission.maxConcurrency must be at least 1")
	}
	if cfg.Admission.MaxRetriesTotal < 0 {
		errs = append(errs, "admission.maxRetriesTotal must be non-negative")
	}
	if cfg.Admission.CostCeiling < 0 {
		errs = append(errs, "admission.costCeiling must be non-negative (0 means unlimited)")
	}

	if cfg.Timeouts.AgentTimeoutMs <= 0 {
		errs = append(errs, "timeouts.agentTimeoutMs must be positive")
	}
	if cfg.Timeouts.OrchestratorTimeoutMs <= 0 {
		errs = append(errs, "timeouts.orchestratorTimeoutMs must be positive")
	}

	if cfg.Checkpoint.IntervalMs <= 0 {
		errs = append(errs, "checkpoint.intervalMs must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	for tier := range cfg.ModelTiers.Models {
		switch tier {
		case "T0", "T1", "T2", "T3":
		default:
			errs = append(errs, fmt.Sprintf("modelTiers.models has unknown tier %q", tier))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
