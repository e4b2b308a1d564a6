// Package config provides configuration management for prochub.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for prochub.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Data       DataConfig       `mapstructure:"data"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	BindAddress  string `mapstructure:"bindAddress"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DataConfig holds persistence configuration.
type DataConfig struct {
	Dir string `mapstructure:"dir"`
}

// PolicyConfig holds the execution allow-lists.
// A single "*" entry in either list accepts everything.
type PolicyConfig struct {
	AllowedCommands    []string `mapstructure:"allowedCommands"`
	AllowedCwdPrefixes []string `mapstructure:"allowedCwdPrefixes"`
}

// SupervisorConfig holds lifecycle timing and buffering configuration.
type SupervisorConfig struct {
	GraceTimeout int `mapstructure:"graceTimeout"` // seconds before TERM during graceful stop
	KillTimeout  int `mapstructure:"killTimeout"`  // seconds before KILL after TERM
	RingSize     int `mapstructure:"ringSize"`     // log ring capacity in bytes
	ShutdownWait int `mapstructure:"shutdownWait"` // seconds to wait for stop-all on exit
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// TelemetryConfig holds OpenTelemetry tracing configuration.
type TelemetryConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sampleRate"`
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

// GraceTimeoutDuration returns the graceful-stop grace period as a time.Duration.
func (s *SupervisorConfig) GraceTimeoutDuration() time.Duration {
	return time.Duration(s.GraceTimeout) * time.Second
}

// KillTimeoutDuration returns the TERM-to-KILL escalation delay as a time.Duration.
func (s *SupervisorConfig) KillTimeoutDuration() time.Duration {
	return time.Duration(s.KillTimeout) * time.Second
}

// ShutdownWaitDuration returns the stop-all bound as a time.Duration.
func (s *SupervisorConfig) ShutdownWaitDuration() time.Duration {
	return time.Duration(s.ShutdownWait) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("PROCHUB_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bindAddress", ":8080")
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Persistence defaults
	v.SetDefault("data.dir", "./data")

	// Policy defaults: nothing is runnable until the operator opts in
	v.SetDefault("policy.allowedCommands", []string{})
	v.SetDefault("policy.allowedCwdPrefixes", []string{})

	// Supervisor defaults
	v.SetDefault("supervisor.graceTimeout", 10)
	v.SetDefault("supervisor.killTimeout", 5)
	v.SetDefault("supervisor.ringSize", 65536)
	v.SetDefault("supervisor.shutdownWait", 15)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "localhost:4318")
	v.SetDefault("telemetry.sampleRate", 1.0)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix PROCHUB_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ./config, or /etc/prochub/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("PROCHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("server.bindAddress", "PROCHUB_BIND_ADDRESS", "PROCHUB_SERVER_BIND_ADDRESS")
	_ = v.BindEnv("data.dir", "PROCHUB_DATA_DIR")
	_ = v.BindEnv("policy.allowedCommands", "PROCHUB_ALLOWED_COMMANDS")
	_ = v.BindEnv("policy.allowedCwdPrefixes", "PROCHUB_ALLOWED_CWD_PREFIXES")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/prochub/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Comma-separated list support for env-provided allow-lists
	cfg.Policy.AllowedCommands = splitCSV(cfg.Policy.AllowedCommands)
	cfg.Policy.AllowedCwdPrefixes = splitCSV(cfg.Policy.AllowedCwdPrefixes)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// splitCSV expands single comma-separated entries into list form,
// as produced by PROCHUB_ALLOWED_COMMANDS="a,b,c".
func splitCSV(values []string) []string {
	out := make([]string, 0, len(values))
	for _, val := range values {
		for _, part := range strings.Split(val, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.BindAddress == "" {
		errs = append(errs, "server.bindAddress is required")
	}
	if cfg.Data.Dir == "" {
		errs = append(errs, "data.dir is required")
	}

	if cfg.Supervisor.GraceTimeout <= 0 {
		errs = append(errs, "supervisor.graceTimeout must be positive")
	}
	if cfg.Supervisor.KillTimeout <= 0 {
		errs = append(errs, "supervisor.killTimeout must be positive")
	}
	if cfg.Supervisor.RingSize <= 0 {
		errs = append(errs, "supervisor.ringSize must be positive")
	}
	if cfg.Supervisor.ShutdownWait <= 0 {
		errs = append(errs, "supervisor.shutdownWait must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if cfg.Telemetry.SampleRate < 0 || cfg.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry.sampleRate must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
