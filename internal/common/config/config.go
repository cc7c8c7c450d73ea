// Package config provides configuration management for zoid.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for zoid.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Commands CommandsConfig `mapstructure:"commands"`
	Alerts   AlertsConfig   `mapstructure:"alerts"`
	TaskSpec TaskSpecConfig `mapstructure:"taskspec"`
	Events   EventsConfig   `mapstructure:"events"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// StorageConfig holds the filesystem paths for the local stores.
type StorageConfig struct {
	StatePath   string `mapstructure:"statePath"`   // session state, logs, task specs, alerts
	CommandPath string `mapstructure:"commandPath"` // command audit rows
}

// MonitorConfig governs pane capture and stuck detection.
type MonitorConfig struct {
	PollIntervalMs     int      `mapstructure:"pollIntervalMs"`     // reloadable
	StuckCheckInterval int      `mapstructure:"stuckCheckInterval"` // seconds, reloadable
	StuckThreshold     int      `mapstructure:"stuckThreshold"`     // seconds, reloadable
	CaptureLines       int      `mapstructure:"captureLines"`
	CaptureTimeout     int      `mapstructure:"captureTimeout"` // seconds
	Sessions           []string `mapstructure:"sessions"`
	AutoDetect         bool     `mapstructure:"autoDetect"`
}

// CommandsConfig governs the outbound command queue.
type CommandsConfig struct {
	Concurrency       int     `mapstructure:"concurrency"`
	RatePerSecond     float64 `mapstructure:"ratePerSecond"`
	MaxAttempts       int     `mapstructure:"maxAttempts"`
	BackoffBaseMs     int     `mapstructure:"backoffBaseMs"`
	BackoffMultiplier float64 `mapstructure:"backoffMultiplier"`
}

// AlertsConfig governs the alert gate and the outbound notifier.
type AlertsConfig struct {
	Policy            string  `mapstructure:"policy"` // none, batch, rateLimit, exponentialBackoff; reloadable
	RateLimitWindow   int     `mapstructure:"rateLimitWindow"` // seconds, reloadable
	BatchWindow       int     `mapstructure:"batchWindow"`     // seconds
	BackoffBase       int     `mapstructure:"backoffBase"`     // seconds
	BackoffCap        int     `mapstructure:"backoffCap"`      // seconds
	BackoffMultiplier float64 `mapstructure:"backoffMultiplier"`
	DeliveryMode      string  `mapstructure:"deliveryMode"` // system or direct; reloadable
}

// TaskSpecConfig governs task-spec lookup for progress computation.
type TaskSpecConfig struct {
	TTL       int      `mapstructure:"ttl"` // seconds
	Filenames []string `mapstructure:"filenames"`
	Roots     []string `mapstructure:"roots"`
}

// EventsConfig governs the durable event log.
type EventsConfig struct {
	RetainCompleted int `mapstructure:"retainCompleted"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// PollInterval returns the pane poll interval as a time.Duration.
func (m *MonitorConfig) PollInterval() time.Duration {
	return time.Duration(m.PollIntervalMs) * time.Millisecond
}

// StuckCheckIntervalDuration returns the stuck-check period as a time.Duration.
func (m *MonitorConfig) StuckCheckIntervalDuration() time.Duration {
	return time.Duration(m.StuckCheckInterval) * time.Second
}

// StuckThresholdDuration returns the stuck threshold as a time.Duration.
func (m *MonitorConfig) StuckThresholdDuration() time.Duration {
	return time.Duration(m.StuckThreshold) * time.Second
}

// CaptureTimeoutDuration returns the per-capture timeout as a time.Duration.
func (m *MonitorConfig) CaptureTimeoutDuration() time.Duration {
	return time.Duration(m.CaptureTimeout) * time.Second
}

// BackoffBase returns the command retry backoff base as a time.Duration.
func (c *CommandsConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}

// RateLimitWindowDuration returns the alert rate-limit window as a time.Duration.
func (a *AlertsConfig) RateLimitWindowDuration() time.Duration {
	return time.Duration(a.RateLimitWindow) * time.Second
}

// BatchWindowDuration returns the alert batch flush window as a time.Duration.
func (a *AlertsConfig) BatchWindowDuration() time.Duration {
	return time.Duration(a.BatchWindow) * time.Second
}

// BackoffBaseDuration returns the alert backoff base as a time.Duration.
func (a *AlertsConfig) BackoffBaseDuration() time.Duration {
	return time.Duration(a.BackoffBase) * time.Second
}

// BackoffCapDuration returns the alert backoff cap as a time.Duration.
func (a *AlertsConfig) BackoffCapDuration() time.Duration {
	return time.Duration(a.BackoffCap) * time.Second
}

// TTLDuration returns the task-spec cache TTL as a time.Duration.
func (t *TaskSpecConfig) TTLDuration() time.Duration {
	return time.Duration(t.TTL) * time.Second
}

// detectDefaultLogFormat returns "json" for production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("ZOID_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8420)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "zoid")
	v.SetDefault("nats.maxReconnects", 10)

	// Storage defaults - adjacent to the binary
	v.SetDefault("storage.statePath", "./data/zoid.db")
	v.SetDefault("storage.commandPath", "./data/commands.db")

	// Monitor defaults
	v.SetDefault("monitor.pollIntervalMs", 2000)
	v.SetDefault("monitor.stuckCheckInterval", 30)
	v.SetDefault("monitor.stuckThreshold", 300)
	v.SetDefault("monitor.captureLines", 200)
	v.SetDefault("monitor.captureTimeout", 5)
	v.SetDefault("monitor.sessions", []string{})
	v.SetDefault("monitor.autoDetect", true)

	// Command queue defaults
	v.SetDefault("commands.concurrency", 5)
	v.SetDefault("commands.ratePerSecond", 10.0)
	v.SetDefault("commands.maxAttempts", 3)
	v.SetDefault("commands.backoffBaseMs", 2000)
	v.SetDefault("commands.backoffMultiplier", 2.0)

	// Alert gate defaults
	v.SetDefault("alerts.policy", "rateLimit")
	v.SetDefault("alerts.rateLimitWindow", 300)
	v.SetDefault("alerts.batchWindow", 30)
	v.SetDefault("alerts.backoffBase", 60)
	v.SetDefault("alerts.backoffCap", 3600)
	v.SetDefault("alerts.backoffMultiplier", 2.0)
	v.SetDefault("alerts.deliveryMode", "system")

	// Task-spec defaults
	v.SetDefault("taskspec.ttl", 30)
	v.SetDefault("taskspec.filenames", []string{"TASKS.md", "TODO.md", "PLAN.md", "README.md"})
	v.SetDefault("taskspec.roots", []string{})

	// Event log defaults
	v.SetDefault("events.retainCompleted", 100)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ZOID_ with underscore naming.
// Config file should be named config.yaml and placed in the current directory or /etc/zoid/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := newViper(configPath)

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

func newViper(configPath string) *viper.Viper {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ZOID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/zoid/")

	return v
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Storage.StatePath == "" {
		errs = append(errs, "storage.statePath is required")
	}
	if cfg.Storage.CommandPath == "" {
		errs = append(errs, "storage.commandPath is required")
	}

	if cfg.Monitor.PollIntervalMs <= 0 {
		errs = append(errs, "monitor.pollIntervalMs must be positive")
	}
	if cfg.Monitor.StuckThreshold <= 0 {
		errs = append(errs, "monitor.stuckThreshold must be positive")
	}
	if cfg.Monitor.CaptureLines <= 0 {
		errs = append(errs, "monitor.captureLines must be positive")
	}

	if cfg.Commands.Concurrency <= 0 {
		errs = append(errs, "commands.concurrency must be positive")
	}
	if cfg.Commands.MaxAttempts <= 0 {
		errs = append(errs, "commands.maxAttempts must be positive")
	}

	validPolicies := map[string]bool{"none": true, "batch": true, "rateLimit": true, "exponentialBackoff": true}
	if !validPolicies[cfg.Alerts.Policy] {
		errs = append(errs, "alerts.policy must be one of: none, batch, rateLimit, exponentialBackoff")
	}
	validModes := map[string]bool{"system": true, "direct": true}
	if !validModes[cfg.Alerts.DeliveryMode] {
		errs = append(errs, "alerts.deliveryMode must be one of: system, direct")
	}

	if cfg.TaskSpec.TTL <= 0 {
		errs = append(errs, "taskspec.ttl must be positive")
	}
	if cfg.Events.RetainCompleted <= 0 {
		errs = append(errs, "events.retainCompleted must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// Store holds the active configuration and supports runtime reload of the
// reloadable subset (poll interval, stuck threshold, alert policy and
// windows, notifier delivery mode). Components read through Current so a
// reload takes effect on their next tick.
type Store struct {
	path    string
	current atomic.Pointer[Config]
}

// NewStore creates a Store seeded with the given configuration.
func NewStore(path string, cfg *Config) *Store {
	s := &Store{path: path}
	s.current.Store(cfg)
	return s
}

// Current returns the active configuration snapshot.
func (s *Store) Current() *Config {
	return s.current.Load()
}

// Reload re-reads the configuration sources and swaps in the result.
// Non-reloadable sections (server, storage, nats) keep their original
// values; changing them requires a restart.
func (s *Store) Reload() (*Config, error) {
	fresh, err := LoadWithPath(s.path)
	if err != nil {
		return nil, err
	}
	old := s.current.Load()
	fresh.Server = old.Server
	fresh.Storage = old.Storage
	fresh.NATS = old.NATS
	s.current.Store(fresh)
	return fresh, nil
}
