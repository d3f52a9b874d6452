package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tmaklein/campaigner/internal/lock"
	"github.com/tmaklein/campaigner/internal/ratelimit"
)

// Config is the main configuration structure
type Config struct {
	Server    ServerConfig      `yaml:"server"`
	API       APIConfig         `yaml:"api"`
	Storage   StorageConfig     `yaml:"storage"`
	Logging   LoggingConfig     `yaml:"logging"`
	Dispatch  DispatchConfig    `yaml:"dispatch"`
	Monitor   MonitorConfig     `yaml:"monitor"`
	RateLimit *ratelimit.Config `yaml:"rate_limit"`
	Lock      *lock.Config      `yaml:"lock"`
	Channel   ChannelConfig     `yaml:"channel"`
	Sessions  []SessionConfig   `yaml:"sessions"`
}

// ServerConfig contains server-wide settings
type ServerConfig struct {
	Hostname string `yaml:"hostname"` // FQDN of the server
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Max HTTP header size (default: 1MB)
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // HTTP read timeout (default: 30s)
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // HTTP write timeout (default: 30s)
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // HTTP idle timeout (default: 60s)
}

// StorageConfig contains coordination store settings
type StorageConfig struct {
	Path string `yaml:"path"` // bolt file: counters, locks, campaigns, sessions
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DispatchConfig contains dispatch loop settings
type DispatchConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"` // Default: 30s
	BatchSize    int           `yaml:"batch_size"`    // Per campaign per tick (default: 5)
}

// MonitorConfig contains session monitor settings
type MonitorConfig struct {
	Interval time.Duration `yaml:"interval"` // Reconciliation period (default: 5m)
}

// ChannelConfig contains channel client settings
type ChannelConfig struct {
	StoreDir string `yaml:"store_dir"` // Directory for per-session device databases
}

// SessionConfig declares one messaging session the engine should run
type SessionConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Server.Hostname = hostname
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/campaigner/engine.db"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Dispatch.TickInterval == 0 {
		c.Dispatch.TickInterval = 30 * time.Second
	}
	if c.Dispatch.BatchSize == 0 {
		c.Dispatch.BatchSize = 5
	}

	if c.Monitor.Interval == 0 {
		c.Monitor.Interval = 5 * time.Minute
	}

	if c.RateLimit == nil {
		c.RateLimit = &ratelimit.Config{}
	}
	if c.RateLimit.Strategy == "" {
		c.RateLimit.Strategy = ratelimit.FailOpen
	}

	if c.Lock == nil {
		c.Lock = &lock.Config{}
	}
	if c.Lock.TTL == 0 {
		c.Lock.TTL = lock.DefaultTTL
	}
	if c.Lock.Strategy == "" {
		c.Lock.Strategy = lock.FailOpen
	}

	if c.Channel.StoreDir == "" {
		c.Channel.StoreDir = filepath.Dir(c.Storage.Path)
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if c.Dispatch.TickInterval < time.Second {
		return fmt.Errorf("dispatch.tick_interval must be at least 1s")
	}
	if c.Dispatch.BatchSize < 1 {
		return fmt.Errorf("dispatch.batch_size must be at least 1")
	}

	if err := c.validateStrategies(); err != nil {
		return err
	}

	if err := c.validateTiers(); err != nil {
		return err
	}

	return c.validateSessions()
}

func (c *Config) validateStrategies() error {
	switch c.RateLimit.Strategy {
	case ratelimit.FailOpen, ratelimit.FailClosed:
	default:
		return fmt.Errorf("invalid rate_limit.strategy: %s (must be fail_open or fail_closed)", c.RateLimit.Strategy)
	}

	switch c.Lock.Strategy {
	case lock.FailOpen, lock.FailClosed:
	default:
		return fmt.Errorf("invalid lock.strategy: %s (must be fail_open or fail_closed)", c.Lock.Strategy)
	}

	if c.Lock.TTL < time.Second {
		return fmt.Errorf("lock.ttl must be at least 1s")
	}

	return nil
}

func (c *Config) validateTiers() error {
	for name, tier := range c.RateLimit.Tiers {
		if name == "" {
			return fmt.Errorf("empty tier name in rate_limit.tiers")
		}
		if tier.MinInterval < 0 {
			return fmt.Errorf("rate_limit.tiers.%s.min_interval must not be negative", name)
		}
		if tier.MessagesPerHour < 0 || tier.MessagesPerDay < 0 {
			return fmt.Errorf("rate_limit.tiers.%s caps must not be negative", name)
		}
		if tier.MessagesPerDay > 0 && tier.MessagesPerHour > tier.MessagesPerDay {
			return fmt.Errorf("rate_limit.tiers.%s.messages_per_hour exceeds the daily cap", name)
		}
	}
	return nil
}

func (c *Config) validateSessions() error {
	seen := map[string]bool{}
	for i, s := range c.Sessions {
		if s.ID == "" {
			return fmt.Errorf("sessions[%d].id is required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate session id: %s", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// DeviceDSN returns the sqlite DSN of the device database of one session.
func (c *Config) DeviceDSN(sessionID string) string {
	path := filepath.Join(c.Channel.StoreDir, "device-"+sessionID+".db")
	return "file:" + path + "?_foreign_keys=on"
}
