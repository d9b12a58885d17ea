// ABOUTME: Configuration loading and parsing for mallchat-server
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete mallchat-server configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  DatabaseConfig  `yaml:"database"`
	Relay     RelayConfig     `yaml:"relay"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Routing   RoutingConfig   `yaml:"routing"`
	Workers   WorkersConfig   `yaml:"workers"`
	PushRetry PushRetryConfig `yaml:"push_retry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration.
// InstanceAddr is the address advertised to peer instances for relay
// traffic; it must be reachable from every other instance in the cluster.
type ServerConfig struct {
	HTTPAddr     string `yaml:"http_addr"`
	InstanceAddr string `yaml:"instance_addr"`
}

// RedisConfig holds the shared Redis store configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RelayConfig selects and configures the cross-instance relay protocol
type RelayConfig struct {
	Protocol string      `yaml:"protocol"`
	Secret   string      `yaml:"secret"`
	Kafka    KafkaConfig `yaml:"kafka"`

	SendTimeout time.Duration `yaml:"-"`

	SendTimeoutRaw string `yaml:"send_timeout"`
}

// KafkaConfig holds broker settings for the kafka relay protocol
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// SessionsConfig holds session registry timing configuration
type SessionsConfig struct {
	TTL time.Duration `yaml:"-"`

	TTLRaw string `yaml:"ttl"`
}

// RoutingConfig holds agent routing configuration
type RoutingConfig struct {
	BindCacheTTL time.Duration `yaml:"-"`

	BindCacheTTLRaw string `yaml:"bind_cache_ttl"`
}

// WorkersConfig bounds the conversation-processing worker pool
type WorkersConfig struct {
	Size  int `yaml:"size"`
	Queue int `yaml:"queue"`
}

// PushRetryConfig drives the undelivered-message re-push job
type PushRetryConfig struct {
	Schedule    string `yaml:"schedule"`
	MaxAttempts int    `yaml:"max_attempts"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when the corresponding config values are absent.
const (
	DefaultSessionTTL   = 300 * time.Second
	DefaultBindCacheTTL = 300 * time.Second
	DefaultSendTimeout  = 3 * time.Second
	DefaultWorkerSize   = 8
	DefaultWorkerQueue  = 64
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Server.InstanceAddr == "" {
		return fmt.Errorf("server.instance_addr is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Relay.Protocol == "" {
		return fmt.Errorf("relay.protocol is required")
	}
	if c.Relay.Protocol == "kafka" {
		if len(c.Relay.Kafka.Brokers) == 0 {
			return fmt.Errorf("relay.kafka.brokers is required when relay.protocol is kafka")
		}
		if c.Relay.Kafka.Topic == "" {
			return fmt.Errorf("relay.kafka.topic is required when relay.protocol is kafka")
		}
	}
	return nil
}

// applyDefaults fills in zero-valued fields with their defaults
func (c *Config) applyDefaults() {
	if c.Sessions.TTL == 0 {
		c.Sessions.TTL = DefaultSessionTTL
	}
	if c.Routing.BindCacheTTL == 0 {
		c.Routing.BindCacheTTL = DefaultBindCacheTTL
	}
	if c.Relay.SendTimeout == 0 {
		c.Relay.SendTimeout = DefaultSendTimeout
	}
	if c.Workers.Size == 0 {
		c.Workers.Size = DefaultWorkerSize
	}
	if c.Workers.Queue == 0 {
		c.Workers.Queue = DefaultWorkerQueue
	}
	if c.PushRetry.Schedule == "" {
		c.PushRetry.Schedule = "@every 1m"
	}
	if c.PushRetry.MaxAttempts == 0 {
		c.PushRetry.MaxAttempts = 3
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Sessions.TTLRaw != "" {
		cfg.Sessions.TTL, err = time.ParseDuration(cfg.Sessions.TTLRaw)
		if err != nil {
			return fmt.Errorf("parsing sessions.ttl %q: %w", cfg.Sessions.TTLRaw, err)
		}
	}

	if cfg.Routing.BindCacheTTLRaw != "" {
		cfg.Routing.BindCacheTTL, err = time.ParseDuration(cfg.Routing.BindCacheTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing routing.bind_cache_ttl %q: %w", cfg.Routing.BindCacheTTLRaw, err)
		}
	}

	if cfg.Relay.SendTimeoutRaw != "" {
		cfg.Relay.SendTimeout, err = time.ParseDuration(cfg.Relay.SendTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing relay.send_timeout %q: %w", cfg.Relay.SendTimeoutRaw, err)
		}
	}

	return nil
}
