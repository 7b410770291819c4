package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Tradedeck  TradedeckConfig  `yaml:"tradedeck"`
	Venue      VenueConfig      `yaml:"venue"`
	Retry      RetryConfig      `yaml:"retry"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Accounting AccountingConfig `yaml:"accounting"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type TradedeckConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type VenueConfig struct {
	Name    string             `yaml:"name"`
	Stream  VenueStreamConfig  `yaml:"stream"`
	History VenueHistoryConfig `yaml:"history"`
}

type VenueStreamConfig struct {
	URL              string        `yaml:"url"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
}

type VenueHistoryConfig struct {
	URL               string               `yaml:"url"`
	Timeout           time.Duration        `yaml:"timeout"`
	MaxBars           int                  `yaml:"max_bars"`
	RequestsPerSecond float64              `yaml:"requests_per_second"`
	Burst             int                  `yaml:"burst"`
	ConnectionPool    ConnectionPoolConfig `yaml:"connection_pool"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier int           `yaml:"backoff_multiplier"`
}

type ChannelsConfig struct {
	InboundBuffer  int `yaml:"inbound_buffer"`
	OutboundBuffer int `yaml:"outbound_buffer"`
}

type AccountingConfig struct {
	PushInterval   time.Duration `yaml:"push_interval"`
	OversellPolicy string        `yaml:"oversell_policy"`
}

type GatewayConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Address      string `yaml:"address"`
	ClientBuffer int    `yaml:"client_buffer"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Oversell policy values accepted by accounting.oversell_policy.
const (
	OversellIgnore = "ignore"
	OversellShort  = "short"
)

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Venue.Stream.HandshakeTimeout <= 0 {
		cfg.Venue.Stream.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Venue.Stream.WriteTimeout <= 0 {
		cfg.Venue.Stream.WriteTimeout = 5 * time.Second
	}
	if cfg.Venue.Stream.PingInterval <= 0 {
		cfg.Venue.Stream.PingInterval = 20 * time.Second
	}
	if cfg.Venue.History.Timeout <= 0 {
		cfg.Venue.History.Timeout = 10 * time.Second
	}
	if cfg.Venue.History.MaxBars <= 0 || cfg.Venue.History.MaxBars > 1000 {
		cfg.Venue.History.MaxBars = 1000
	}
	if cfg.Venue.History.RequestsPerSecond <= 0 {
		cfg.Venue.History.RequestsPerSecond = 5
	}
	if cfg.Venue.History.Burst <= 0 {
		cfg.Venue.History.Burst = 5
	}
	if cfg.Venue.History.ConnectionPool.MaxIdleConns <= 0 {
		cfg.Venue.History.ConnectionPool.MaxIdleConns = 8
	}
	if cfg.Venue.History.ConnectionPool.MaxConnsPerHost <= 0 {
		cfg.Venue.History.ConnectionPool.MaxConnsPerHost = 8
	}
	if cfg.Venue.History.ConnectionPool.IdleConnTimeout <= 0 {
		cfg.Venue.History.ConnectionPool.IdleConnTimeout = 90 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 5
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry.BaseDelay = time.Second
	}
	if cfg.Retry.MaxDelay <= 0 {
		cfg.Retry.MaxDelay = time.Minute
	}
	if cfg.Retry.BackoffMultiplier <= 0 {
		cfg.Retry.BackoffMultiplier = 2
	}
	if cfg.Channels.InboundBuffer <= 0 {
		cfg.Channels.InboundBuffer = 1024
	}
	if cfg.Channels.OutboundBuffer <= 0 {
		cfg.Channels.OutboundBuffer = 256
	}
	if cfg.Accounting.PushInterval <= 0 {
		cfg.Accounting.PushInterval = time.Second
	}
	if cfg.Accounting.OversellPolicy == "" {
		cfg.Accounting.OversellPolicy = OversellIgnore
	}
	if cfg.Gateway.Address == "" {
		cfg.Gateway.Address = "0.0.0.0:8080"
	}
	if cfg.Gateway.ClientBuffer <= 0 {
		cfg.Gateway.ClientBuffer = 128
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Tradedeck.Name == "" {
		return fmt.Errorf("tradedeck.name is required")
	}

	if cfg.Tradedeck.Version == "" {
		return fmt.Errorf("tradedeck.version is required")
	}

	if cfg.Venue.Name == "" {
		return fmt.Errorf("venue.name is required")
	}

	if cfg.Venue.Stream.URL == "" {
		return fmt.Errorf("venue.stream.url is required")
	}

	if cfg.Venue.History.URL == "" {
		return fmt.Errorf("venue.history.url is required")
	}

	switch cfg.Accounting.OversellPolicy {
	case OversellIgnore, OversellShort:
	default:
		return fmt.Errorf("accounting.oversell_policy '%s' is invalid (want '%s' or '%s')",
			cfg.Accounting.OversellPolicy, OversellIgnore, OversellShort)
	}

	return nil
}
