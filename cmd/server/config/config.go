// Package config provides configuration structures for the MySQL MCP server.
package config

import (
	"fmt"
	"time"
)

// Config represents the server configuration.
type Config struct {
	LogLevel        string        `yaml:"log_level" json:"log_level"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`

	// Database target
	Database DatabaseConfig `yaml:"database" json:"database"`

	// Query policy
	Query QueryConfig `yaml:"query" json:"query"`

	// Proxy policy
	Proxy ProxyConfig `yaml:"proxy" json:"proxy"`

	// Metrics configuration
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// DatabaseConfig represents the database target.
type DatabaseConfig struct {
	Host           string        `yaml:"host" json:"host"`
	Port           int           `yaml:"port" json:"port"`
	User           string        `yaml:"user" json:"user"`
	Password       string        `yaml:"password" json:"password"`
	Name           string        `yaml:"name" json:"name"`
	PoolSize       int           `yaml:"pool_size" json:"pool_size"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
}

// QueryConfig represents the query execution policy.
type QueryConfig struct {
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	MaxRows int           `yaml:"max_rows" json:"max_rows"`
}

// ProxyConfig represents the Cloud SQL proxy policy.
type ProxyConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	Instance        string        `yaml:"instance" json:"instance"`
	Port            int           `yaml:"port" json:"port"`
	CredentialsFile string        `yaml:"credentials_file" json:"credentials_file"`
	BinaryPath      string        `yaml:"binary_path" json:"binary_path"`
	AutoDownload    bool          `yaml:"auto_download" json:"auto_download"`
	StartupTimeout  time.Duration `yaml:"startup_timeout" json:"startup_timeout"`
	Version         string        `yaml:"version" json:"version"`
}

// MetricsConfig represents metrics configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:        "info",
		ShutdownTimeout: 10 * time.Second,
		Database: DatabaseConfig{
			Host:           "127.0.0.1",
			Port:           3306,
			User:           "root",
			PoolSize:       10,
			ConnectTimeout: 10 * time.Second,
		},
		Query: QueryConfig{
			Timeout: 30 * time.Second,
			MaxRows: 1000,
		},
		Proxy: ProxyConfig{
			Enabled:        false,
			Port:           3307,
			AutoDownload:   true,
			StartupTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9090",
		},
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Database.Name == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Database.PoolSize <= 0 {
		return fmt.Errorf("pool size must be positive, got %d", c.Database.PoolSize)
	}
	if c.Query.MaxRows <= 0 {
		return fmt.Errorf("query max rows must be positive, got %d", c.Query.MaxRows)
	}
	if c.Query.Timeout <= 0 {
		return fmt.Errorf("query timeout must be positive, got %s", c.Query.Timeout)
	}
	if c.Proxy.Enabled {
		if c.Proxy.Instance == "" {
			return fmt.Errorf("proxy instance connection name is required when the proxy is enabled")
		}
		if c.Proxy.Port <= 0 || c.Proxy.Port > 65535 {
			return fmt.Errorf("proxy port %d out of range", c.Proxy.Port)
		}
	}
	return nil
}
