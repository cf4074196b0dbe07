// Package config provides configuration management for the freqsearch backtest scheduler.
package config

import (
	"fmt"
)

// Config represents the complete application configuration
type Config struct {
	App           AppConfig           `mapstructure:"app" validate:"required"`
	Database      DatabaseConfig      `mapstructure:"database" validate:"required"`
	Redis         RedisConfig         `mapstructure:"redis" validate:"required"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler" validate:"required"`
	Sandbox       SandboxConfig       `mapstructure:"sandbox" validate:"required"`
	API           APIConfig           `mapstructure:"api" validate:"required"`
	StrategyFiles StrategyFilesConfig `mapstructure:"strategy_files"`
	Metrics       MetricsConfig       `mapstructure:"metrics" validate:"required"`
	Health        HealthConfig        `mapstructure:"health" validate:"required"`
}

// AppConfig represents application-level configuration
type AppConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Environment string `mapstructure:"environment" validate:"required,environment"`
	LogLevel    string `mapstructure:"log_level" validate:"required,loglevel"`
}

// DatabaseConfig represents database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host" validate:"required"`
	Port               int    `mapstructure:"port" validate:"required,min=1,max=65535"`
	Name               string `mapstructure:"name" validate:"required"`
	User               string `mapstructure:"user" validate:"required"`
	Password           string `mapstructure:"password" validate:"required"`
	SSLMode            string `mapstructure:"ssl_mode" validate:"required,oneof=disable require verify-full"`
	MaxConnections     int    `mapstructure:"max_connections" validate:"required,gt=0"`
	MaxIdleConnections int    `mapstructure:"max_idle_connections" validate:"required,gt=0"`
}

// RedisConfig represents the message bus connection and stream layout
type RedisConfig struct {
	Host                string `mapstructure:"host" validate:"required"`
	Port                int    `mapstructure:"port" validate:"required,min=1,max=65535"`
	Password            string `mapstructure:"password"`
	DB                  int    `mapstructure:"db" validate:"gte=0"`
	ReadyStream         string `mapstructure:"ready_stream" validate:"required"`
	CompletedStream     string `mapstructure:"completed_stream" validate:"required"`
	FailedStream        string `mapstructure:"failed_stream" validate:"required"`
	ConsumerGroup       string `mapstructure:"consumer_group" validate:"required"`
	BlockTimeoutSeconds int    `mapstructure:"block_timeout_seconds" validate:"required,gt=0"`
	ClaimMinIdleSeconds int    `mapstructure:"claim_min_idle_seconds" validate:"required,gt=0"`
}

// SchedulerConfig represents admission control and retry configuration
type SchedulerConfig struct {
	MaxConcurrentBacktests    int `mapstructure:"max_concurrent_backtests" validate:"required,gt=0"`
	PollIntervalSeconds       int `mapstructure:"poll_interval_seconds" validate:"required,gt=0"`
	JobTimeoutMinutes         int `mapstructure:"job_timeout_minutes" validate:"required,gt=0"`
	MaxRetries                int `mapstructure:"max_retries" validate:"gte=0"`
	RetryBackoffSeconds       int `mapstructure:"retry_backoff_seconds" validate:"required,gt=0"`
	ShutdownTimeoutSeconds    int `mapstructure:"shutdown_timeout_seconds" validate:"required,gt=0"`
	EventSweepIntervalSeconds int `mapstructure:"event_sweep_interval_seconds" validate:"required,gt=0"`
}

// SandboxConfig represents the containerized execution environment
type SandboxConfig struct {
	Driver                   string  `mapstructure:"driver" validate:"required,oneof=docker stub"`
	Image                    string  `mapstructure:"image" validate:"required,image_ref"`
	CPULimit                 float64 `mapstructure:"cpu_limit" validate:"required,gt=0"`
	MemoryLimitMB            int64   `mapstructure:"memory_limit_mb" validate:"required,gte=128"`
	RunTimeoutMinutes        int     `mapstructure:"run_timeout_minutes" validate:"required,gt=0"`
	CancelGracePeriodSeconds int     `mapstructure:"cancel_grace_period_seconds" validate:"required,gt=0"`
	MarketDataPath           string  `mapstructure:"market_data_path" validate:"required"`
	StrategiesPath           string  `mapstructure:"strategies_path" validate:"required"`
	WorkspaceDir             string  `mapstructure:"workspace_dir" validate:"required"`
	KeepFailedWorkspaces     bool    `mapstructure:"keep_failed_workspaces"`
	MaxLogBytes              int64   `mapstructure:"max_log_bytes" validate:"required,gt=0"`
}

// APIConfig represents the REST gateway configuration
type APIConfig struct {
	Port                 int `mapstructure:"port" validate:"required,min=1,max=65535"`
	ReadTimeoutSeconds   int `mapstructure:"read_timeout_seconds" validate:"required,gt=0"`
	WriteTimeoutSeconds  int `mapstructure:"write_timeout_seconds" validate:"required,gt=0"`
	StatsCacheTTLSeconds int `mapstructure:"stats_cache_ttl_seconds" validate:"required,gt=0"`
}

// StrategyFilesConfig represents the strategy source provider
type StrategyFilesConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	BaseURL           string  `mapstructure:"base_url" validate:"omitempty,url"`
	APIKey            string  `mapstructure:"api_key"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"omitempty,gt=0"`
	Burst             int     `mapstructure:"burst" validate:"omitempty,gt=0"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds" validate:"omitempty,gt=0"`
	CacheTTLSeconds   int     `mapstructure:"cache_ttl_seconds" validate:"omitempty,gt=0"`
}

// MetricsConfig represents metrics and monitoring configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port" validate:"required,min=1,max=65535"`
	Path    string `mapstructure:"path" validate:"required"`
}

// HealthConfig represents the health endpoint configuration
type HealthConfig struct {
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`
}

// IsDevelopment checks if the application is running in development mode
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsStaging checks if the application is running in staging mode
func (c *Config) IsStaging() bool {
	return c.App.Environment == "staging"
}

// IsProduction checks if the application is running in production mode
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// GetDatabaseDSN returns a PostgreSQL DSN string
func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// GetRedisAddr returns the host:port address of the message bus
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}
