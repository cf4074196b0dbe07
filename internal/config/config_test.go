// Package config provides configuration management for the freqsearch backtest scheduler.
package config

import (
	"os"
	"strings"
	"testing"
)

const (
	validConfigPath              = "testdata/valid_config.yaml"
	expansionConfigPath          = "testdata/expansion_config.yaml"
	nonexistentConfigPath        = "testdata/nonexistent_config.yaml"
	expectedNoErrorLoadingConfig = "expected no error loading config, got %v"
	expectedNoErrorMsg           = "expected no error, got %v"
	developmentEnv               = "development"
	testDBPassword               = "TEST_DB_PASSWORD"
	expandedSecretValue          = "expanded_secret_value"
)

// TestLoadConfigSuccess tests loading a valid configuration file
func TestLoadConfigSuccess(t *testing.T) {
	cfg, err := Load(validConfigPath)
	if err != nil {
		t.Fatalf(expectedNoErrorMsg, err)
	}

	if cfg == nil {
		t.Fatal("expected non-nil config")
	}

	if cfg.App.Name != "freqsearch-backtestd" {
		t.Errorf("expected app name 'freqsearch-backtestd', got '%s'", cfg.App.Name)
	}

	if cfg.App.Environment != developmentEnv {
		t.Errorf("expected environment '%s', got '%s'", developmentEnv, cfg.App.Environment)
	}

	if cfg.Scheduler.MaxConcurrentBacktests != 2 {
		t.Errorf("expected 2 execution slots, got %d", cfg.Scheduler.MaxConcurrentBacktests)
	}

	if cfg.Sandbox.Image != "freqsearch/sandbox:latest" {
		t.Errorf("unexpected sandbox image '%s'", cfg.Sandbox.Image)
	}

	if cfg.Redis.ReadyStream != "strategy.ready_for_backtest" {
		t.Errorf("unexpected ready stream '%s'", cfg.Redis.ReadyStream)
	}
}

// TestLoadConfigFileNotFound tests handling of missing configuration file
func TestLoadConfigFileNotFound(t *testing.T) {
	_, err := Load(nonexistentConfigPath)
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

// TestLoadConfigEnvironmentVariables tests environment variable override
func TestLoadConfigEnvironmentVariables(t *testing.T) {
	os.Setenv("FREQSEARCH_APP_NAME", "override-name")
	defer os.Unsetenv("FREQSEARCH_APP_NAME")

	cfg, err := Load(validConfigPath)
	if err != nil {
		t.Fatalf(expectedNoErrorMsg, err)
	}

	if cfg.App.Name != "override-name" {
		t.Errorf("expected app name 'override-name' from environment, got '%s'", cfg.App.Name)
	}
}

// TestLoadConfigEnvironmentVariableExpansion tests ${VAR} expansion in the file
func TestLoadConfigEnvironmentVariableExpansion(t *testing.T) {
	os.Setenv(testDBPassword, expandedSecretValue)
	defer os.Unsetenv(testDBPassword)

	cfg, err := Load(expansionConfigPath)
	if err != nil {
		t.Fatalf("expected no error loading config with expansion, got %v", err)
	}

	if cfg.Database.Password != expandedSecretValue {
		t.Errorf("expected password '%s' from environment expansion, got '%s'", expandedSecretValue, cfg.Database.Password)
	}
}

// TestLoadWithDefaultsMissingFile tests defaults when no file is present
func TestLoadWithDefaultsMissingFile(t *testing.T) {
	cfg, err := LoadWithDefaults(nonexistentConfigPath)
	if err != nil {
		t.Fatalf(expectedNoErrorMsg, err)
	}

	if cfg.Scheduler.MaxConcurrentBacktests != 2 {
		t.Errorf("expected default slot count 2, got %d", cfg.Scheduler.MaxConcurrentBacktests)
	}
	if cfg.Sandbox.Driver != "docker" {
		t.Errorf("expected default sandbox driver 'docker', got '%s'", cfg.Sandbox.Driver)
	}
}

// TestValidateSuccess tests validation of a valid configuration
func TestValidateSuccess(t *testing.T) {
	cfg, err := Load(validConfigPath)
	if err != nil {
		t.Fatalf(expectedNoErrorLoadingConfig, err)
	}

	if err := Validate(cfg); err != nil {
		t.Fatalf("expected no validation error, got %v", err)
	}
}

// TestValidateInvalidEnvironment tests validation of invalid environment
func TestValidateInvalidEnvironment(t *testing.T) {
	cfg, err := Load(validConfigPath)
	if err != nil {
		t.Fatalf(expectedNoErrorLoadingConfig, err)
	}

	cfg.App.Environment = "invalid"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for invalid environment")
	}
}

// TestValidateInvalidImage tests validation of the sandbox image reference
func TestValidateInvalidImage(t *testing.T) {
	cfg, err := Load(validConfigPath)
	if err != nil {
		t.Fatalf(expectedNoErrorLoadingConfig, err)
	}

	cfg.Sandbox.Image = "Not A Valid Image!!"
	err = Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error for invalid image reference")
	}
	if !strings.Contains(err.Error(), "Image") {
		t.Errorf("expected image validation error, got: %v", err)
	}
}

// TestValidatePortCollision tests the port uniqueness cross-check
func TestValidatePortCollision(t *testing.T) {
	cfg, err := Load(validConfigPath)
	if err != nil {
		t.Fatalf(expectedNoErrorLoadingConfig, err)
	}

	cfg.Health.Port = cfg.API.Port
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for colliding ports")
	}
}

// TestValidateIdleExceedsMax tests the connection pool cross-check
func TestValidateIdleExceedsMax(t *testing.T) {
	cfg, err := Load(validConfigPath)
	if err != nil {
		t.Fatalf(expectedNoErrorLoadingConfig, err)
	}

	cfg.Database.MaxIdleConnections = cfg.Database.MaxConnections + 1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for idle connections exceeding max")
	}
}

// TestValidateProductionStubDriver tests the production sandbox cross-check
func TestValidateProductionStubDriver(t *testing.T) {
	cfg, err := Load(validConfigPath)
	if err != nil {
		t.Fatalf(expectedNoErrorLoadingConfig, err)
	}

	cfg.App.Environment = "production"
	cfg.Database.SSLMode = "require"
	cfg.Sandbox.Driver = "stub"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for stub driver in production")
	}
}

// TestCustomRules exercises the registered validation functions directly
func TestCustomRules(t *testing.T) {
	cv := NewValidator()

	type probe struct {
		Timeframe string `validate:"omitempty,timeframe"`
		Pair      string `validate:"omitempty,trading_pair"`
		Stake     string `validate:"omitempty,stake_amount"`
	}

	tests := []struct {
		name  string
		value probe
		valid bool
	}{
		{"valid timeframe minutes", probe{Timeframe: "5m"}, true},
		{"valid timeframe hours", probe{Timeframe: "1h"}, true},
		{"valid timeframe month", probe{Timeframe: "1M"}, true},
		{"invalid timeframe unit", probe{Timeframe: "10x"}, false},
		{"invalid timeframe zero", probe{Timeframe: "0m"}, false},
		{"valid spot pair", probe{Pair: "BTC/USDT"}, true},
		{"valid futures pair", probe{Pair: "BTC/USDT:USDT"}, true},
		{"invalid pair lowercase", probe{Pair: "btc/usdt"}, false},
		{"invalid pair no slash", probe{Pair: "BTCUSDT"}, false},
		{"valid numeric stake", probe{Stake: "100.50"}, true},
		{"valid unlimited stake", probe{Stake: "unlimited"}, true},
		{"invalid negative stake", probe{Stake: "-5"}, false},
		{"invalid zero stake", probe{Stake: "0"}, false},
		{"invalid word stake", probe{Stake: "lots"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := cv.ValidateStruct(&tt.value)
			if tt.valid && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tt.valid && err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

// TestGetDatabaseDSN tests DSN generation
func TestGetDatabaseDSN(t *testing.T) {
	cfg, err := Load(validConfigPath)
	if err != nil {
		t.Fatalf(expectedNoErrorLoadingConfig, err)
	}

	dsn := cfg.GetDatabaseDSN()
	if !strings.HasPrefix(dsn, "postgres://") {
		t.Errorf("expected DSN to start with 'postgres://', got '%s'", dsn)
	}
	if !strings.Contains(dsn, "sslmode=disable") {
		t.Errorf("expected DSN to carry ssl mode, got '%s'", dsn)
	}
}

// TestGetRedisAddr tests bus address generation
func TestGetRedisAddr(t *testing.T) {
	cfg := &Config{Redis: RedisConfig{Host: "redis.internal", Port: 6380}}
	if addr := cfg.GetRedisAddr(); addr != "redis.internal:6380" {
		t.Errorf("expected 'redis.internal:6380', got '%s'", addr)
	}
}

// TestIsDevelopment tests environment check function
func TestIsDevelopment(t *testing.T) {
	cfg := &Config{App: AppConfig{Environment: developmentEnv}}

	if !cfg.IsDevelopment() {
		t.Error("expected IsDevelopment() to return true")
	}
	if cfg.IsProduction() {
		t.Error("expected IsProduction() to return false")
	}
}

// TestIsProduction tests production environment check
func TestIsProduction(t *testing.T) {
	cfg := &Config{App: AppConfig{Environment: "production"}}

	if !cfg.IsProduction() {
		t.Error("expected IsProduction() to return true")
	}
	if cfg.IsStaging() {
		t.Error("expected IsStaging() to return false")
	}
}
