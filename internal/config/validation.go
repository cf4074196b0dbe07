// Package config provides configuration management for the freqsearch backtest scheduler.
package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var (
	timeframePattern   = regexp.MustCompile(`^[1-9][0-9]*[mhdwM]$`)
	tradingPairPattern = regexp.MustCompile(`^[A-Z0-9]+/[A-Z0-9]+(:[A-Z0-9]+)?$`)
	imageRefPattern    = regexp.MustCompile(`^[a-z0-9]+([._\-/][a-z0-9]+)*(:[a-zA-Z0-9._\-]+)?$`)
)

// CustomValidator wraps the validator with custom validation rules
type CustomValidator struct {
	validator *validator.Validate
}

// NewValidator creates a new validator with custom validation functions
func NewValidator() *CustomValidator {
	v := validator.New()

	// Register custom validation functions
	_ = v.RegisterValidation("environment", validateEnvironment)
	_ = v.RegisterValidation("loglevel", validateLogLevel)
	_ = v.RegisterValidation("timeframe", validateTimeframe)
	_ = v.RegisterValidation("trading_pair", validateTradingPair)
	_ = v.RegisterValidation("stake_amount", validateStakeAmount)
	_ = v.RegisterValidation("image_ref", validateImageRef)

	return &CustomValidator{validator: v}
}

// Validate validates the entire configuration
func Validate(cfg *Config) error {
	cv := NewValidator()
	return cv.Validate(cfg)
}

// Validate validates the configuration using registered validation rules
func (cv *CustomValidator) Validate(cfg *Config) error {
	err := cv.validator.Struct(cfg)
	if err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			return formatValidationErrors(validationErrors)
		}
		return fmt.Errorf("validation failed: %w", err)
	}

	// Additional cross-field validations
	if err := validateCrossField(cfg); err != nil {
		return err
	}

	return nil
}

// ValidateStruct validates any tagged struct with the registered custom rules.
// The submission gateway uses it to vet job configs before enqueue.
func (cv *CustomValidator) ValidateStruct(s interface{}) error {
	err := cv.validator.Struct(s)
	if err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			return formatValidationErrors(validationErrors)
		}
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// validateEnvironment validates the environment field
func validateEnvironment(fl validator.FieldLevel) bool {
	env := fl.Field().String()
	switch env {
	case "development", "staging", "production":
		return true
	default:
		return false
	}
}

// validateLogLevel validates the log level field
func validateLogLevel(fl validator.FieldLevel) bool {
	level := fl.Field().String()
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

// validateTimeframe validates candle timeframe strings like 5m, 1h, 1d
func validateTimeframe(fl validator.FieldLevel) bool {
	return timeframePattern.MatchString(fl.Field().String())
}

// validateTradingPair validates BASE/QUOTE pair symbols, optionally with a
// settlement suffix for futures pairs (BTC/USDT:USDT)
func validateTradingPair(fl validator.FieldLevel) bool {
	return tradingPairPattern.MatchString(fl.Field().String())
}

// validateStakeAmount accepts "unlimited" or a positive decimal amount
func validateStakeAmount(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if strings.EqualFold(value, "unlimited") {
		return true
	}
	amount, err := decimal.NewFromString(value)
	if err != nil {
		return false
	}
	return amount.IsPositive()
}

// validateImageRef validates container image references like repo/name:tag
func validateImageRef(fl validator.FieldLevel) bool {
	return imageRefPattern.MatchString(fl.Field().String())
}

// validateCrossField performs cross-field validations
func validateCrossField(cfg *Config) error {
	// Validate production environment requirements
	if cfg.IsProduction() {
		if cfg.Database.SSLMode == "disable" {
			return fmt.Errorf("production environment requires SSL mode to be 'require' or 'verify-full'")
		}
		if cfg.Sandbox.Driver == "stub" {
			return fmt.Errorf("production environment cannot run the stub sandbox driver")
		}
	}

	// Validate connection pool settings
	if cfg.Database.MaxIdleConnections > cfg.Database.MaxConnections {
		return fmt.Errorf("max_idle_connections cannot exceed max_connections")
	}

	// Validate the listening ports do not collide
	ports := map[int]string{cfg.API.Port: "api"}
	if other, taken := ports[cfg.Health.Port]; taken {
		return fmt.Errorf("health port %d collides with %s port", cfg.Health.Port, other)
	}
	ports[cfg.Health.Port] = "health"
	if cfg.Metrics.Enabled {
		if other, taken := ports[cfg.Metrics.Port]; taken {
			return fmt.Errorf("metrics port %d collides with %s port", cfg.Metrics.Port, other)
		}
	}

	// The read-only mounts must be distinct from the writable workspace
	if cfg.Sandbox.WorkspaceDir == cfg.Sandbox.MarketDataPath || cfg.Sandbox.WorkspaceDir == cfg.Sandbox.StrategiesPath {
		return fmt.Errorf("sandbox workspace_dir must not overlap a read-only mount path")
	}

	// The provider needs a URL and a rate limit when enabled
	if cfg.StrategyFiles.Enabled {
		if cfg.StrategyFiles.BaseURL == "" {
			return fmt.Errorf("strategy_files.base_url is required when the provider is enabled")
		}
		if cfg.StrategyFiles.RequestsPerSecond <= 0 {
			return fmt.Errorf("strategy_files.requests_per_second must be positive when the provider is enabled")
		}
	}

	return nil
}

// formatValidationErrors formats validation errors into a readable string
func formatValidationErrors(validationErrors validator.ValidationErrors) error {
	var errMsg string
	for _, fieldError := range validationErrors {
		field := fieldError.StructField()
		tag := fieldError.Tag()
		value := fieldError.Value()

		switch tag {
		case "required":
			errMsg += fmt.Sprintf("- Field '%s' is required\n", field)
		case "url":
			errMsg += fmt.Sprintf("- Field '%s' must be a valid URL, got '%v'\n", field, value)
		case "min", "max":
			errMsg += fmt.Sprintf("- Field '%s' validation failed: %s constraint violated\n", field, tag)
		case "gt", "gte", "lt", "lte":
			errMsg += fmt.Sprintf("- Field '%s' validation failed: numeric constraint %s violated\n", field, tag)
		case "environment":
			errMsg += fmt.Sprintf("- Field '%s' must be one of: development, staging, production\n", field)
		case "loglevel":
			errMsg += fmt.Sprintf("- Field '%s' must be one of: debug, info, warn, error\n", field)
		case "timeframe":
			errMsg += fmt.Sprintf("- Field '%s' must be a candle timeframe like 5m, 1h or 1d, got '%v'\n", field, value)
		case "trading_pair":
			errMsg += fmt.Sprintf("- Field '%s' must be a BASE/QUOTE pair symbol, got '%v'\n", field, value)
		case "stake_amount":
			errMsg += fmt.Sprintf("- Field '%s' must be 'unlimited' or a positive amount, got '%v'\n", field, value)
		case "image_ref":
			errMsg += fmt.Sprintf("- Field '%s' must be a container image reference, got '%v'\n", field, value)
		case "oneof":
			errMsg += fmt.Sprintf("- Field '%s' has invalid value '%v'\n", field, value)
		default:
			errMsg += fmt.Sprintf("- Field '%s' failed validation: %s\n", field, tag)
		}
	}
	return fmt.Errorf("configuration validation failed:\n%s", errMsg)
}
