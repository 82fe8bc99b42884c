// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/aristath/tradelib/internal/domain"
	"github.com/joho/godotenv"
)

// Backend identifiers accepted by TRADELIB_BACKEND
const (
	BackendAlpaca  = "alpaca"
	BackendLemon   = "lemon"
	BackendSandbox = "sandbox"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for all databases (always absolute)
	Port     int
	LogLevel string
	DevMode  bool

	// Backend selection and credentials
	Backend         string // alpaca | lemon | sandbox
	AlpacaAPIKey    string
	AlpacaAPISecret string
	AlpacaPaper     bool // Paper trading endpoint (default true; live requires explicit opt-out)
	LemonAPIKey     string
	LemonPaper      bool

	// Rebalancing policy
	MinTradeNotional   float64 // Minimum currency delta worth trading (skip below)
	RebalanceThreshold float64 // Minimum weight delta to act on (0 disables the filter)
	RebalanceSchedule  string  // Cron expression for scheduled cycles; empty disables
	RebalanceWeights   string  // Target weights for scheduled cycles, "AAPL:0.5,MSFT:0.3"

	// Sandbox backend
	SandboxStartingCash float64

	Backup *BackupConfig
}

// BackupConfig holds backup and archive configuration.
// S3 settings are optional; when the bucket is empty, backups stay local.
// The endpoint override supports S3-compatible storage (R2, MinIO).
type BackupConfig struct {
	Dir               string
	Retain            int    // Remote backups to keep during rotation
	Schedule          string // Cron expression; empty disables scheduled backups
	S3Endpoint        string
	S3Region          string
	S3Bucket          string
	S3AccessKeyID     string
	S3SecretAccessKey string
}

// Enabled reports whether remote upload is configured
func (b *BackupConfig) Enabled() bool {
	return b.S3Bucket != ""
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Determine data directory: TRADELIB_DATA_DIR, defaulting to ./data,
	// always resolved to an absolute path that exists.
	dataDir := getEnv("TRADELIB_DATA_DIR", "./data")

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		Backend:         getEnv("TRADELIB_BACKEND", BackendSandbox),
		AlpacaAPIKey:    getEnv("ALPACA_API_KEY", ""),
		AlpacaAPISecret: getEnv("ALPACA_API_SECRET", ""),
		AlpacaPaper:     getEnvAsBool("ALPACA_PAPER", true),
		LemonAPIKey:     getEnv("LEMON_API_KEY", ""),
		LemonPaper:      getEnvAsBool("LEMON_PAPER", true),

		MinTradeNotional:   getEnvAsFloat("MIN_TRADE_NOTIONAL", 1.0),
		RebalanceThreshold: getEnvAsFloat("REBALANCE_THRESHOLD", 0.0),
		RebalanceSchedule:  getEnv("REBALANCE_SCHEDULE", ""),
		RebalanceWeights:   getEnv("REBALANCE_WEIGHTS", ""),

		SandboxStartingCash: getEnvAsFloat("SANDBOX_STARTING_CASH", 100000),

		Backup: &BackupConfig{
			Dir:               getEnv("BACKUP_DIR", filepath.Join(absDataDir, "backups")),
			Retain:            getEnvAsInt("BACKUP_RETAIN", 10),
			Schedule:          getEnv("BACKUP_SCHEDULE", ""),
			S3Endpoint:        getEnv("BACKUP_S3_ENDPOINT", ""),
			S3Region:          getEnv("BACKUP_S3_REGION", "auto"),
			S3Bucket:          getEnv("BACKUP_S3_BUCKET", ""),
			S3AccessKeyID:     getEnv("BACKUP_S3_ACCESS_KEY_ID", ""),
			S3SecretAccessKey: getEnv("BACKUP_S3_SECRET_ACCESS_KEY", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration before any cycle runs.
// Invalid values are fatal at startup.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendAlpaca:
		if c.AlpacaAPIKey == "" || c.AlpacaAPISecret == "" {
			return &domain.ConfigurationError{
				Field:  "ALPACA_API_KEY/ALPACA_API_SECRET",
				Detail: "required when TRADELIB_BACKEND=alpaca",
			}
		}
	case BackendLemon:
		if c.LemonAPIKey == "" {
			return &domain.ConfigurationError{
				Field:  "LEMON_API_KEY",
				Detail: "required when TRADELIB_BACKEND=lemon",
			}
		}
	case BackendSandbox:
		// No credentials needed
	default:
		return &domain.ConfigurationError{
			Field:  "TRADELIB_BACKEND",
			Detail: fmt.Sprintf("unknown backend %q (want alpaca, lemon or sandbox)", c.Backend),
		}
	}

	if c.MinTradeNotional <= 0 {
		return &domain.ConfigurationError{
			Field:  "MIN_TRADE_NOTIONAL",
			Detail: fmt.Sprintf("must be positive, got %f", c.MinTradeNotional),
		}
	}

	if c.RebalanceThreshold < 0 || c.RebalanceThreshold >= 1 {
		return &domain.ConfigurationError{
			Field:  "REBALANCE_THRESHOLD",
			Detail: fmt.Sprintf("must be in [0,1), got %f", c.RebalanceThreshold),
		}
	}

	if c.RebalanceSchedule != "" && c.RebalanceWeights == "" {
		return &domain.ConfigurationError{
			Field:  "REBALANCE_WEIGHTS",
			Detail: "required when REBALANCE_SCHEDULE is set",
		}
	}

	if c.SandboxStartingCash < 0 {
		return &domain.ConfigurationError{
			Field:  "SANDBOX_STARTING_CASH",
			Detail: "must not be negative",
		}
	}

	if c.Backup != nil && c.Backup.Retain < 1 {
		return &domain.ConfigurationError{
			Field:  "BACKUP_RETAIN",
			Detail: "must be at least 1",
		}
	}

	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
