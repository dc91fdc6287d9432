package config

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// Environment variables
const (
	EnvConfigPath  = "BORROWBOT_CONFIG"
	EnvLedgerDSN   = "BORROWBOT_LEDGER_DSN"
	EnvMarketsFile = "BORROWBOT_MARKETS"
)

// LoadEnv loads environment variables from .env files. Missing files are ignored.
func LoadEnv(files ...string) error {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// ApplyEnv overrides file settings with the environment.
func ApplyEnv(cfg *Config) {
	cfg.LedgerDSN = GetEnvWithDefault(EnvLedgerDSN, cfg.LedgerDSN)
	cfg.MarketsFile = GetEnvWithDefault(EnvMarketsFile, cfg.MarketsFile)
}

// GetEnvWithDefault gets an environment variable with a default value
func GetEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
