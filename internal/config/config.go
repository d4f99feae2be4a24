// Package config loads and stores CLI configuration in the XDG config dir.
// Only non-secret settings are kept here; secrets go to OS keychain.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"dashql/cli/internal/xdg"

	"github.com/joho/godotenv"
)

// Environment variables that override the file.
const (
	EnvLogLevel     = "DASHQL_LOG_LEVEL"
	EnvSetupTimeout = "DASHQL_SETUP_TIMEOUT"
	EnvBatchSize    = "DASHQL_BATCH_SIZE"
	EnvStoreDSN     = "DASHQL_STORE_DSN"
)

// Store kinds.
const (
	StoreFile     = "file"
	StorePostgres = "postgres"
)

// Config holds non-sensitive CLI settings.
type Config struct {
	LogLevel     string      `json:"log_level"`
	SetupTimeout string      `json:"setup_timeout"`
	BatchSize    int         `json:"batch_size"`
	Store        StoreConfig `json:"store"`
}

// StoreConfig selects where connection definitions live.
type StoreConfig struct {
	Kind string `json:"kind"`
	// DSN is read from the environment only; it may carry a password.
	DSN string `json:"-"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		LogLevel:     "info",
		SetupTimeout: "10s",
		BatchSize:    1024,
		Store:        StoreConfig{Kind: StoreFile},
	}
}

// Timeout returns the parsed setup timeout.
func (c Config) Timeout() time.Duration {
	d, err := time.ParseDuration(c.SetupTimeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// Validate checks the values a user may have edited by hand.
func (c Config) Validate() error {
	if d, err := time.ParseDuration(c.SetupTimeout); err != nil || d <= 0 {
		return fmt.Errorf("setup_timeout %q is not a positive duration", c.SetupTimeout)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	switch c.Store.Kind {
	case StoreFile:
	case StorePostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("postgres store requires %s", EnvStoreDSN)
		}
	default:
		return fmt.Errorf("unknown store kind %q", c.Store.Kind)
	}
	return nil
}

// path returns the path to the config file.
func path() (string, error) {
	dir, err := xdg.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads configuration from the XDG config dir; missing file returns defaults.
func Load() (Config, error) {
	p, err := path()
	if err != nil {
		return Default(), err
	}
	return LoadFrom(p)
}

// LoadFrom reads configuration from p. Unset fields keep their defaults.
func LoadFrom(p string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c, nil
		}
		return c, err
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse %s: %w", p, err)
	}
	return c, nil
}

// Overlay loads envFile when it exists and applies DASHQL_* variables on top of c.
// Variables already set in the process environment win over the file.
func Overlay(c *Config, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := os.LookupEnv(EnvSetupTimeout); ok && v != "" {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", EnvSetupTimeout, err)
		}
		c.SetupTimeout = v
	}
	if v, ok := os.LookupEnv(EnvBatchSize); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvBatchSize, err)
		}
		c.BatchSize = n
	}
	if v, ok := os.LookupEnv(EnvStoreDSN); ok && v != "" {
		c.Store.DSN = v
		c.Store.Kind = StorePostgres
	}
	return nil
}

// Save writes configuration with 0600 permissions.
func Save(c Config) error {
	p, err := path()
	if err != nil {
		return err
	}
	return SaveTo(p, c)
}

// SaveTo writes configuration to p with 0600 permissions.
func SaveTo(p string, c Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p, b, 0o600)
}
