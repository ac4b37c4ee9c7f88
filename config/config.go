package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents runtime configuration for the pledgevault service.
type Config struct {
	ListenAddress    string       `toml:"listen_address"`
	Environment      string       `toml:"environment"`
	DatabaseURL      string       `toml:"database_url"`
	CredentialSecret string       `toml:"credential_secret"`
	AuthSecret       string       `toml:"auth_secret"`
	Ledger           LedgerConfig `toml:"ledger"`
	Recon            ReconConfig  `toml:"recon"`
	RateLimit        RateConfig   `toml:"rate_limit"`
	Log              LogConfig    `toml:"log"`
}

// LedgerConfig points the gateway at the campaign ledger RPC endpoint.
type LedgerConfig struct {
	URL          string        `toml:"url"`
	Timeout      time.Duration `toml:"timeout"`
	MaxCallBatch int           `toml:"max_call_batch"`
}

// ReconConfig tunes the stale-queue reconciler.
type ReconConfig struct {
	Interval    time.Duration `toml:"interval"`
	StaleAfter  time.Duration `toml:"stale_after"`
	MaxAttempts int           `toml:"max_attempts"`
}

// RateConfig throttles the public redemption endpoint per client IP.
type RateConfig struct {
	RedemptionsPerMinute int `toml:"redemptions_per_minute"`
	Burst                int `toml:"burst"`
}

// LogConfig controls structured log output.
type LogConfig struct {
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
}

// Default returns the baseline configuration before file and environment
// overrides.
func Default() *Config {
	return &Config{
		ListenAddress: ":8080",
		Environment:   "dev",
		DatabaseURL:   "pledgevault.db",
		Ledger: LedgerConfig{
			Timeout:      15 * time.Second,
			MaxCallBatch: 50,
		},
		Recon: ReconConfig{
			Interval:    5 * time.Minute,
			StaleAfter:  10 * time.Minute,
			MaxAttempts: 5,
		},
		RateLimit: RateConfig{
			RedemptionsPerMinute: 60,
			Burst:                10,
		},
	}
}

// Load reads configuration from an optional TOML file, then applies
// PLEDGEVAULT_* environment overrides, then validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.ListenAddress, "PLEDGEVAULT_LISTEN")
	setString(&c.Environment, "PLEDGEVAULT_ENV")
	setString(&c.DatabaseURL, "PLEDGEVAULT_DB_URL")
	setString(&c.CredentialSecret, "PLEDGEVAULT_CREDENTIAL_SECRET")
	setString(&c.AuthSecret, "PLEDGEVAULT_AUTH_SECRET")
	setString(&c.Ledger.URL, "PLEDGEVAULT_LEDGER_URL")
	setDuration(&c.Ledger.Timeout, "PLEDGEVAULT_LEDGER_TIMEOUT")
	setInt(&c.Ledger.MaxCallBatch, "PLEDGEVAULT_LEDGER_MAX_CALL_BATCH")
	setDuration(&c.Recon.Interval, "PLEDGEVAULT_RECON_INTERVAL")
	setDuration(&c.Recon.StaleAfter, "PLEDGEVAULT_RECON_STALE_AFTER")
	setInt(&c.Recon.MaxAttempts, "PLEDGEVAULT_RECON_MAX_ATTEMPTS")
	setInt(&c.RateLimit.RedemptionsPerMinute, "PLEDGEVAULT_RATE_LIMIT_PER_MINUTE")
	setInt(&c.RateLimit.Burst, "PLEDGEVAULT_RATE_LIMIT_BURST")
	setString(&c.Log.File, "PLEDGEVAULT_LOG_FILE")
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("config: database_url is required")
	}
	if strings.TrimSpace(c.Ledger.URL) == "" {
		return fmt.Errorf("config: ledger.url is required")
	}
	if strings.TrimSpace(c.CredentialSecret) == "" {
		return fmt.Errorf("config: credential_secret is required")
	}
	if strings.TrimSpace(c.AuthSecret) == "" {
		return fmt.Errorf("config: auth_secret is required")
	}
	if c.Ledger.MaxCallBatch < 1 {
		return fmt.Errorf("config: ledger.max_call_batch must be at least 1")
	}
	if c.Recon.Interval <= 0 || c.Recon.StaleAfter <= 0 {
		return fmt.Errorf("config: recon intervals must be positive")
	}
	return nil
}

// PostgresDSN reports whether the database URL targets postgres rather than
// an on-disk sqlite file.
func (c *Config) PostgresDSN() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") ||
		strings.HasPrefix(c.DatabaseURL, "postgresql://") ||
		strings.Contains(c.DatabaseURL, "host=")
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			*dst = parsed
		}
	}
}
