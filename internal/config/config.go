// Package config defines the daemon configuration and validation helpers.
package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// maxTreasuryFeeBps caps the configurable protocol fee at 10%.
const maxTreasuryFeeBps = 1000

// Config is the root configuration. Fields are populated from a TOML file and
// then optionally overridden by PREDICTD_* environment variables.
type Config struct {
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Oracle   OracleConfig   `toml:"oracle"`
	Market   MarketConfig   `toml:"market"`
	Keeper   KeeperConfig   `toml:"keeper"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds the settings for the round-history archive. Archival is
// optional; with Enabled false the keeper skips the daily export.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// OracleConfig holds the Chainlink price feed parameters.
type OracleConfig struct {
	RPCURL     string   `toml:"rpc_url"`
	Aggregator string   `toml:"aggregator"`
	Timeout    duration `toml:"timeout"`
}

// MarketConfig holds the round engine parameters. Amounts are decimal strings
// in base token units.
type MarketConfig struct {
	Interval duration `toml:"interval"`
	Buffer   duration `toml:"buffer"`

	// OracleUpdateAllowance is the maximum oracle sample age the engine
	// accepts before refusing to settle.
	OracleUpdateAllowance duration `toml:"oracle_update_allowance"`

	MinBet         *big.Int `toml:"min_bet"`
	TreasuryFeeBps uint64   `toml:"treasury_fee_bps"`
}

// KeeperConfig holds the automated round-driver parameters.
type KeeperConfig struct {
	Tick duration `toml:"tick"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	AdminKey    string   `toml:"admin_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration wraps time.Duration so the TOML decoder accepts strings like "5m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with the values from
// config.example.toml.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "predictd",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "predictd-archive",
			ForcePathStyle: true,
		},
		Oracle: OracleConfig{
			Timeout: duration{10 * time.Second},
		},
		Market: MarketConfig{
			Interval:              duration{5 * time.Minute},
			Buffer:                duration{30 * time.Second},
			OracleUpdateAllowance: duration{5 * time.Minute},
			MinBet:                big.NewInt(10_000_000_000_000_000), // 0.01 token at 18 decimals
			TreasuryFeeBps:        300,
		},
		Keeper: KeeperConfig{
			Tick: duration{10 * time.Second},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   20,
			RateWindow:  duration{time.Second},
		},
		Notify:   NotifyConfig{},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"serve":   true,
	"keeper":  true,
	"monitor": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the Config for invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, keeper, monitor, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when enabled")
		}
	}

	// The oracle is only dialled by round-driving modes.
	needsOracle := c.Mode == "keeper" || c.Mode == "full" || c.Mode == "serve"
	if needsOracle && c.Oracle.RPCURL == "" {
		errs = append(errs, "oracle: rpc_url is required for mode "+c.Mode)
	}
	if needsOracle && c.Oracle.Aggregator == "" {
		errs = append(errs, "oracle: aggregator address is required for mode "+c.Mode)
	}
	if c.Oracle.Timeout.Duration <= 0 {
		errs = append(errs, "oracle: timeout must be > 0")
	}

	if c.Market.Interval.Duration <= 0 {
		errs = append(errs, "market: interval must be > 0")
	}
	if c.Market.Buffer.Duration <= 0 {
		errs = append(errs, "market: buffer must be > 0")
	}
	if c.Market.Buffer.Duration >= c.Market.Interval.Duration {
		errs = append(errs, "market: buffer must be shorter than interval")
	}
	if c.Market.OracleUpdateAllowance.Duration <= 0 {
		errs = append(errs, "market: oracle_update_allowance must be > 0")
	}
	if c.Market.MinBet == nil || c.Market.MinBet.Sign() <= 0 {
		errs = append(errs, "market: min_bet must be a positive integer amount")
	}
	if c.Market.TreasuryFeeBps > maxTreasuryFeeBps {
		errs = append(errs, fmt.Sprintf("market: treasury_fee_bps must not exceed %d, got %d", maxTreasuryFeeBps, c.Market.TreasuryFeeBps))
	}

	if c.Keeper.Tick.Duration <= 0 {
		errs = append(errs, "keeper: tick must be > 0")
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	if c.Notify.TelegramToken != "" && c.Notify.TelegramChatID == "" {
		errs = append(errs, "notify: telegram_chat_id is required when telegram_token is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
