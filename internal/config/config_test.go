package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
mode = "keeper"
log_level = "debug"

[postgres]
host = "db.internal"
password = "hunter2"

[oracle]
rpc_url = "https://bsc-dataseed.binance.org"
aggregator = "0x0567F2323251f0Aab15c8dFb1967E4e8A7D42aeE"

[market]
interval = "10m"
min_bet = "5000000000000000"
treasury_fee_bps = 500

[server]
port = 9000
api_key = "public-key"
admin_key = "admin-key"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "keeper", cfg.Mode)
	assert.Equal(t, "db.internal", cfg.Postgres.Host)
	// Defaults survive where the file is silent.
	assert.Equal(t, 5432, cfg.Postgres.Port)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)

	assert.Equal(t, 10*time.Minute, cfg.Market.Interval.Duration)
	assert.Equal(t, big.NewInt(5_000_000_000_000_000), cfg.Market.MinBet)
	assert.Equal(t, uint64(500), cfg.Market.TreasuryFeeBps)
	assert.Equal(t, 9000, cfg.Server.Port)

	require.NoError(t, cfg.Validate())
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("PREDICTD_POSTGRES_PASSWORD", "from-env")
	t.Setenv("PREDICTD_MARKET_MIN_BET", "42000000000000000")
	t.Setenv("PREDICTD_MARKET_INTERVAL", "15m")
	t.Setenv("PREDICTD_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("PREDICTD_MODE", "monitor")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Postgres.Password)
	assert.Equal(t, big.NewInt(42_000_000_000_000_000), cfg.Market.MinBet)
	assert.Equal(t, 15*time.Minute, cfg.Market.Interval.Duration)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "monitor", cfg.Mode)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "spectate"
	cfg.Market.TreasuryFeeBps = 1001
	cfg.Market.Buffer.Duration = cfg.Market.Interval.Duration
	cfg.Market.MinBet = big.NewInt(0)
	cfg.Oracle.RPCURL = "" // required outside monitor mode
	cfg.Oracle.Aggregator = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
	assert.Contains(t, err.Error(), "treasury_fee_bps")
	assert.Contains(t, err.Error(), "buffer must be shorter")
	assert.Contains(t, err.Error(), "min_bet")
	assert.Contains(t, err.Error(), "rpc_url")
}

func TestValidateMonitorModeNeedsNoOracle(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "monitor"

	require.NoError(t, cfg.Validate())
}

func TestValidateFeeAtCapIsAccepted(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "monitor"
	cfg.Market.TreasuryFeeBps = 1000

	require.NoError(t, cfg.Validate())
}

func TestRedactedConfigMasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "hunter2"
	cfg.Server.AdminKey = "admin-key"
	cfg.Notify.TelegramToken = "bot-token"

	red := RedactedConfig(&cfg)

	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.Server.AdminKey)
	assert.Equal(t, "***", red.Notify.TelegramToken)
	// Non-secrets pass through untouched.
	assert.Equal(t, cfg.Postgres.Host, red.Postgres.Host)
	assert.Equal(t, "hunter2", cfg.Postgres.Password)
}
