package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swapdesk.toml")
	body := `
log_level = "debug"

[quote]
freshness = "45s"

[approval]
reset_required = ["1:0xdAC17F958D2ee523a2206206994597C13D831ec7", "10:0x94b008aA00579c1307B0EF2c499aD98a8ce58e58"]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 45*time.Second, cfg.Quote.FreshnessDuration())
	assert.Equal(t, 200*time.Millisecond, cfg.Quote.DebounceDuration())

	tokens, err := cfg.Approval.ResetRequiredTokens()
	require.NoError(t, err)
	assert.Len(t, tokens[1], 1)
	assert.Len(t, tokens[10], 1)
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, cfg.Settlement.DefaultDeadlineDuration())
	assert.Equal(t, 5*time.Minute, cfg.Settlement.FastDeadlineDuration())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SWAPDESK_LOG_LEVEL", "warn")
	t.Setenv("SWAPDESK_CHAIN_42161_RPC_URL", "https://arb.example")
	t.Setenv("SWAPDESK_ORDERS_POLL_INTERVAL", "750ms")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	arb, ok := cfg.Chain(42161)
	require.True(t, ok)
	assert.Equal(t, "https://arb.example", arb.RPCURL)
	assert.Equal(t, 750*time.Millisecond, cfg.Orders.PollIntervalDuration())
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "loud"
	cfg.Pricing.SeverityBps = []int64{100, 50, 500, 1500}
	cfg.Approval.ResetRequired = []string{"bogus"}
	cfg.Chains[0].DelegatedSpender = "nope"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "log_level")
	assert.Contains(t, msg, "strictly increasing")
	assert.Contains(t, msg, "reset_required")
	assert.Contains(t, msg, "delegated_spender")
}

func TestRedactedConfigHidesSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Wallet.PrivateKey = "deadbeef"
	cfg.TradingAPI.APIKey = "key"

	out := RedactedConfig(&cfg)

	assert.Equal(t, "***", out.Wallet.PrivateKey)
	assert.Equal(t, "***", out.TradingAPI.APIKey)
	assert.Equal(t, "***", out.Chains[0].RPCURL)
	assert.Equal(t, "deadbeef", cfg.Wallet.PrivateKey)
	assert.NotEqual(t, "***", cfg.Chains[0].RPCURL)
}
