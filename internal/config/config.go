// Package config defines the top-level configuration for the swap engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by SWAPDESK_* environment variables.
type Config struct {
	Wallet     WalletConfig     `toml:"wallet"`
	Chains     []ChainConfig    `toml:"chains"`
	TradingAPI TradingAPIConfig `toml:"trading_api"`
	Quote      QuoteConfig      `toml:"quote"`
	Pricing    PricingConfig    `toml:"pricing"`
	Approval   ApprovalConfig   `toml:"approval"`
	Settlement SettlementConfig `toml:"settlement"`
	Orders     OrdersConfig     `toml:"orders"`
	Database   DatabaseConfig   `toml:"database"`
	Redis      RedisConfig      `toml:"redis"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	LogLevel   string           `toml:"log_level"`
}

// WalletConfig holds the local signing key used by the daemon.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// ChainConfig describes one supported chain and its contract addresses.
type ChainConfig struct {
	ID                 int64  `toml:"id"`
	Name               string `toml:"name"`
	RPCURL             string `toml:"rpc_url"`
	WrappedNative      string `toml:"wrapped_native"`
	DelegatedSpender   string `toml:"delegated_spender"`
	SettlementContract string `toml:"settlement_contract"`
	// Fast chains get the short transaction deadline.
	Fast bool `toml:"fast"`
	// PermitSignatures lets the delegated allowance be granted by an
	// off-chain signature instead of a transaction.
	PermitSignatures bool   `toml:"permit_signatures"`
	NativeSymbol     string `toml:"native_symbol"`
	// Stable is the token fiat estimates are quoted against.
	Stable TokenConfig `toml:"stable"`
}

// TokenConfig names an ERC-20 token.
type TokenConfig struct {
	Address  string `toml:"address"`
	Symbol   string `toml:"symbol"`
	Decimals int32  `toml:"decimals"`
}

// TradingAPIConfig holds the quoting and order service endpoints.
type TradingAPIConfig struct {
	QuoteURL  string   `toml:"quote_url"`
	OrdersURL string   `toml:"orders_url"`
	APIKey    string   `toml:"api_key"`
	Timeout   duration `toml:"timeout"`
}

// QuoteConfig controls request debouncing and quote freshness.
type QuoteConfig struct {
	Debounce  duration `toml:"debounce"`
	Freshness duration `toml:"freshness"`
	// Auto requotes in the background after every input change.
	Auto bool `toml:"auto"`
}

// PricingConfig holds price impact thresholds and automatic slippage bounds,
// all in basis points.
type PricingConfig struct {
	SeverityBps     []int64 `toml:"severity_bps"`
	AutoSlippageMin int64   `toml:"auto_slippage_min_bps"`
	AutoSlippageMax int64   `toml:"auto_slippage_max_bps"`
}

// ApprovalConfig controls allowance handling.
type ApprovalConfig struct {
	// ResetRequired lists "chainID:tokenAddress" entries for tokens that
	// refuse to change a non-zero allowance to another non-zero value.
	ResetRequired   []string `toml:"reset_required"`
	DelegatedExpiry duration `toml:"delegated_expiry"`
	PermitSigWindow duration `toml:"permit_sig_window"`
	ReceiptPoll     duration `toml:"receipt_poll"`
	CacheTTL        duration `toml:"cache_ttl"`
}

// SettlementConfig controls transaction deadlines and the pending
// transaction watcher.
type SettlementConfig struct {
	DefaultDeadline duration `toml:"default_deadline"`
	FastDeadline    duration `toml:"fast_deadline"`
	WatchInterval   duration `toml:"watch_interval"`
}

// OrdersConfig controls delegated order status polling.
type OrdersConfig struct {
	PollInterval duration `toml:"poll_interval"`
}

// DatabaseConfig holds PostgreSQL connection parameters. Persistence is
// skipped unless Enabled is set.
type DatabaseConfig struct {
	Enabled       bool   `toml:"enabled"`
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
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	// RateLimit is requests per RateWindow per client IP; 0 disables it.
	// Enforced only when Redis is enabled.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	// Cooldown suppresses repeats of an identical alert.
	Cooldown duration `toml:"cooldown"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Chains: []ChainConfig{
			{
				ID:                 1,
				Name:               "mainnet",
				RPCURL:             "https://eth.llamarpc.com",
				WrappedNative:      "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
				DelegatedSpender:   "0x000000000022D473030F116dDEE9F6B43aC78BA3",
				SettlementContract: "0x66a9893cC07D91D95644AEDD05D03f95e1dBA8Af",
				PermitSignatures:   true,
				NativeSymbol:       "ETH",
				Stable:             TokenConfig{Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Symbol: "USDC", Decimals: 6},
			},
			{
				ID:                 42161,
				Name:               "arbitrum",
				RPCURL:             "https://arb1.arbitrum.io/rpc",
				WrappedNative:      "0x82aF49447D8a07e3bd95BD0d56f35241523fBab1",
				DelegatedSpender:   "0x000000000022D473030F116dDEE9F6B43aC78BA3",
				SettlementContract: "0xA51afAFe0263b40EdaEf0Df8781eA9aa03E381a3",
				Fast:               true,
				PermitSignatures:   true,
				NativeSymbol:       "ETH",
				Stable:             TokenConfig{Address: "0xaf88d065e77c8cC2239327C5EDb3A432268e5831", Symbol: "USDC", Decimals: 6},
			},
		},
		TradingAPI: TradingAPIConfig{
			QuoteURL:  "https://trade-api.gateway.uniswap.org/v1",
			OrdersURL: "https://api.uniswap.org",
			Timeout:   duration{15 * time.Second},
		},
		Quote: QuoteConfig{
			Debounce:  duration{200 * time.Millisecond},
			Freshness: duration{30 * time.Second},
			Auto:      true,
		},
		Pricing: PricingConfig{
			SeverityBps:     []int64{100, 300, 500, 1500},
			AutoSlippageMin: 50,
			AutoSlippageMax: 550,
		},
		Approval: ApprovalConfig{
			// USDT on mainnet
			ResetRequired:   []string{"1:0xdAC17F958D2ee523a2206206994597C13D831ec7"},
			DelegatedExpiry: duration{30 * 24 * time.Hour},
			PermitSigWindow: duration{30 * time.Minute},
			ReceiptPoll:     duration{2 * time.Second},
			CacheTTL:        duration{5 * time.Minute},
		},
		Settlement: SettlementConfig{
			DefaultDeadline: duration{30 * time.Minute},
			FastDeadline:    duration{5 * time.Minute},
			WatchInterval:   duration{4 * time.Second},
		},
		Orders: OrdersConfig{
			PollInterval: duration{2 * time.Second},
		},
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "swapdesk",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events:   []string{"swap_failed", "wrap_failed", "order_expired", "approval_failed"},
			Cooldown: duration{10 * time.Minute},
		},
		LogLevel: "info",
	}
}

// Chain returns the configuration for chain id.
func (c *Config) Chain(id int64) (ChainConfig, bool) {
	for _, ch := range c.Chains {
		if ch.ID == id {
			return ch, true
		}
	}
	return ChainConfig{}, false
}

func (q QuoteConfig) DebounceDuration() time.Duration  { return q.Debounce.Duration }
func (q QuoteConfig) FreshnessDuration() time.Duration { return q.Freshness.Duration }

func (a ApprovalConfig) DelegatedExpiryDuration() time.Duration { return a.DelegatedExpiry.Duration }
func (a ApprovalConfig) PermitSigWindowDuration() time.Duration { return a.PermitSigWindow.Duration }
func (a ApprovalConfig) ReceiptPollDuration() time.Duration     { return a.ReceiptPoll.Duration }
func (a ApprovalConfig) CacheTTLDuration() time.Duration        { return a.CacheTTL.Duration }

func (s SettlementConfig) DefaultDeadlineDuration() time.Duration { return s.DefaultDeadline.Duration }
func (s SettlementConfig) FastDeadlineDuration() time.Duration    { return s.FastDeadline.Duration }
func (s SettlementConfig) WatchIntervalDuration() time.Duration   { return s.WatchInterval.Duration }

func (o OrdersConfig) PollIntervalDuration() time.Duration { return o.PollInterval.Duration }

func (t TradingAPIConfig) TimeoutDuration() time.Duration { return t.Timeout.Duration }

func (n NotifyConfig) CooldownDuration() time.Duration { return n.Cooldown.Duration }

func (s ServerConfig) RateWindowDuration() time.Duration { return s.RateWindow.Duration }

// ResetRequiredTokens parses Approval.ResetRequired into chain -> addresses.
func (a ApprovalConfig) ResetRequiredTokens() (map[int64][]string, error) {
	out := make(map[int64][]string)
	for _, entry := range a.ResetRequired {
		chainPart, addr, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("reset_required entry %q: want chainID:address", entry)
		}
		id, err := strconv.ParseInt(chainPart, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("reset_required entry %q: %w", entry, err)
		}
		out[id] = append(out[id], addr)
	}
	return out, nil
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}

	// Chains
	if len(c.Chains) == 0 {
		errs = append(errs, "chains: at least one chain must be configured")
	}
	seen := make(map[int64]bool)
	for i, ch := range c.Chains {
		if ch.ID <= 0 {
			errs = append(errs, fmt.Sprintf("chains[%d]: id must be positive", i))
		}
		if seen[ch.ID] {
			errs = append(errs, fmt.Sprintf("chains[%d]: duplicate id %d", i, ch.ID))
		}
		seen[ch.ID] = true
		for name, addr := range map[string]string{
			"wrapped_native":      ch.WrappedNative,
			"delegated_spender":   ch.DelegatedSpender,
			"settlement_contract": ch.SettlementContract,
		} {
			if !common.IsHexAddress(addr) {
				errs = append(errs, fmt.Sprintf("chains[%d]: %s %q is not an address", i, name, addr))
			}
		}
	}

	// Trading API
	if c.TradingAPI.QuoteURL == "" {
		errs = append(errs, "trading_api: quote_url must not be empty")
	}
	if c.TradingAPI.OrdersURL == "" {
		errs = append(errs, "trading_api: orders_url must not be empty")
	}

	// Quote
	if c.Quote.Debounce.Duration < 0 {
		errs = append(errs, "quote: debounce must be >= 0")
	}
	if c.Quote.Freshness.Duration <= 0 {
		errs = append(errs, "quote: freshness must be > 0")
	}

	// Pricing
	if len(c.Pricing.SeverityBps) != 4 {
		errs = append(errs, fmt.Sprintf("pricing: severity_bps needs 4 thresholds, got %d", len(c.Pricing.SeverityBps)))
	} else {
		for i := 1; i < len(c.Pricing.SeverityBps); i++ {
			if c.Pricing.SeverityBps[i] <= c.Pricing.SeverityBps[i-1] {
				errs = append(errs, "pricing: severity_bps must be strictly increasing")
				break
			}
		}
	}
	if c.Pricing.AutoSlippageMin <= 0 || c.Pricing.AutoSlippageMax < c.Pricing.AutoSlippageMin {
		errs = append(errs, "pricing: need 0 < auto_slippage_min_bps <= auto_slippage_max_bps")
	}

	// Approval
	if _, err := c.Approval.ResetRequiredTokens(); err != nil {
		errs = append(errs, "approval: "+err.Error())
	}
	if c.Approval.DelegatedExpiry.Duration <= 0 {
		errs = append(errs, "approval: delegated_expiry must be > 0")
	}
	if c.Approval.ReceiptPoll.Duration <= 0 {
		errs = append(errs, "approval: receipt_poll must be > 0")
	}

	// Settlement
	if c.Settlement.DefaultDeadline.Duration <= 0 || c.Settlement.FastDeadline.Duration <= 0 {
		errs = append(errs, "settlement: deadlines must be > 0")
	}
	if c.Settlement.WatchInterval.Duration <= 0 {
		errs = append(errs, "settlement: watch_interval must be > 0")
	}

	// Orders
	if c.Orders.PollInterval.Duration <= 0 {
		errs = append(errs, "orders: poll_interval must be > 0")
	}

	// Database
	if c.Database.Enabled && strings.TrimSpace(c.Database.DSN) == "" {
		if c.Database.Host == "" {
			errs = append(errs, "database: host must not be empty (or set database.dsn)")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
		}
	}
	if c.Database.Enabled && c.Database.PoolMinConns > c.Database.PoolMaxConns {
		errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
