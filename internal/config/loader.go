package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies SWAPDESK_* environment variable overrides, and
// returns the final Config. A missing file leaves the defaults in place.
// The returned Config has NOT been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known SWAPDESK_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "SWAPDESK_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "SWAPDESK_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "SWAPDESK_WALLET_KEY_PASSWORD")

	// ── Chains ── (per chain RPC, e.g. SWAPDESK_CHAIN_42161_RPC_URL)
	for i := range cfg.Chains {
		setStr(&cfg.Chains[i].RPCURL, "SWAPDESK_CHAIN_"+strconv.FormatInt(cfg.Chains[i].ID, 10)+"_RPC_URL")
	}

	// ── Trading API ──
	setStr(&cfg.TradingAPI.QuoteURL, "SWAPDESK_TRADING_API_QUOTE_URL")
	setStr(&cfg.TradingAPI.OrdersURL, "SWAPDESK_TRADING_API_ORDERS_URL")
	setStr(&cfg.TradingAPI.APIKey, "SWAPDESK_TRADING_API_KEY")
	setDuration(&cfg.TradingAPI.Timeout, "SWAPDESK_TRADING_API_TIMEOUT")

	// ── Quote ──
	setDuration(&cfg.Quote.Debounce, "SWAPDESK_QUOTE_DEBOUNCE")
	setDuration(&cfg.Quote.Freshness, "SWAPDESK_QUOTE_FRESHNESS")
	setBool(&cfg.Quote.Auto, "SWAPDESK_QUOTE_AUTO")

	// ── Pricing ──
	setInt64(&cfg.Pricing.AutoSlippageMin, "SWAPDESK_PRICING_AUTO_SLIPPAGE_MIN_BPS")
	setInt64(&cfg.Pricing.AutoSlippageMax, "SWAPDESK_PRICING_AUTO_SLIPPAGE_MAX_BPS")

	// ── Approval ──
	setStringSlice(&cfg.Approval.ResetRequired, "SWAPDESK_APPROVAL_RESET_REQUIRED")
	setDuration(&cfg.Approval.DelegatedExpiry, "SWAPDESK_APPROVAL_DELEGATED_EXPIRY")
	setDuration(&cfg.Approval.ReceiptPoll, "SWAPDESK_APPROVAL_RECEIPT_POLL")

	// ── Settlement ──
	setDuration(&cfg.Settlement.DefaultDeadline, "SWAPDESK_SETTLEMENT_DEFAULT_DEADLINE")
	setDuration(&cfg.Settlement.FastDeadline, "SWAPDESK_SETTLEMENT_FAST_DEADLINE")
	setDuration(&cfg.Settlement.WatchInterval, "SWAPDESK_SETTLEMENT_WATCH_INTERVAL")

	// ── Orders ──
	setDuration(&cfg.Orders.PollInterval, "SWAPDESK_ORDERS_POLL_INTERVAL")

	// ── Database ──
	setBool(&cfg.Database.Enabled, "SWAPDESK_DATABASE_ENABLED")
	setStr(&cfg.Database.DSN, "SWAPDESK_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Database.Host, "SWAPDESK_DATABASE_HOST")
	setInt(&cfg.Database.Port, "SWAPDESK_DATABASE_PORT")
	setStr(&cfg.Database.Database, "SWAPDESK_DATABASE_NAME")
	setStr(&cfg.Database.User, "SWAPDESK_DATABASE_USER")
	setStr(&cfg.Database.Password, "SWAPDESK_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "SWAPDESK_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "SWAPDESK_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "SWAPDESK_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "SWAPDESK_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "SWAPDESK_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "SWAPDESK_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SWAPDESK_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SWAPDESK_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "SWAPDESK_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "SWAPDESK_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "SWAPDESK_REDIS_TLS_ENABLED")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SWAPDESK_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SWAPDESK_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "SWAPDESK_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "SWAPDESK_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "SWAPDESK_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "SWAPDESK_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "SWAPDESK_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "SWAPDESK_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "SWAPDESK_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "SWAPDESK_NOTIFY_EVENTS")
	setDuration(&cfg.Notify.Cooldown, "SWAPDESK_NOTIFY_COOLDOWN")

	setStr(&cfg.LogLevel, "SWAPDESK_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
