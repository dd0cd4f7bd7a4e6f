package config

// RedactedConfig returns a copy of cfg with credentials replaced by "***",
// safe to log at startup.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Wallet.PrivateKey)
	redact(&out.Wallet.KeyPassword)
	redact(&out.TradingAPI.APIKey)
	redact(&out.Database.DSN)
	redact(&out.Database.Password)
	redact(&out.Redis.Password)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Chain RPC URLs often embed provider keys.
	out.Chains = make([]ChainConfig, len(cfg.Chains))
	copy(out.Chains, cfg.Chains)
	for i := range out.Chains {
		redact(&out.Chains[i].RPCURL)
	}

	out.Approval.ResetRequired = append([]string(nil), cfg.Approval.ResetRequired...)
	out.Pricing.SeverityBps = append([]int64(nil), cfg.Pricing.SeverityBps...)
	out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)

	return out
}

const redacted = "***"

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
