package server

import (
	"rootauth/config"
	"rootauth/internal/authority"
	"rootauth/internal/idempotency"
	"rootauth/internal/logs"
	"rootauth/internal/pki"
	"rootauth/internal/ratelimit"
)

// Переходники config.Config → конфиги компонентов.

func logOptions(c *config.Config) logs.Options {
	return logs.Options{Level: c.Logging.Level, Format: c.Logging.Format, File: c.Logging.File}
}

func authorityConfig(c *config.Config) authority.Config {
	return authority.Config{
		AccessTTL:          c.Tokens.AccessTTL,
		RefreshTTL:         c.Tokens.RefreshTTL,
		ChannelTTL:         c.Tokens.ChannelTTL,
		ChannelRotateRatio: c.Tokens.ChannelRotateRatio,
		DeviceCodeTTL:      c.Flows.DeviceCodeTTL,
		QRTTL:              c.Flows.QRTTL,
		ChallengeTTL:       c.Flows.ChallengeTTL,
		PollInterval:       c.Flows.PollInterval,
		ProofLeeway:        c.Tokens.ProofLeeway,
	}
}

func pkiConfig(c *config.Config) pki.Config {
	return pki.Config{
		Organization:    c.CA.Organization,
		RootTTL:         c.CA.RootTTL,
		IntermediateTTL: c.CA.IntermediateTTL,
		RotationMargin:  c.CA.RotationMargin,
		HubTTL:          c.CA.HubTTL,
		MemberTTL:       c.CA.MemberTTL,
		SubnetCATTL:     c.CA.SubnetCATTL,
		DefaultTTL:      c.CA.DefaultTTL,
	}
}

func rateLimitConfig(c *config.Config) ratelimit.Config {
	return ratelimit.Config{
		Window: c.RateLimit.Window,
		Limits: map[ratelimit.Category]int{
			ratelimit.Device: c.RateLimit.Device,
			ratelimit.QR:     c.RateLimit.QR,
			ratelimit.Auth:   c.RateLimit.Auth,
		},
	}
}

func idempotencyConfig(c *config.Config) idempotency.Config {
	return idempotency.Config{TTL: c.Idempotency.TTL, Wait: c.Idempotency.Wait, MaxWait: c.Idempotency.MaxWait}
}
