package config

import (
	"fmt"
	"net/url"
	"strings"
)

// MaxFeeBps mirrors the ledger's upper bound on the transaction fee.
const MaxFeeBps = 10_000

// Validate rejects configurations the ledger cannot start with.
func Validate(cfg *Config) error {
	switch strings.ToLower(cfg.Storage.Backend) {
	case BackendLevelDB, BackendBolt:
	default:
		return fmt.Errorf("storage: unknown backend %q", cfg.Storage.Backend)
	}
	if strings.TrimSpace(cfg.Storage.DataDir) == "" {
		return fmt.Errorf("storage: DataDir is required")
	}
	if cfg.Ledger.FeeBps > MaxFeeBps {
		return fmt.Errorf("ledger: FeeBps %d exceeds %d", cfg.Ledger.FeeBps, MaxFeeBps)
	}
	if cfg.Ledger.MaxAmount > 0 && cfg.Ledger.MinAmount > cfg.Ledger.MaxAmount {
		return fmt.Errorf("ledger: MinAmount %d > MaxAmount %d", cfg.Ledger.MinAmount, cfg.Ledger.MaxAmount)
	}
	if strings.TrimSpace(cfg.Ledger.Currency) == "" {
		return fmt.Errorf("ledger: Currency is required")
	}
	if strings.TrimSpace(cfg.API.ListenAddress) == "" {
		return fmt.Errorf("api: ListenAddress is required")
	}
	if strings.TrimSpace(cfg.API.JWTSecret) == "" {
		return fmt.Errorf("api: JWTSecret is required")
	}
	if cfg.API.RateLimitPerMinute < 0 {
		return fmt.Errorf("api: RateLimitPerMinute must not be negative")
	}
	if cfg.Quota.MaxVolumePerEpoch > 0 && cfg.Quota.EpochSeconds == 0 {
		return fmt.Errorf("quota: EpochSeconds is required when MaxVolumePerEpoch is set")
	}
	for i, ep := range cfg.Webhooks.Endpoints {
		parsed, err := url.Parse(ep.URL)
		if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return fmt.Errorf("webhooks: endpoint %d has invalid URL %q", i, ep.URL)
		}
		if strings.TrimSpace(ep.Secret) == "" {
			return fmt.Errorf("webhooks: endpoint %d requires a signing secret", i)
		}
	}
	return nil
}
