package config

import (
	"errors"
	"fmt"
)

// Validate checks that the configuration is usable: at least one account
// is configured, no account is missing key material, and the port and rate
// limit are sane.
func (c *Config) Validate() error {
	if len(c.Accounts) == 0 {
		return errors.New("config: at least one account must be configured (Lighter_0_Account_Index, ...)")
	}

	seen := make(map[int]bool, len(c.Accounts))
	for _, a := range c.Accounts {
		if seen[a.AccountID] {
			return fmt.Errorf("config: duplicate account_id %d", a.AccountID)
		}
		seen[a.AccountID] = true

		if len(a.PrivateKeyPEM) == 0 {
			return fmt.Errorf("config: account %d: missing private key material", a.AccountID)
		}
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: port must be between 1 and 65535, got %d", c.Port)
	}
	if c.PollInterval <= 0 {
		return errors.New("config: poll_interval must be positive")
	}
	if c.CacheTTL <= 0 {
		return errors.New("config: cache_ttl must be positive")
	}
	if c.RateLimitPerSec <= 0 {
		return errors.New("config: rate_limit must resolve to a positive rate")
	}

	return nil
}
