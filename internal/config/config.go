// Package config loads the service's configuration from environment
// variables: per-account credential blocks discovered by scanning indexed
// keys, plus global settings.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AccountConfig is one configured trading account, immutable after load.
type AccountConfig struct {
	AccountID     int
	AccountName   string
	APIKeyIndex   int
	PrivateKeyPEM []byte
	PublicKey     string
	ProxyURL      string // normalized http://[user:pass@]host:port, or empty
}

// Config is the fully loaded, validated process configuration.
type Config struct {
	Accounts []AccountConfig

	Host string
	Port int

	PollInterval time.Duration
	CacheTTL     time.Duration

	RateLimit       string
	RateLimitPerSec float64
	RateLimitBurst  int

	LighterBaseURL string
	LighterWSURL   string

	SinkDatabaseURL string
	SinkAPIKey      string

	LogLevel        string
	ShutdownTimeout time.Duration
}

// SinkEnabled reports whether both durable-sink credential variables were
// supplied.
func (c *Config) SinkEnabled() bool {
	return c.SinkDatabaseURL != "" && c.SinkAPIKey != ""
}

// Getenv matches os.Getenv's signature; Load is parametrized over it so
// tests can supply a fake environment without mutating process state.
type Getenv func(string) string

// LoadDotenv loads a .env file into the process environment ahead of
// Load, if present. Missing files are not an error.
func LoadDotenv(path string) error {
	if err := godotenv.Load(path); err != nil && !strings.Contains(err.Error(), "no such file") {
		return fmt.Errorf("config: load .env: %w", err)
	}
	return nil
}

// Load discovers account blocks and global settings from getenv, applies
// defaults, and returns an unvalidated Config. Call Validate separately, or
// use LoadAndValidate.
func Load(getenv Getenv) (*Config, error) {
	accounts, err := loadAccounts(getenv)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Accounts:        accounts,
		Host:            getenv("HOST"),
		LighterBaseURL:  getenv("LIGHTER_BASE_URL"),
		LighterWSURL:    getenv("LIGHTER_WS_URL"),
		SinkDatabaseURL: getenv("SINK_DATABASE_URL"),
		SinkAPIKey:      getenv("SINK_API_KEY"),
		LogLevel:        getenv("LOG_LEVEL"),
		RateLimit:       getenv("RATE_LIMIT"),
	}

	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: PORT: %w", err)
		}
		cfg.Port = port
	}
	if v := getenv("POLL_INTERVAL"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("config: POLL_INTERVAL: %w", err)
		}
		cfg.PollInterval = time.Duration(secs * float64(time.Second))
	}
	if v := getenv("CACHE_TTL"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("config: CACHE_TTL: %w", err)
		}
		cfg.CacheTTL = time.Duration(secs * float64(time.Second))
	}
	if v := getenv("SHUTDOWN_TIMEOUT"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("config: SHUTDOWN_TIMEOUT: %w", err)
		}
		cfg.ShutdownTimeout = time.Duration(secs * float64(time.Second))
	}

	cfg.applyDefaults()

	rate, burst, err := parseRateLimit(cfg.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("config: RATE_LIMIT: %w", err)
	}
	cfg.RateLimitPerSec, cfg.RateLimitBurst = rate, burst

	return cfg, nil
}

// LoadAndValidate is Load followed by Validate.
func LoadAndValidate(getenv Getenv) (*Config, error) {
	cfg, err := Load(getenv)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadAccounts scans Lighter_<n>_Account_Index for n = 0, 1, 2, ... and
// stops at the first missing index, so a gap in the sequence truncates
// discovery rather than skipping over it.
func loadAccounts(getenv Getenv) ([]AccountConfig, error) {
	var accounts []AccountConfig
	for n := 0; ; n++ {
		prefix := fmt.Sprintf("Lighter_%d_", n)
		idxStr := getenv(prefix + "Account_Index")
		if idxStr == "" {
			break
		}

		accountID, err := strconv.Atoi(idxStr)
		if err != nil {
			return nil, fmt.Errorf("config: %sAccount_Index: %w", prefix, err)
		}
		apiKeyIndex, err := strconv.Atoi(getenv(prefix + "API_KEY_Index"))
		if err != nil {
			return nil, fmt.Errorf("config: %sAPI_KEY_Index: %w", prefix, err)
		}

		name := getenv(prefix + "Account_Name")
		if name == "" {
			name = fmt.Sprintf("account-%d", accountID)
		}

		proxy := ""
		if raw := getenv(prefix + "PROXY_URL"); raw != "" {
			proxy, err = NormalizeProxy(raw)
			if err != nil {
				return nil, fmt.Errorf("config: %sPROXY_URL: %w", prefix, err)
			}
		}

		accounts = append(accounts, AccountConfig{
			AccountID:     accountID,
			AccountName:   name,
			APIKeyIndex:   apiKeyIndex,
			PrivateKeyPEM: []byte(getenv(prefix + "PRIVATE")),
			PublicKey:     getenv(prefix + "PUBLIC"),
			ProxyURL:      proxy,
		})
	}
	return accounts, nil
}

// NormalizeProxy canonicalizes a proxy string of the form
// "ip:port:user:pass" or "ip:port" into "http://[user:pass@]ip:port".
func NormalizeProxy(raw string) (string, error) {
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw, nil
	}

	parts := strings.Split(raw, ":")
	switch len(parts) {
	case 2:
		return fmt.Sprintf("http://%s:%s", parts[0], parts[1]), nil
	case 4:
		return fmt.Sprintf("http://%s:%s@%s:%s", parts[2], parts[3], parts[0], parts[1]), nil
	default:
		return "", fmt.Errorf("proxy string %q must be ip:port or ip:port:user:pass", raw)
	}
}

// parseRateLimit parses a string of the form "<n>/minute" or "<n>/second"
// into a requests-per-second rate and a burst size equal to the window
// count (matching a one-window burst allowance).
func parseRateLimit(s string) (perSec float64, burst int, err error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid rate limit %q, want \"<n>/minute\" or \"<n>/second\"", s)
	}
	n, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid rate limit count %q: %w", parts[0], err)
	}

	switch strings.ToLower(strings.TrimSpace(parts[1])) {
	case "second", "sec", "s":
		return float64(n), n, nil
	case "minute", "min", "m":
		return float64(n) / 60.0, n, nil
	default:
		return 0, 0, fmt.Errorf("invalid rate limit window %q, want second or minute", parts[1])
	}
}
