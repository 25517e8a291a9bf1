package config

import "time"

// Default values for optional configuration fields, matching the
// environment-variable defaults the service has always shipped with.
const (
	DefaultHost            = "0.0.0.0"
	DefaultPort            = 5000
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultCacheTTL        = 5 * time.Second
	DefaultRateLimit       = "100/minute"
	DefaultLighterBaseURL  = "https://mainnet.zklighter.elliot.ai"
	DefaultLighterWSURL    = "wss://mainnet.zklighter.elliot.ai/stream"
	DefaultLogLevel        = "info"
	DefaultShutdownTimeout = 10 * time.Second
)

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.RateLimit == "" {
		c.RateLimit = DefaultRateLimit
	}
	if c.LighterBaseURL == "" {
		c.LighterBaseURL = DefaultLighterBaseURL
	}
	if c.LighterWSURL == "" {
		c.LighterWSURL = DefaultLighterWSURL
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
}
