package config

// Default values for configuration options, the "layer 0" of the override
// chain. Chosen so the gateway runs with no config file at all.
const (
	defaultHost              = "0.0.0.0"
	defaultPort              = 8115
	defaultUpstreamBaseURL   = "https://api.cloudpan.example.com"
	defaultRequestsPerSecond = 2.0
	defaultMaxInflight       = 4
	defaultUserAgent         = "strmgate/1.0"
	defaultRedirectTTL       = "1h"
	defaultLogLevel          = "info"
	defaultLogFormat         = "auto"
)

// DefaultConfig returns a Config populated with all default values. Used
// as the starting point for TOML decoding so unset fields keep defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: defaultHost,
			Port: defaultPort,
		},
		Upstream: UpstreamConfig{
			BaseURL:           defaultUpstreamBaseURL,
			RequestsPerSecond: defaultRequestsPerSecond,
			MaxInflight:       defaultMaxInflight,
			UserAgent:         defaultUserAgent,
		},
		Cache: CacheConfig{
			RedirectTTL: defaultRedirectTTL,
		},
		Logging: LoggingConfig{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}
}
