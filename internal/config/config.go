// Package config implements TOML configuration loading and validation for
// strmgate. Values resolve through a four-layer override chain
// (defaults -> config file -> environment -> CLI flags).
package config

import "time"

// Config is the top-level structure parsed from a TOML file.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Storage  StorageConfig  `toml:"storage"`
	Upstream UpstreamConfig `toml:"upstream"`
	Cache    CacheConfig    `toml:"cache"`
	Logging  LoggingConfig  `toml:"logging"`
}

// ServerConfig controls the HTTP listener and the externally visible base
// URL written into stub files.
type ServerConfig struct {
	Host        string   `toml:"host"`
	Port        int      `toml:"port"`
	BaseURL     string   `toml:"base_url"`
	CORSOrigins []string `toml:"cors_origins"`
}

// StorageConfig controls where credentials and the SQLite database live.
// An empty database_path derives from data_dir.
type StorageConfig struct {
	DataDir      string `toml:"data_dir"`
	DatabasePath string `toml:"database_path"`
}

// UpstreamConfig controls the cloud-storage API client.
type UpstreamConfig struct {
	BaseURL           string  `toml:"base_url"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	MaxInflight       int     `toml:"max_inflight"`
	UserAgent         string  `toml:"user_agent"`
}

// CacheConfig controls the signed-URL redirect cache.
type CacheConfig struct {
	RedirectTTL string `toml:"redirect_ttl"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath string
	Host       *string
	Port       *int
	DataDir    *string
	BaseURL    *string
	LogLevel   *string
}

// Resolved is the fully parsed configuration handed to the rest of the
// process: strings become durations and the listen address is assembled.
type Resolved struct {
	Addr         string
	BaseURL      string
	CORSOrigins  []string
	DataDir      string
	DatabasePath string
	CredDir      string

	UpstreamBaseURL   string
	RequestsPerSecond float64
	MaxInflight       int
	UserAgent         string

	RedirectTTL time.Duration

	LogLevel  string
	LogFormat string
}
