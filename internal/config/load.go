package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultConfigPath returns the per-user config file location.
func DefaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "strmgate.toml"
	}

	return filepath.Join(dir, "strmgate", "config.toml")
}

// DefaultDataDir returns the per-user data directory for credentials and
// the database.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "strmgate-data"
	}

	return filepath.Join(home, ".local", "share", "strmgate")
}

// Load reads and parses a TOML config file and validates it.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault reads a config file if it exists, otherwise returns the
// defaults. Supports the zero-config first run.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve applies the full override chain and returns the parsed result:
// defaults -> config file -> environment -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	applyEnv(cfg, env)
	applyCLI(cfg, cli)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	dataDir := cfg.Storage.DataDir
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}

	dbPath := cfg.Storage.DatabasePath
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "strmgate.db")
	}

	ttl, err := time.ParseDuration(cfg.Cache.RedirectTTL)
	if err != nil {
		return nil, fmt.Errorf("config: parsing cache.redirect_ttl %q: %w", cfg.Cache.RedirectTTL, err)
	}

	return &Resolved{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		BaseURL:           cfg.Server.BaseURL,
		CORSOrigins:       cfg.Server.CORSOrigins,
		DataDir:           dataDir,
		DatabasePath:      dbPath,
		CredDir:           filepath.Join(dataDir, "credentials"),
		UpstreamBaseURL:   cfg.Upstream.BaseURL,
		RequestsPerSecond: cfg.Upstream.RequestsPerSecond,
		MaxInflight:       cfg.Upstream.MaxInflight,
		UserAgent:         cfg.Upstream.UserAgent,
		RedirectTTL:       ttl,
		LogLevel:          cfg.Logging.Level,
		LogFormat:         cfg.Logging.Format,
	}, nil
}

func applyEnv(cfg *Config, env EnvOverrides) {
	if env.Host != "" {
		cfg.Server.Host = env.Host
	}

	if env.Port != "" {
		if port, err := strconv.Atoi(env.Port); err == nil {
			cfg.Server.Port = port
		}
	}

	if env.DataDir != "" {
		cfg.Storage.DataDir = env.DataDir
	}

	if env.BaseURL != "" {
		cfg.Server.BaseURL = env.BaseURL
	}
}

func applyCLI(cfg *Config, cli CLIOverrides) {
	if cli.Host != nil {
		cfg.Server.Host = *cli.Host
	}

	if cli.Port != nil {
		cfg.Server.Port = *cli.Port
	}

	if cli.DataDir != nil {
		cfg.Storage.DataDir = *cli.DataDir
	}

	if cli.BaseURL != nil {
		cfg.Server.BaseURL = *cli.BaseURL
	}

	if cli.LogLevel != nil {
		cfg.Logging.Level = *cli.LogLevel
	}
}
