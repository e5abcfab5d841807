package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

var validLogFormats = map[string]bool{
	"auto": true, "text": true, "json": true,
}

// Validate checks cross-field constraints after decoding.
func Validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", cfg.Server.Port)
	}

	if cfg.Server.BaseURL != "" {
		if err := checkURL("server.base_url", cfg.Server.BaseURL); err != nil {
			return err
		}
	}

	if err := checkURL("upstream.base_url", cfg.Upstream.BaseURL); err != nil {
		return err
	}

	if cfg.Upstream.RequestsPerSecond <= 0 {
		return fmt.Errorf("config: upstream.requests_per_second must be positive, got %g",
			cfg.Upstream.RequestsPerSecond)
	}

	if cfg.Upstream.MaxInflight < 1 {
		return fmt.Errorf("config: upstream.max_inflight must be at least 1, got %d",
			cfg.Upstream.MaxInflight)
	}

	if ttl, err := time.ParseDuration(cfg.Cache.RedirectTTL); err != nil || ttl <= 0 {
		return fmt.Errorf("config: cache.redirect_ttl %q is not a positive duration",
			cfg.Cache.RedirectTTL)
	}

	level := strings.ToLower(cfg.Logging.Level)
	if !validLogLevels[level] {
		return fmt.Errorf("config: logging.level %q is not one of debug, info, warn, error",
			cfg.Logging.Level)
	}

	if !validLogFormats[strings.ToLower(cfg.Logging.Format)] {
		return fmt.Errorf("config: logging.format %q is not one of auto, text, json",
			cfg.Logging.Format)
	}

	return nil
}

func checkURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: %s %q is not an absolute URL", field, raw)
	}

	return nil
}
