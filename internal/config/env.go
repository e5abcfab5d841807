package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig  = "STRMGATE_CONFIG"
	EnvHost    = "STRMGATE_HOST"
	EnvPort    = "STRMGATE_PORT"
	EnvDataDir = "STRMGATE_DATA_DIR"
	EnvBaseURL = "STRMGATE_BASE_URL"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string
	Host       string
	Port       string
	DataDir    string
	BaseURL    string
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. Callers apply the relevant fields; the Config is not modified.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		Host:       os.Getenv(EnvHost),
		Port:       os.Getenv(EnvPort),
		DataDir:    os.Getenv(EnvDataDir),
		BaseURL:    os.Getenv(EnvBaseURL),
	}
}
