package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig   = "RXSYNC_CONFIG"
	EnvServer   = "RXSYNC_SERVER"
	EnvDataDir  = "RXSYNC_DATA_DIR"
	EnvPassword = "RXSYNC_PASSWORD"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // RXSYNC_CONFIG: override config file path
	ServerURL  string // RXSYNC_SERVER: backend base URL
	DataDir    string // RXSYNC_DATA_DIR: directory for the database and token file
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. The password is not included; commands read it on demand.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		ServerURL:  os.Getenv(EnvServer),
		DataDir:    os.Getenv(EnvDataDir),
	}
}
