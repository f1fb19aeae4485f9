// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for rxsync. Values follow a four-layer
// override chain: defaults -> config file -> environment -> CLI flags.
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
// Durations are kept as strings as written by the user and parsed by
// Resolve after validation.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Store   StoreConfig   `toml:"store"`
	Sync    SyncConfig    `toml:"sync"`
	Network NetworkConfig `toml:"network"`
	Auth    AuthConfig    `toml:"auth"`
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig locates the pharmacy backend.
type ServerConfig struct {
	URL            string `toml:"url"`
	RequestTimeout string `toml:"request_timeout"`
}

// StoreConfig locates the local database. An empty path means the
// platform data directory.
type StoreConfig struct {
	Path string `toml:"path"`
}

// SyncConfig controls how the mutation queue is drained.
type SyncConfig struct {
	MaxRetries   int    `toml:"max_retries"`
	ApplyTimeout string `toml:"apply_timeout"`
	BaseBackoff  string `toml:"base_backoff"`
	MaxBackoff   string `toml:"max_backoff"`
}

// NetworkConfig controls connectivity detection.
type NetworkConfig struct {
	ProbeInterval string `toml:"probe_interval"`
	ProbeTimeout  string `toml:"probe_timeout"`
	Debounce      string `toml:"debounce"`
}

// AuthConfig controls where credentials live and how long a refresh may take.
type AuthConfig struct {
	TokenPath      string `toml:"token_path"`
	RefreshTimeout string `toml:"refresh_timeout"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// CLIOverrides holds values from CLI flags. Pointer fields distinguish
// "not specified" (nil) from an explicit value.
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	ServerURL  *string // --server flag
	DataDir    *string // --data-dir flag
}

// Resolved is the effective configuration after the override chain has
// been applied, with durations parsed and paths made absolute.
type Resolved struct {
	ConfigPath string

	ServerURL      string
	RequestTimeout time.Duration

	StorePath string
	TokenPath string

	MaxRetries   int
	ApplyTimeout time.Duration
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration

	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	Debounce      time.Duration

	RefreshTimeout time.Duration

	LogLevel  string
	LogFormat string
}
