package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal errors with "did you mean?"
// suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns a
// Config populated with default values.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables -> CLI flags.
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

	if env.ServerURL != "" {
		cfg.Server.URL = env.ServerURL
	}

	if cli.ServerURL != nil {
		cfg.Server.URL = *cli.ServerURL
	}

	dataDir := DefaultDataDir()
	if env.DataDir != "" {
		dataDir = env.DataDir
	}

	if cli.DataDir != nil {
		dataDir = *cli.DataDir
	}

	// Overrides are validated together with the file values.
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	r := build(cfg, expandTilde(dataDir))
	r.ConfigPath = cfgPath

	if err := validateResolved(r); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return r, nil
}

// build converts a validated Config into a Resolved. Paths not set in the
// file are placed inside dataDir.
func build(cfg *Config, dataDir string) *Resolved {
	r := &Resolved{
		ServerURL:      strings.TrimRight(cfg.Server.URL, "/"),
		RequestTimeout: mustDuration(cfg.Server.RequestTimeout),
		StorePath:      expandTilde(cfg.Store.Path),
		TokenPath:      expandTilde(cfg.Auth.TokenPath),
		MaxRetries:     cfg.Sync.MaxRetries,
		ApplyTimeout:   mustDuration(cfg.Sync.ApplyTimeout),
		BaseBackoff:    mustDuration(cfg.Sync.BaseBackoff),
		MaxBackoff:     mustDuration(cfg.Sync.MaxBackoff),
		ProbeInterval:  mustDuration(cfg.Network.ProbeInterval),
		ProbeTimeout:   mustDuration(cfg.Network.ProbeTimeout),
		Debounce:       mustDuration(cfg.Network.Debounce),
		RefreshTimeout: mustDuration(cfg.Auth.RefreshTimeout),
		LogLevel:       cfg.Logging.LogLevel,
		LogFormat:      cfg.Logging.LogFormat,
	}

	if r.StorePath == "" && dataDir != "" {
		r.StorePath = filepath.Join(dataDir, storeFileName)
	}

	if r.TokenPath == "" && dataDir != "" {
		r.TokenPath = filepath.Join(dataDir, tokenFileName)
	}

	return r
}

// mustDuration parses a duration that Validate has already accepted.
func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}

	return d
}
