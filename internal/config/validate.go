package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"time"
)

// Validation range constants.
const (
	minMaxRetries     = 1
	maxMaxRetries     = 100
	minRequestTimeout = 1 * time.Second
	minApplyTimeout   = 1 * time.Second
	minBaseBackoff    = 10 * time.Millisecond
	minProbeInterval  = 1 * time.Second
	minProbeTimeout   = 100 * time.Millisecond
	minRefreshTimeout = 1 * time.Second
)

// Validate checks all configuration values and returns every error found,
// so users can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)
	errs = append(errs, validateAuth(&cfg.Auth)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

// validateResolved checks constraints that only make sense after the
// override chain has been applied.
func validateResolved(r *Resolved) error {
	var errs []error

	if r.StorePath == "" {
		errs = append(errs, errors.New("store.path: no data directory available, set RXSYNC_DATA_DIR"))
	} else if !filepath.IsAbs(r.StorePath) {
		errs = append(errs, fmt.Errorf("store.path: must be absolute after expansion, got %q", r.StorePath))
	}

	if r.TokenPath == "" {
		errs = append(errs, errors.New("auth.token_path: no data directory available, set RXSYNC_DATA_DIR"))
	} else if !filepath.IsAbs(r.TokenPath) {
		errs = append(errs, fmt.Errorf("auth.token_path: must be absolute after expansion, got %q", r.TokenPath))
	}

	return errors.Join(errs...)
}

func validateServer(s *ServerConfig) []error {
	var errs []error

	u, err := url.Parse(s.URL)

	switch {
	case s.URL == "":
		errs = append(errs, errors.New("server.url: must not be empty"))
	case err != nil:
		errs = append(errs, fmt.Errorf("server.url: %w", err))
	case u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, fmt.Errorf("server.url: scheme must be http or https, got %q", s.URL))
	case u.Host == "":
		errs = append(errs, fmt.Errorf("server.url: missing host in %q", s.URL))
	}

	errs = append(errs, validateDurationMin("server.request_timeout", s.RequestTimeout, minRequestTimeout)...)

	return errs
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	if s.MaxRetries < minMaxRetries || s.MaxRetries > maxMaxRetries {
		errs = append(errs, fmt.Errorf("sync.max_retries: must be between %d and %d, got %d",
			minMaxRetries, maxMaxRetries, s.MaxRetries))
	}

	errs = append(errs, validateDurationMin("sync.apply_timeout", s.ApplyTimeout, minApplyTimeout)...)

	baseErrs := validateDurationMin("sync.base_backoff", s.BaseBackoff, minBaseBackoff)
	maxErrs := validateDurationMin("sync.max_backoff", s.MaxBackoff, minBaseBackoff)
	errs = append(errs, baseErrs...)
	errs = append(errs, maxErrs...)

	if len(baseErrs) == 0 && len(maxErrs) == 0 && mustDuration(s.MaxBackoff) < mustDuration(s.BaseBackoff) {
		errs = append(errs, fmt.Errorf("sync.max_backoff: must be >= base_backoff (%s), got %s",
			s.BaseBackoff, s.MaxBackoff))
	}

	return errs
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("network.probe_interval", n.ProbeInterval, minProbeInterval)...)
	errs = append(errs, validateDurationMin("network.probe_timeout", n.ProbeTimeout, minProbeTimeout)...)
	errs = append(errs, validateDurationNonNeg("network.debounce", n.Debounce)...)

	return errs
}

func validateAuth(a *AuthConfig) []error {
	return validateDurationMin("auth.refresh_timeout", a.RefreshTimeout, minRefreshTimeout)
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)}
	}

	return nil
}

func validateDurationNonNeg(field, value string) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < 0 {
		return []error{fmt.Errorf("%s: must be >= 0, got %s", field, d)}
	}

	return nil
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("logging.log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	return errs
}
