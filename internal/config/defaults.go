package config

// Default values for configuration options. These are layer 0 of the
// override chain and work without any config file.
const (
	defaultServerURL      = "http://localhost:5000"
	defaultRequestTimeout = "30s"
	defaultMaxRetries     = 5
	defaultApplyTimeout   = "30s"
	defaultBaseBackoff    = "1s"
	defaultMaxBackoff     = "60s"
	defaultProbeInterval  = "15s"
	defaultProbeTimeout   = "5s"
	defaultDebounce       = "1s"
	defaultRefreshTimeout = "30s"
	defaultLogLevel       = "info"
	defaultLogFormat      = "auto"
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding, so unset fields keep their defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			URL:            defaultServerURL,
			RequestTimeout: defaultRequestTimeout,
		},
		Sync: SyncConfig{
			MaxRetries:   defaultMaxRetries,
			ApplyTimeout: defaultApplyTimeout,
			BaseBackoff:  defaultBaseBackoff,
			MaxBackoff:   defaultMaxBackoff,
		},
		Network: NetworkConfig{
			ProbeInterval: defaultProbeInterval,
			ProbeTimeout:  defaultProbeTimeout,
			Debounce:      defaultDebounce,
		},
		Auth: AuthConfig{
			RefreshTimeout: defaultRefreshTimeout,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
	}
}
