package config

// Default values for configuration options: layer 0 of the override
// chain, chosen so the client works against a local controller with no
// config file at all.
const (
	defaultProfileName       = "default"
	defaultKind              = "auto"
	defaultTimezone          = "UTC"
	defaultCacheTTL          = "5m"
	defaultHeartbeatInterval = "5s"
	defaultHeartbeatTimeout  = "15s"
	defaultMaxReconnects     = 5
	defaultStreamBuffer      = 256
	defaultLogLevel          = "info"
	defaultLogFormat         = "auto"
	defaultConnectTimeout    = "10s"
	defaultDataTimeout       = "60s"
)

// DefaultConfig returns a Config populated with all default values. It
// is the starting point for TOML decoding, so unset fields keep their
// defaults.
func DefaultConfig() *Config {
	return &Config{
		Profiles: make(map[string]Profile),
		Cache: CacheConfig{
			TTL: defaultCacheTTL,
		},
		Stream: StreamConfig{
			HeartbeatInterval: defaultHeartbeatInterval,
			HeartbeatTimeout:  defaultHeartbeatTimeout,
			MaxReconnects:     defaultMaxReconnects,
			Buffer:            defaultStreamBuffer,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Network: NetworkConfig{
			ConnectTimeout: defaultConnectTimeout,
			DataTimeout:    defaultDataTimeout,
		},
	}
}
