// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for gidata. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags)
// with named backend profiles.
package config

// Config is the top-level configuration structure parsed from a TOML
// file: named backend profiles plus global sections shared by all of
// them.
type Config struct {
	Profiles map[string]Profile `toml:"profile"`
	Cache    CacheConfig        `toml:"cache"`
	Stream   StreamConfig       `toml:"stream"`
	Logging  LoggingConfig      `toml:"logging"`
	Network  NetworkConfig      `toml:"network"`
}

// Profile describes one backend connection. Credentials come either
// from username/password or from a pre-issued token; token_file points
// at a file holding the token so secrets stay out of the config file.
type Profile struct {
	URL       string `toml:"url"`
	Kind      string `toml:"kind"`
	Tenant    string `toml:"tenant"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
	Token     string `toml:"token"`
	TokenFile string `toml:"token_file"`
	Timezone  string `toml:"timezone"`
}

// CacheConfig controls the channel mapping cache.
type CacheConfig struct {
	Path string `toml:"path"`
	TTL  string `toml:"ttl"`
}

// StreamConfig controls the push streaming transport.
type StreamConfig struct {
	HeartbeatInterval string `toml:"heartbeat_interval"`
	HeartbeatTimeout  string `toml:"heartbeat_timeout"`
	MaxReconnects     int    `toml:"max_reconnects"`
	Buffer            int    `toml:"buffer"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// NetworkConfig controls HTTP client behavior.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	DataTimeout    string `toml:"data_timeout"`
	UserAgent      string `toml:"user_agent"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath string // --config flag (empty = use default)
	Profile    string // --profile flag (empty = use default)
	URL        *string
	Kind       *string
	Timezone   *string
}
