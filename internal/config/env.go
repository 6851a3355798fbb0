package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig   = "GIDATA_CONFIG"
	EnvProfile  = "GIDATA_PROFILE"
	EnvURL      = "GIDATA_URL"
	EnvUsername = "GIDATA_USERNAME"
	EnvPassword = "GIDATA_PASSWORD"
	EnvToken    = "GIDATA_TOKEN"
)

// EnvOverrides holds values derived from environment variables.
// Credentials are accepted here so CI jobs never have to write secrets
// into a config file.
type EnvOverrides struct {
	ConfigPath string
	Profile    string
	URL        string
	Username   string
	Password   string
	Token      string
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. It does not modify the Config; Resolve applies the relevant
// fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		Profile:    os.Getenv(EnvProfile),
		URL:        os.Getenv(EnvURL),
		Username:   os.Getenv(EnvUsername),
		Password:   os.Getenv(EnvPassword),
		Token:      os.Getenv(EnvToken),
	}
}
