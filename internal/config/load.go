package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// ResolvedProfile is one profile merged with the global sections and all
// override layers applied; the CLI and facade consume this form.
type ResolvedProfile struct {
	Name     string
	URL      string
	Kind     string
	Tenant   string
	Username string
	Password string
	Token    string
	Timezone string

	Cache   CacheConfig
	Stream  StreamConfig
	Logging LoggingConfig
	Network NetworkConfig
}

// Load reads and parses a TOML config file, validates it, and returns
// the resulting Config. Unknown keys are fatal, with "did you mean?"
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

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values. This supports zero-config
// use against a local controller.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the four-layer override
// chain: defaults -> config file -> environment variables -> CLI flags.
// CLI flags always win, matching user expectations for one-off
// overrides without editing the config file.
func Resolve(env EnvOverrides, cli CLIOverrides) (*ResolvedProfile, error) {
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

	profileName := cli.Profile
	if profileName == "" {
		profileName = env.Profile
	}

	if profileName == "" {
		profileName = defaultProfileName
	}

	profile, ok := cfg.Profiles[profileName]
	if !ok && profileName != defaultProfileName {
		return nil, fmt.Errorf("config: profile %q not defined in %s", profileName, cfgPath)
	}

	rp := &ResolvedProfile{
		Name:     profileName,
		URL:      profile.URL,
		Kind:     profile.Kind,
		Tenant:   profile.Tenant,
		Username: profile.Username,
		Password: profile.Password,
		Token:    profile.Token,
		Timezone: profile.Timezone,
		Cache:    cfg.Cache,
		Stream:   cfg.Stream,
		Logging:  cfg.Logging,
		Network:  cfg.Network,
	}

	if rp.Kind == "" {
		rp.Kind = defaultKind
	}

	if rp.Timezone == "" {
		rp.Timezone = defaultTimezone
	}

	if rp.Cache.Path == "" {
		rp.Cache.Path = DefaultMappingCachePath()
	}

	if profile.TokenFile != "" && rp.Token == "" {
		token, err := readTokenFile(profile.TokenFile)
		if err != nil {
			return nil, err
		}

		rp.Token = token
	}

	applyEnvOverrides(rp, env)
	applyCLIOverrides(rp, cli)

	if err := ValidateResolved(rp); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return rp, nil
}

func applyEnvOverrides(rp *ResolvedProfile, env EnvOverrides) {
	if env.URL != "" {
		rp.URL = env.URL
	}

	if env.Username != "" {
		rp.Username = env.Username
	}

	if env.Password != "" {
		rp.Password = env.Password
	}

	if env.Token != "" {
		rp.Token = env.Token
	}
}

func applyCLIOverrides(rp *ResolvedProfile, cli CLIOverrides) {
	if cli.URL != nil {
		rp.URL = *cli.URL
	}

	if cli.Kind != nil {
		rp.Kind = *cli.Kind
	}

	if cli.Timezone != nil {
		rp.Timezone = *cli.Timezone
	}
}

// readTokenFile reads a pre-issued access token from a file, trimming
// surrounding whitespace. Token files keep secrets out of the config
// file itself.
func readTokenFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: reading token file: %w", err)
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("config: token file %s is empty", path)
	}

	return token, nil
}
