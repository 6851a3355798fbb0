package config

import (
	"errors"
	"fmt"
	"time"
)

// Valid backend kinds accepted in profiles.
var validKinds = map[string]bool{
	"auto": true, "local-http": true, "cloud-http": true,
	"cloud-graphql": true, "streaming": true,
}

// Valid log levels and formats.
var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"auto": true, "text": true, "json": true}
)

// Validate checks a parsed Config for structural errors before any
// profile is resolved.
func Validate(cfg *Config) error {
	var errs []error

	for name, p := range cfg.Profiles {
		if p.Kind != "" && !validKinds[p.Kind] {
			errs = append(errs, fmt.Errorf("profile %q: unknown backend kind %q", name, p.Kind))
		}

		if p.Token != "" && p.TokenFile != "" {
			errs = append(errs, fmt.Errorf("profile %q: token and token_file are mutually exclusive", name))
		}
	}

	errs = append(errs,
		checkDuration("cache.ttl", cfg.Cache.TTL),
		checkDuration("stream.heartbeat_interval", cfg.Stream.HeartbeatInterval),
		checkDuration("stream.heartbeat_timeout", cfg.Stream.HeartbeatTimeout),
		checkDuration("network.connect_timeout", cfg.Network.ConnectTimeout),
		checkDuration("network.data_timeout", cfg.Network.DataTimeout),
	)

	if !validLogLevels[cfg.Logging.LogLevel] {
		errs = append(errs, fmt.Errorf("logging.log_level: unknown level %q", cfg.Logging.LogLevel))
	}

	if !validLogFormats[cfg.Logging.LogFormat] {
		errs = append(errs, fmt.Errorf("logging.log_format: unknown format %q", cfg.Logging.LogFormat))
	}

	return errors.Join(errs...)
}

// ValidateResolved checks the final resolved profile for errors that
// only show up after all override layers are applied.
func ValidateResolved(rp *ResolvedProfile) error {
	var errs []error

	if rp.URL == "" {
		errs = append(errs, fmt.Errorf("profile %q: url is required", rp.Name))
	}

	if !validKinds[rp.Kind] {
		errs = append(errs, fmt.Errorf("profile %q: unknown backend kind %q", rp.Name, rp.Kind))
	}

	if rp.Username != "" && rp.Token != "" {
		errs = append(errs, fmt.Errorf("profile %q: username/password and token are mutually exclusive", rp.Name))
	}

	if _, err := time.LoadLocation(rp.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("profile %q: unknown timezone %q", rp.Name, rp.Timezone))
	}

	return errors.Join(errs...)
}

func checkDuration(key, value string) error {
	if value == "" {
		return nil
	}

	if _, err := time.ParseDuration(value); err != nil {
		return fmt.Errorf("%s: invalid duration %q", key, value)
	}

	return nil
}
