package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const (
	platformLinux  = "linux"
	platformDarwin = "darwin"
)

// Application directory name used across all platforms.
const appName = "gidata"

const configFileName = "config.toml"

// mappingCacheFileName is the default channel mapping database name
// inside the cache directory.
const mappingCacheFileName = "mappings.db"

// DefaultConfigDir returns the platform-specific directory for config
// files. On Linux, respects XDG_CONFIG_HOME (defaults to
// ~/.config/gidata). On macOS, uses ~/Library/Application Support/gidata
// per Apple guidelines.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}

		return filepath.Join(home, ".config", appName)
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".config", appName)
	}
}

// DefaultCacheDir returns the platform-specific directory for cache
// files. On Linux, respects XDG_CACHE_HOME (defaults to ~/.cache/gidata).
func DefaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}

		return filepath.Join(home, ".cache", appName)
	case platformDarwin:
		return filepath.Join(home, "Library", "Caches", appName)
	default:
		return filepath.Join(home, ".cache", appName)
	}
}

// DefaultConfigPath returns the full path to the default config file.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}

// DefaultMappingCachePath returns the default location of the channel
// mapping database.
func DefaultMappingCachePath() string {
	dir := DefaultCacheDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, mappingCacheFileName)
}
