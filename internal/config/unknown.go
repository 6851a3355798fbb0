package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you
// mean?" suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys are the valid leaf keys anywhere in the config file,
// including profile section keys.
var knownKeys = map[string]bool{
	// Profile settings
	"url": true, "kind": true, "tenant": true, "username": true,
	"password": true, "token": true, "token_file": true, "timezone": true,
	// Cache settings
	"path": true, "ttl": true,
	// Stream settings
	"heartbeat_interval": true, "heartbeat_timeout": true,
	"max_reconnects": true, "buffer": true,
	// Logging settings
	"log_level": true, "log_format": true,
	// Network settings
	"connect_timeout": true, "data_timeout": true, "user_agent": true,
}

// knownKeysList is the sorted slice form of knownKeys for Levenshtein
// matching. Sorted for deterministic suggestions when two candidates
// have the same edit distance.
var knownKeysList = func() []string {
	keys := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
// Silently ignoring a typo in a config file leads to hard-to-debug
// behavior, so unknown keys are fatal.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	for _, key := range undecoded {
		parts := strings.Split(key.String(), ".")
		leaf := parts[len(parts)-1]

		suggestion := closestMatch(leaf, knownKeysList)
		if suggestion != "" {
			errs = append(errs, fmt.Errorf(
				"unknown config key %q (did you mean %q?)", key.String(), suggestion))
			continue
		}

		errs = append(errs, fmt.Errorf("unknown config key %q", key.String()))
	}

	return errors.Join(errs...)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Single-row optimization to avoid allocating a full matrix.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := 0; i < len(a); i++ {
		curr[0] = i + 1

		for j := 0; j < len(b); j++ {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = minOf(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}

func minOf(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}

	if c < m {
		m = c
	}

	return m
}
