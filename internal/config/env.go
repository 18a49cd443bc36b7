// Package config holds the small environment-variable helpers shared by all
// three binaries, in the style of the teacher's tools/codex-init and
// tools/si env readers — no flag/viper framework.
package config

import (
	"os"
	"strconv"
	"strings"
)

// EnvOr returns the trimmed value of key, or def if unset/blank.
func EnvOr(key, def string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	return val
}

// EnvOrInt parses key as an int, or returns fallback if unset/unparsable.
func EnvOrInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

// EnvIsTrue reports whether key holds a recognized truthy value.
func EnvIsTrue(key string) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
