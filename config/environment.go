package config

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	appEnvVar = "APP_ENV"

	EnvironmentDevelopment = "development"
	EnvironmentProduction  = "production"
	EnvironmentStaging     = "staging"

	// DefaultPath is used when no configuration path is provided.
	DefaultPath = "config/config.yml"
)

var environmentAliases = map[string]string{
	"dev":  EnvironmentDevelopment,
	"prod": EnvironmentProduction,
	"stag": EnvironmentStaging,
}

// AppEnvironment returns the canonical APP_ENV value, development when unset.
func AppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return EnvironmentDevelopment
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

// ResolvePath prefers an environment specific file next to path. With
// APP_ENV=production, config/config.yml resolves to
// config/config.production.yml if that file exists.
func ResolvePath(path string) string {
	if path == "" {
		path = DefaultPath
	}
	ext := filepath.Ext(path)
	candidate := strings.TrimSuffix(path, ext) + "." + AppEnvironment() + ext
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return path
}

// IsProductionLike reports whether env must run with durable storage.
func IsProductionLike(env string) bool {
	switch env {
	case EnvironmentProduction, EnvironmentStaging:
		return true
	default:
		return false
	}
}
