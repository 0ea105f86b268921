// Package config holds the environment loading and fatal-exit helpers shared
// by command entry points.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix namespaces every environment variable read by this module.
const EnvPrefix = "CLOUDLABS_"

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	return ParseEnvWithPrefix(target, "")
}

// ParseEnvWithPrefix loads configuration from environment variables, prepending
// prefix to every `env` tag in target (nested envPrefix tags still apply).
func ParseEnvWithPrefix(target any, prefix string) error {
	opts := env.Options{Prefix: strings.TrimSpace(prefix)}
	if err := env.ParseWithOptions(target, opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Exitf writes a formatted error message to stderr and exits with code 1.
func Exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
