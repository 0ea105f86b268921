// Package gatewaykey generates secrets for signing gateway URLs and bearer
// tokens.
package gatewaykey

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	entrypoint "github.com/louisbranch/cloudlabs/internal/platform/cmd"
)

const (
	// SigningSecretVar holds the gateway URL signing secret.
	SigningSecretVar = "CLOUDLABS_GATEWAY_SIGNING_SECRET"
	// JWTSecretVar holds the bearer token secret.
	JWTSecretVar = "CLOUDLABS_JWT_SECRET"
	minBytes     = 16
)

// Config holds configuration for secret generation.
type Config struct {
	Bytes int
	// JWT also prints a bearer token secret.
	JWT bool
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{Bytes: 32}
	fs.IntVar(&cfg.Bytes, "bytes", cfg.Bytes, "number of random bytes per secret")
	fs.BoolVar(&cfg.JWT, "jwt", false, "also print a bearer token secret")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run generates the secrets and writes them to out as env assignments.
func Run(cfg Config, out io.Writer, reader io.Reader) error {
	if cfg.Bytes < minBytes {
		return fmt.Errorf("bytes must be at least %d", minBytes)
	}
	if cfg.JWT && cfg.Bytes < 32 {
		return errors.New("bearer token secrets need at least 32 bytes")
	}
	if out == nil {
		return errors.New("output is required")
	}
	if reader == nil {
		reader = rand.Reader
	}

	vars := []string{SigningSecretVar}
	if cfg.JWT {
		vars = append(vars, JWTSecretVar)
	}
	var b strings.Builder
	for _, name := range vars {
		buf := make([]byte, cfg.Bytes)
		if _, err := io.ReadFull(reader, buf); err != nil {
			return fmt.Errorf("generate random bytes: %w", err)
		}
		fmt.Fprintf(&b, "%s=%s\n", name, hex.EncodeToString(buf))
	}
	_, err := io.WriteString(out, b.String())
	return err
}
