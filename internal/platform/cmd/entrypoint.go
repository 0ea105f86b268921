// Package cmd holds the shared startup plumbing for command entry points.
package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/louisbranch/cloudlabs/internal/platform/config"
	"github.com/louisbranch/cloudlabs/internal/platform/otel"
	"github.com/louisbranch/cloudlabs/internal/platform/timeouts"
)

// Service names a command for telemetry resources and log prefixes.
type Service string

// ServiceLabs is the lab session orchestrator.
const ServiceLabs Service = "labs"

// LogPrefix returns the standard log prefix for the service, e.g. "[LABS] ".
func (s Service) LogPrefix() string {
	return "[" + strings.ToUpper(strings.TrimSpace(string(s))) + "] "
}

// ParseConfig loads CLOUDLABS_-prefixed environment values into cfg.
func ParseConfig[T any](cfg *T) error {
	if cfg == nil {
		return errors.New("config target is required")
	}
	return config.ParseEnvWithPrefix(cfg, config.EnvPrefix)
}

// ParseArgs parses command-line flags. Commands take no positional
// arguments, so any left over is an error.
func ParseArgs(fs *flag.FlagSet, args []string) error {
	if fs == nil {
		return errors.New("flag parser is required")
	}
	if args == nil {
		args = []string{}
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return nil
}

// RunWithTelemetry sets up tracing for service, runs it and flushes spans
// once run returns.
func RunWithTelemetry(ctx context.Context, service Service, run func(context.Context) error) error {
	name := strings.TrimSpace(string(service))
	if name == "" {
		return fmt.Errorf("service name is required")
	}
	if run == nil {
		return fmt.Errorf("run function is required")
	}
	shutdown, err := otel.Setup(ctx, name)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	started := time.Now()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Printf("%s otel shutdown: %v", name, err)
		}
		log.Printf("%s stopped after %s", name, time.Since(started).Round(time.Second))
	}()
	return run(ctx)
}
