// Package main starts the labs service process lifecycle.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	labscmd "github.com/louisbranch/cloudlabs/internal/cmd/labs"
	entrypoint "github.com/louisbranch/cloudlabs/internal/platform/cmd"
)

func main() {
	cfg, err := labscmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix(entrypoint.ServiceLabs.LogPrefix())
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := labscmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
