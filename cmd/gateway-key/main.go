package main

import (
	"flag"
	"os"

	"github.com/louisbranch/cloudlabs/internal/platform/config"
	"github.com/louisbranch/cloudlabs/internal/tools/gatewaykey"
)

func main() {
	cfg, err := gatewaykey.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	if err := gatewaykey.Run(cfg, os.Stdout, nil); err != nil {
		config.Exitf("generate key: %v", err)
	}
}
