package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/edgegate/internal/config"
	"github.com/danmuck/edgegate/internal/logging"
	"github.com/danmuck/edgegate/internal/node"
	"github.com/danmuck/edgegate/internal/observability"
)

func main() {
	path := flag.String("config", "config.toml", "gateway config path")
	flag.Parse()

	logging.ConfigureRuntime()
	observability.RegisterMetrics()

	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gatewayd: %v\n", err)
		os.Exit(1)
	}
	observability.InitLogger("gatewayd", cfg.P2P.P2PID)

	d, err := node.NewDaemon(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gatewayd: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "gatewayd: %v\n", err)
		os.Exit(1)
	}
}
