// Command bridgesim runs a simulated bridge with drones against a relay.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/tello-relay/relay/internal/bridgesim"
	"github.com/tello-relay/relay/internal/config"
	"github.com/tello-relay/relay/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bridgesim: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("BRIDGESIM_CONFIG"), "path to bridge YAML config")
	relayAddr := flag.String("relay", "", "relay UDP address, overrides the config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := bridgesim.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *relayAddr != "" {
		cfg.Relay = *relayAddr
	}

	logCfg := config.Baseline().Log
	logCfg.Development = true
	if *debug {
		logCfg.Level = "debug"
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bridge := bridgesim.New(cfg, logger)
	logger.Info("Starting bridge simulator", zap.String("relay", cfg.Relay), zap.Strings("drones", bridge.MACs()))
	return bridge.Run(ctx)
}
