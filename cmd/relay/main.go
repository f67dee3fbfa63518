// Command relay runs the drone command relay: the bridge-facing UDP socket
// and the caller-facing HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tello-relay/relay/internal/api"
	"github.com/tello-relay/relay/internal/audit"
	"github.com/tello-relay/relay/internal/auth"
	"github.com/tello-relay/relay/internal/command"
	"github.com/tello-relay/relay/internal/config"
	"github.com/tello-relay/relay/internal/device"
	"github.com/tello-relay/relay/internal/logging"
	"github.com/tello-relay/relay/internal/session"
	"github.com/tello-relay/relay/internal/telemetry"
	"github.com/tello-relay/relay/internal/transport"
)

// Version is overridden at build time with -ldflags.
var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("RELAY_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("Starting drone relay", zap.String("version", Version))

	udp, err := transport.Listen(cfg.Transport.Listen, cfg.Transport.ReadBuffer, logger)
	if err != nil {
		return err
	}
	defer func() { _ = udp.Close() }()
	logger.Info("Bridge socket bound", zap.Stringer("addr", udp.LocalAddr()))

	sessions, err := session.NewRegistry(cfg.Session.Mode, udp, logger)
	if err != nil {
		return err
	}

	// The dispatcher doubles as the lease expiry hook; it is assigned below.
	var dispatcher *command.Dispatcher
	devices := device.NewRegistry(logger, device.WithExpiryHook(func(id, owner string) {
		dispatcher.LeaseExpired(id, owner)
	}))
	dispatcher = command.NewDispatcher(cfg, sessions, devices, logger)

	telemetryHub := telemetry.NewHub(cfg.Telemetry, logger)
	defer telemetryHub.Stop()
	dispatcher.SetEventPublisher(telemetryHub)

	auditLogger, err := audit.NewLogger(cfg.Audit, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize audit logger: %w", err)
	}
	defer func() {
		if err := auditLogger.Close(); err != nil {
			logger.Warn("Error closing audit logger", zap.Error(err))
		}
	}()
	dispatcher.SetAuditLogger(auditLogger)

	var verifier *auth.Verifier
	if cfg.Auth.Algorithm != "" {
		if verifier, err = auth.NewVerifier(cfg.Auth); err != nil {
			return fmt.Errorf("failed to initialize token verifier: %w", err)
		}
	} else {
		logger.Warn("No auth algorithm configured; callers identify with the " + auth.CallerHeader + " header")
	}

	for _, addr := range cfg.Transport.Bridges {
		endpoint, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return fmt.Errorf("bridge %s: %w", addr, err)
		}
		if err := dispatcher.Hello(endpoint); err != nil {
			return err
		}
	}

	server := api.NewServer(dispatcher, telemetryHub, auth.NewMiddleware(verifier), cfg.API, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return udp.Serve(ctx, dispatcher.HandleDatagram)
	})
	g.Go(func() error {
		return server.Start(cfg.API.Listen)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down")
		// Telemetry streams end first so Shutdown does not wait on them.
		telemetryHub.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Stop(shutdownCtx)
	})
	if cfg.Lease.SweepInterval > 0 {
		g.Go(func() error {
			sweepLeases(ctx, devices, cfg.Lease.SweepInterval, logger)
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Relay stopped", zap.Uint64("datagramsSent", udp.Stats().Sent),
		zap.Uint64("datagramsReceived", udp.Stats().Received))
	return nil
}

// sweepLeases reaps expired leases so expiry events are published even for
// drones nobody touches.
func sweepLeases(ctx context.Context, devices *device.Registry, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if reaped := devices.Sweep(); len(reaped) > 0 {
				logger.Debug("Expired leases reaped", zap.Strings("devices", reaped))
			}
		}
	}
}
