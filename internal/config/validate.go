package config

import (
	"fmt"
	"net"
	"strings"
)

// Validate enforces relay configuration rules.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validateTransport(cfg); err != nil {
		return fmt.Errorf("transport validation failed: %w", err)
	}

	if err := validateTimeouts(cfg.Timeouts); err != nil {
		return fmt.Errorf("command timeout validation failed: %w", err)
	}

	if err := validateCommandSets(cfg.Commands); err != nil {
		return fmt.Errorf("command set validation failed: %w", err)
	}

	if cfg.Lease.MaxDuration <= 0 {
		return fmt.Errorf("lease max duration must be positive, got %v", cfg.Lease.MaxDuration)
	}
	if cfg.Lease.SweepInterval < 0 {
		return fmt.Errorf("lease sweep interval must be non-negative, got %v", cfg.Lease.SweepInterval)
	}

	switch cfg.Auth.Algorithm {
	case "":
	case "HS256":
		if cfg.Auth.SecretKey == "" {
			return fmt.Errorf("HS256 requires auth.secret_key")
		}
	case "RS256":
		if cfg.Auth.PublicKeyPEM == "" {
			return fmt.Errorf("RS256 requires auth.public_key_pem")
		}
	default:
		return fmt.Errorf("unsupported auth algorithm: %s", cfg.Auth.Algorithm)
	}

	if cfg.Telemetry.BufferSize <= 0 {
		return fmt.Errorf("telemetry buffer size must be positive, got %d", cfg.Telemetry.BufferSize)
	}
	if cfg.Telemetry.HeartbeatInterval <= 0 {
		return fmt.Errorf("telemetry heartbeat interval must be positive, got %v", cfg.Telemetry.HeartbeatInterval)
	}

	return nil
}

func validateTransport(cfg *Config) error {
	if _, err := net.ResolveUDPAddr("udp", cfg.Transport.Listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", cfg.Transport.Listen, err)
	}
	for _, bridge := range cfg.Transport.Bridges {
		if _, err := net.ResolveUDPAddr("udp", bridge); err != nil {
			return fmt.Errorf("invalid bridge address %q: %w", bridge, err)
		}
	}
	if cfg.Transport.ReadBuffer < 64 {
		return fmt.Errorf("read buffer %d is too small", cfg.Transport.ReadBuffer)
	}

	switch cfg.Session.Mode {
	case SessionModeEndpoint, SessionModeDeclared:
	default:
		return fmt.Errorf("invalid session mode %q, must be %q or %q",
			cfg.Session.Mode, SessionModeEndpoint, SessionModeDeclared)
	}

	return nil
}

// validateTimeouts requires client > device > 0 for every class so the bridge
// always gives up on a drone before the relay gives up on the bridge.
func validateTimeouts(t TimeoutConfig) error {
	classes := []struct {
		name string
		ct   ClassTimeout
	}{
		{"read", t.Read},
		{"control", t.Control},
		{"set", t.Set},
	}

	for _, c := range classes {
		if c.ct.Device <= 0 {
			return fmt.Errorf("%s device timeout must be positive, got %v", c.name, c.ct.Device)
		}
		if c.ct.Client <= c.ct.Device {
			return fmt.Errorf("%s client timeout %v must exceed device timeout %v", c.name, c.ct.Client, c.ct.Device)
		}
	}

	if t.Search <= 0 {
		return fmt.Errorf("search timeout must be positive, got %v", t.Search)
	}

	return nil
}

func validateCommandSets(sets CommandSets) error {
	seen := make(map[string]string)
	classes := []struct {
		name   string
		tokens []string
	}{
		{"read", sets.Read},
		{"control", sets.Control},
		{"set", sets.Set},
	}

	for _, c := range classes {
		if len(c.tokens) == 0 {
			return fmt.Errorf("%s command set is empty", c.name)
		}
		for _, token := range c.tokens {
			if token == "" || strings.ContainsAny(token, " \t") {
				return fmt.Errorf("%s command token %q is not a single word", c.name, token)
			}
			if other, dup := seen[token]; dup {
				return fmt.Errorf("token %q appears in both %s and %s sets", token, other, c.name)
			}
			seen[token] = c.name
		}
	}

	return nil
}
