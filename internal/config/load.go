package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. RELAY_TRANSPORT_LISTEN.
const EnvPrefix = "RELAY"

// Load merges Baseline() + optional YAML file at path + RELAY_* env overrides,
// then validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Baseline())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// setDefaults registers every baseline key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, base *Config) {
	v.SetDefault("transport.listen", base.Transport.Listen)
	v.SetDefault("transport.bridges", base.Transport.Bridges)
	v.SetDefault("transport.read_buffer", base.Transport.ReadBuffer)

	v.SetDefault("session.mode", base.Session.Mode)

	v.SetDefault("api.listen", base.API.Listen)
	v.SetDefault("api.read_timeout", base.API.ReadTimeout)
	v.SetDefault("api.write_timeout", base.API.WriteTimeout)
	v.SetDefault("api.idle_timeout", base.API.IdleTimeout)

	v.SetDefault("timeouts.read.client", base.Timeouts.Read.Client)
	v.SetDefault("timeouts.read.device", base.Timeouts.Read.Device)
	v.SetDefault("timeouts.control.client", base.Timeouts.Control.Client)
	v.SetDefault("timeouts.control.device", base.Timeouts.Control.Device)
	v.SetDefault("timeouts.set.client", base.Timeouts.Set.Client)
	v.SetDefault("timeouts.set.device", base.Timeouts.Set.Device)
	v.SetDefault("timeouts.search", base.Timeouts.Search)

	v.SetDefault("commands.read", base.Commands.Read)
	v.SetDefault("commands.control", base.Commands.Control)
	v.SetDefault("commands.set", base.Commands.Set)

	v.SetDefault("lease.max_duration", base.Lease.MaxDuration)
	v.SetDefault("lease.sweep_interval", base.Lease.SweepInterval)

	v.SetDefault("auth.algorithm", base.Auth.Algorithm)
	v.SetDefault("auth.secret_key", base.Auth.SecretKey)
	v.SetDefault("auth.public_key_pem", base.Auth.PublicKeyPEM)

	v.SetDefault("audit.dir", base.Audit.Dir)
	v.SetDefault("audit.max_size_mb", base.Audit.MaxSizeMB)
	v.SetDefault("audit.max_backups", base.Audit.MaxBackups)
	v.SetDefault("audit.max_age_days", base.Audit.MaxAgeDays)

	v.SetDefault("telemetry.buffer_size", base.Telemetry.BufferSize)
	v.SetDefault("telemetry.heartbeat_interval", base.Telemetry.HeartbeatInterval)

	v.SetDefault("log.level", base.Log.Level)
	v.SetDefault("log.format", base.Log.Format)
	v.SetDefault("log.outputs", base.Log.Outputs)
	v.SetDefault("log.development", base.Log.Development)
	v.SetDefault("log.rotation.enable", base.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", base.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", base.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", base.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", base.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", base.Log.Rotation.Compress)
}
