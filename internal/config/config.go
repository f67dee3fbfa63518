package config

import (
	"time"
)

// Config is the root relay configuration.
type Config struct {
	Transport TransportConfig `mapstructure:"transport"`
	Session   SessionConfig   `mapstructure:"session"`
	API       APIConfig       `mapstructure:"api"`
	Timeouts  TimeoutConfig   `mapstructure:"timeouts"`
	Commands  CommandSets     `mapstructure:"commands"`
	Lease     LeaseConfig     `mapstructure:"lease"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Log       LogConfig       `mapstructure:"log"`
}

// TransportConfig configures the datagram socket shared by all bridge sessions.
type TransportConfig struct {
	// Listen is the local UDP address bridges send to.
	Listen string `mapstructure:"listen"`

	// Bridges are endpoints registered as sessions at startup, before they
	// have sent anything.
	Bridges []string `mapstructure:"bridges"`

	// ReadBuffer is the maximum datagram size accepted.
	ReadBuffer int `mapstructure:"read_buffer"`
}

// Session identity modes.
const (
	SessionModeEndpoint = "endpoint"
	SessionModeDeclared = "declared"
)

// SessionConfig selects how inbound datagrams are mapped to sessions.
type SessionConfig struct {
	Mode string `mapstructure:"mode"`
}

// APIConfig configures the caller-facing HTTP server.
type APIConfig struct {
	Listen       string        `mapstructure:"listen"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// ClassTimeout is the caller-side and device-side deadline pair of a command class.
type ClassTimeout struct {
	// Client bounds how long the relay waits for the correlated reply.
	Client time.Duration `mapstructure:"client"`

	// Device is forwarded to the bridge, which gives up on the drone after it.
	Device time.Duration `mapstructure:"device"`
}

// TimeoutConfig maps every command class to its timeout pair.
type TimeoutConfig struct {
	Read    ClassTimeout `mapstructure:"read"`
	Control ClassTimeout `mapstructure:"control"`
	Set     ClassTimeout `mapstructure:"set"`

	// Search bounds the reserved search exchange; its device timeout is always 0.
	Search time.Duration `mapstructure:"search"`
}

// CommandSets lists the leading tokens of each command class.
type CommandSets struct {
	Read    []string `mapstructure:"read"`
	Control []string `mapstructure:"control"`
	Set     []string `mapstructure:"set"`
}

// LeaseConfig bounds control leases.
type LeaseConfig struct {
	MaxDuration time.Duration `mapstructure:"max_duration"`

	// SweepInterval enables a periodic reap of expired leases; 0 keeps the
	// lazy, on-access expiry only.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// AuthConfig configures bearer token verification. An empty Algorithm runs
// the API in local mode where callers identify themselves by header.
type AuthConfig struct {
	Algorithm    string `mapstructure:"algorithm"`
	SecretKey    string `mapstructure:"secret_key"`
	PublicKeyPEM string `mapstructure:"public_key_pem"`
}

// AuditConfig configures the JSONL audit trail.
type AuditConfig struct {
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// TelemetryConfig configures the event hub.
type TelemetryConfig struct {
	BufferSize        int           `mapstructure:"buffer_size"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs     []string       `mapstructure:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Baseline returns the default relay configuration.
func Baseline() *Config {
	return &Config{
		Transport: TransportConfig{
			Listen:     "127.0.0.1:9001",
			ReadBuffer: 2048,
		},
		Session: SessionConfig{
			Mode: SessionModeEndpoint,
		},
		API: APIConfig{
			Listen:       ":8000",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Timeouts: TimeoutConfig{
			Read:    ClassTimeout{Client: 200 * time.Millisecond, Device: 150 * time.Millisecond},
			Control: ClassTimeout{Client: 5000 * time.Millisecond, Device: 4800 * time.Millisecond},
			Set:     ClassTimeout{Client: 200 * time.Millisecond, Device: 150 * time.Millisecond},
			Search:  3 * time.Second,
		},
		Commands: CommandSets{
			Read: []string{"speed?", "battery?", "time?", "height?", "temp?", "attitude?",
				"baro?", "acceleration?", "tof?", "wifi?"},
			Control: []string{"command", "takeoff", "land", "streamon", "streamoff", "emergency",
				"up", "down", "left", "right", "forward", "back", "cw", "ccw", "flip", "go", "curve"},
			Set: []string{"speed", "rc", "wifi"},
		},
		Lease: LeaseConfig{
			MaxDuration: 10 * time.Minute,
		},
		Audit: AuditConfig{
			Dir:        "logs",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Telemetry: TelemetryConfig{
			BufferSize:        50,
			HeartbeatInterval: 15 * time.Second,
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
		},
	}
}
