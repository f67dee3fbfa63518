package bridgesim

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config describes one simulated bridge and the drones behind it.
type Config struct {
	// Relay is the relay's UDP address.
	Relay string `yaml:"relay"`

	// ID is announced with hello; relays in declared mode key the session by it.
	ID string `yaml:"id"`

	Drones []DroneConfig `yaml:"drones"`

	// LatencyMs delays every reply.
	LatencyMs int `yaml:"latencyMs"`

	// DropRate is the fraction of commands left unanswered, in [0,1].
	DropRate float64 `yaml:"dropRate"`
}

// DroneConfig is one simulated drone.
type DroneConfig struct {
	MAC     string `yaml:"mac"`
	Battery int    `yaml:"battery"`
}

// Latency returns the configured reply delay.
func (c *Config) Latency() time.Duration {
	return time.Duration(c.LatencyMs) * time.Millisecond
}

// DefaultConfig returns a bridge with two drones on a local relay.
func DefaultConfig() *Config {
	return &Config{
		Relay: "127.0.0.1:9001",
		Drones: []DroneConfig{
			{MAC: "60:60:1F:00:00:01", Battery: 87},
			{MAC: "60:60:1F:00:00:02", Battery: 54},
		},
		LatencyMs: 20,
	}
}

// LoadConfig reads a YAML file over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Relay == "" {
		return fmt.Errorf("relay address is required")
	}
	if c.DropRate < 0 || c.DropRate > 1 {
		return fmt.Errorf("dropRate %v out of range [0,1]", c.DropRate)
	}
	if c.LatencyMs < 0 {
		return fmt.Errorf("latencyMs must not be negative")
	}
	seen := make(map[string]bool, len(c.Drones))
	for _, d := range c.Drones {
		if d.MAC == "" {
			return fmt.Errorf("drone without mac")
		}
		if seen[d.MAC] {
			return fmt.Errorf("duplicate drone %s", d.MAC)
		}
		seen[d.MAC] = true
		if d.Battery < 0 || d.Battery > 100 {
			return fmt.Errorf("drone %s: battery %d out of range [0,100]", d.MAC, d.Battery)
		}
	}
	return nil
}
