package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/smazurov/thriftpool/internal/logging"
)

// Service kinds a slot can be bound to.
const (
	ServiceEcho    = "echo"
	ServiceDiscard = "discard"
)

// Services lists every service kind a worker knows how to run.
var Services = []string{ServiceEcho, ServiceDiscard}

// Defaults applied by Default and Load.
const (
	DefaultWorkers         = 2
	DefaultShutdownTimeout = 5 * time.Second
	DefaultRestartDelay    = time.Second
	DefaultHost            = "127.0.0.1"
	DefaultBacklog         = 128
	DefaultAPIAddr         = "127.0.0.1:8090"
)

// Config is the master configuration. The whole value travels to every worker
// in the bootstrap frame, so it carries msgpack tags next to the toml ones.
type Config struct {
	Workers         int            `toml:"workers" msgpack:"workers"`
	ShutdownTimeout string         `toml:"shutdown_timeout" msgpack:"shutdown_timeout"`
	RestartDelay    string         `toml:"restart_delay" msgpack:"restart_delay"`
	PIDFile         string         `toml:"pid_file" msgpack:"pid_file"`
	API             APIConfig      `toml:"api" msgpack:"api"`
	Logging         logging.Config `toml:"logging" msgpack:"logging"`
	Slots           []Slot         `toml:"slot" msgpack:"slots"`
}

// APIConfig configures the admin HTTP API. An empty address disables it.
type APIConfig struct {
	Addr string `toml:"addr" msgpack:"addr"`
}

// Slot binds a named service to one listening socket.
type Slot struct {
	Name     string         `toml:"name" msgpack:"name"`
	Service  string         `toml:"service" msgpack:"service"`
	Listener ListenerConfig `toml:"listener" msgpack:"listener"`
}

// ListenerConfig describes the socket a slot listens on.
type ListenerConfig struct {
	Host    string `toml:"host" msgpack:"host"`
	Port    int    `toml:"port" msgpack:"port"`
	Backlog int    `toml:"backlog" msgpack:"backlog"`
}

// Address returns host:port.
func (l ListenerConfig) Address() string {
	return net.JoinHostPort(l.Host, fmt.Sprint(l.Port))
}

// Default returns a configuration with every default filled in and no slots.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses a TOML configuration file. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse TOML config: %w", err)
			}
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.ShutdownTimeout == "" {
		c.ShutdownTimeout = DefaultShutdownTimeout.String()
	}
	if c.RestartDelay == "" {
		c.RestartDelay = DefaultRestartDelay.String()
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	for i := range c.Slots {
		l := &c.Slots[i].Listener
		if l.Host == "" {
			l.Host = DefaultHost
		}
		if l.Backlog == 0 {
			l.Backlog = DefaultBacklog
		}
	}
}

// Validate reports every problem found in the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if _, err := time.ParseDuration(c.ShutdownTimeout); err != nil {
		errs = append(errs, fmt.Errorf("shutdown_timeout: %w", err))
	}
	if _, err := time.ParseDuration(c.RestartDelay); err != nil {
		errs = append(errs, fmt.Errorf("restart_delay: %w", err))
	}
	if !logging.ValidLevel(c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}

	seen := make(map[string]bool, len(c.Slots))
	for i, slot := range c.Slots {
		switch {
		case slot.Name == "":
			errs = append(errs, fmt.Errorf("slot %d: name is required", i))
		case seen[slot.Name]:
			errs = append(errs, fmt.Errorf("slot %q: duplicate name", slot.Name))
		}
		seen[slot.Name] = true

		if !slices.Contains(Services, slot.Service) {
			errs = append(errs, fmt.Errorf("slot %q: unknown service %q", slot.Name, slot.Service))
		}
		if slot.Listener.Port < 0 || slot.Listener.Port > 65535 {
			errs = append(errs, fmt.Errorf("slot %q: port %d out of range", slot.Name, slot.Listener.Port))
		}
		if slot.Listener.Backlog < 0 {
			errs = append(errs, fmt.Errorf("slot %q: negative backlog", slot.Name))
		}
	}
	return errors.Join(errs...)
}

// ShutdownTimeoutDuration returns the stop ceiling, falling back to the default
// on a malformed value.
func (c *Config) ShutdownTimeoutDuration() time.Duration {
	return parseDuration(c.ShutdownTimeout, DefaultShutdownTimeout)
}

// RestartDelayDuration returns the delay before a dead worker is respawned.
func (c *Config) RestartDelayDuration() time.Duration {
	return parseDuration(c.RestartDelay, DefaultRestartDelay)
}

// Slot returns the slot registered under name.
func (c *Config) Slot(name string) (Slot, bool) {
	for _, slot := range c.Slots {
		if slot.Name == name {
			return slot, true
		}
	}
	return Slot{}, false
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
