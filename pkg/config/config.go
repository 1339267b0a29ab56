// Package config loads the control plane configuration.
//
// Configuration comes from one YAML file, named by the --config flag or the
// BOTFLEET_CONFIG environment variable. Every field has a default, so an
// absent file yields a usable single-node setup. Durations are written as
// Go duration strings ("15s", "5m").
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable holding the config file path
const EnvVar = "BOTFLEET_CONFIG"

// Storage backends
const (
	BackendBolt = "bolt"
	BackendEtcd = "etcd"
)

// Duration is a time.Duration read from a duration string
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full control plane configuration
type Config struct {
	DataDir    string           `yaml:"data_dir"`
	Log        LogConfig        `yaml:"log"`
	Storage    StorageConfig    `yaml:"storage"`
	API        APIConfig        `yaml:"api"`
	Watchdog   WatchdogConfig   `yaml:"watchdog"`
	Recovery   RecoveryConfig   `yaml:"recovery"`
	CommandBus CommandBusConfig `yaml:"command_bus"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// LogConfig configures pkg/log
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// StorageConfig selects and configures the store backend
type StorageConfig struct {
	Backend         string   `yaml:"backend"`
	EtcdEndpoints   []string `yaml:"etcd_endpoints"`
	EtcdDialTimeout Duration `yaml:"etcd_dial_timeout"`
}

// APIConfig holds listen addresses
type APIConfig struct {
	// HTTPAddr serves /health, /ready and /metrics
	HTTPAddr string `yaml:"http_addr"`
	// GRPCAddr serves node agents and the inspect CLI
	GRPCAddr string `yaml:"grpc_addr"`
}

// WatchdogConfig holds heartbeat thresholds
type WatchdogConfig struct {
	Interval        Duration `yaml:"interval"`
	UnhealthyAfter  Duration `yaml:"unhealthy_after"`
	OfflineAfter    Duration `yaml:"offline_after"`
	RecoveryTimeout Duration `yaml:"recovery_timeout"`
}

// RecoveryConfig tunes tenant recovery
type RecoveryConfig struct {
	DefaultTenantMemoryMB int64 `yaml:"default_tenant_memory_mb"`
	MaxRetries            int   `yaml:"max_retries"`
}

// CommandBusConfig controls how agents are reached
type CommandBusConfig struct {
	AgentPort int      `yaml:"agent_port"`
	Timeout   Duration `yaml:"timeout"`
}

// MetricsConfig controls the gauge collector
type MetricsConfig struct {
	CollectInterval Duration `yaml:"collect_interval"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		DataDir: "/var/lib/botfleet",
		Log: LogConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			Backend:         BackendBolt,
			EtcdDialTimeout: Duration(5 * time.Second),
		},
		API: APIConfig{
			HTTPAddr: ":9090",
			GRPCAddr: ":7400",
		},
		Watchdog: WatchdogConfig{
			Interval:        Duration(15 * time.Second),
			UnhealthyAfter:  Duration(90 * time.Second),
			OfflineAfter:    Duration(300 * time.Second),
			RecoveryTimeout: Duration(10 * time.Minute),
		},
		Recovery: RecoveryConfig{
			DefaultTenantMemoryMB: 256,
			MaxRetries:            10,
		},
		CommandBus: CommandBusConfig{
			AgentPort: 7401,
			Timeout:   Duration(30 * time.Second),
		},
		Metrics: MetricsConfig{
			CollectInterval: Duration(15 * time.Second),
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
// Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := cfg.decode(data); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate reports every problem found, joined
func (c *Config) Validate() error {
	var errs []error

	if c.DataDir == "" && c.Storage.Backend == BackendBolt {
		errs = append(errs, errors.New("data_dir is required for the bolt backend"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Storage.Backend {
	case BackendBolt:
	case BackendEtcd:
		if len(c.Storage.EtcdEndpoints) == 0 {
			errs = append(errs, errors.New("storage.etcd_endpoints is required for the etcd backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of bolt, etcd", c.Storage.Backend))
	}
	if c.API.HTTPAddr == "" {
		errs = append(errs, errors.New("api.http_addr is required"))
	}
	if c.API.GRPCAddr == "" {
		errs = append(errs, errors.New("api.grpc_addr is required"))
	}

	w := c.Watchdog
	if w.Interval <= 0 {
		errs = append(errs, errors.New("watchdog.interval must be positive"))
	}
	if w.UnhealthyAfter <= 0 {
		errs = append(errs, errors.New("watchdog.unhealthy_after must be positive"))
	}
	if w.OfflineAfter <= w.UnhealthyAfter {
		errs = append(errs, fmt.Errorf("watchdog.offline_after (%s) must exceed unhealthy_after (%s)",
			w.OfflineAfter.Std(), w.UnhealthyAfter.Std()))
	}

	if c.Recovery.DefaultTenantMemoryMB <= 0 {
		errs = append(errs, errors.New("recovery.default_tenant_memory_mb must be positive"))
	}
	if c.Recovery.MaxRetries <= 0 {
		errs = append(errs, errors.New("recovery.max_retries must be positive"))
	}
	if c.CommandBus.AgentPort <= 0 || c.CommandBus.AgentPort > 65535 {
		errs = append(errs, fmt.Errorf("command_bus.agent_port %d is out of range", c.CommandBus.AgentPort))
	}

	return errors.Join(errs...)
}
