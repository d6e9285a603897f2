package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Probe     ProbeConfig     `yaml:"probe"`
	Detector  DetectorConfig  `yaml:"detector"`
	Failover  FailoverConfig  `yaml:"failover"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Autoscale AutoscaleConfig `yaml:"autoscale"`
	Nodes     []NodeConfig    `yaml:"nodes"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

type ProbeConfig struct {
	Driver             string         `yaml:"driver"` // tcp | postgres
	Interval           time.Duration  `yaml:"interval"`
	Timeout            time.Duration  `yaml:"timeout"`
	SuspectThreshold   int            `yaml:"suspect_threshold"`
	MaxProbesPerSecond float64        `yaml:"max_probes_per_second"`
	Postgres           PostgresConfig `yaml:"postgres"`
}

type PostgresConfig struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

type DetectorConfig struct {
	Observers       int           `yaml:"observers"`
	AgreementWindow time.Duration `yaml:"agreement_window"`
}

type FailoverConfig struct {
	PromoteTimeout time.Duration `yaml:"promote_timeout"`
	FenceTimeout   time.Duration `yaml:"fence_timeout"`
}

type TelemetryConfig struct {
	Window time.Duration `yaml:"window"`
	Method string        `yaml:"method"` // avg | p90
}

type AutoscaleConfig struct {
	TickInterval        time.Duration `yaml:"tick_interval"`
	MinReplicas         int           `yaml:"min_replicas"`
	MaxReplicas         int           `yaml:"max_replicas"`
	TargetCPUPercent    float64       `yaml:"target_cpu_percent"`
	TargetMemPercent    float64       `yaml:"target_mem_percent"`
	StabilizationWindow time.Duration `yaml:"stabilization_window"`
	MaxScaleDownPerTick int           `yaml:"max_scale_down_per_tick"`
}

type NodeConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
	Primary bool   `yaml:"primary"`
}

// Default returns a fully populated configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8600,
			LogLevel: "info",
		},
		Probe: ProbeConfig{
			Driver:             "tcp",
			Interval:           2 * time.Second,
			Timeout:            time.Second,
			SuspectThreshold:   3,
			MaxProbesPerSecond: 50,
			Postgres: PostgresConfig{
				User:     "steward",
				Database: "postgres",
			},
		},
		Detector: DetectorConfig{
			Observers:       3,
			AgreementWindow: 10 * time.Second,
		},
		Failover: FailoverConfig{
			PromoteTimeout: 30 * time.Second,
			FenceTimeout:   10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Window: 5 * time.Minute,
			Method: "avg",
		},
		Autoscale: AutoscaleConfig{
			TickInterval:        30 * time.Second,
			MinReplicas:         1,
			MaxReplicas:         10,
			TargetCPUPercent:    70,
			TargetMemPercent:    80,
			StabilizationWindow: 5 * time.Minute,
			MaxScaleDownPerTick: 1,
		},
	}
}

// Load reads a YAML config file over the defaults, then applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 - operator-supplied path
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	LoadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Probe.Timeout >= c.Probe.Interval {
		return fmt.Errorf("config: probe timeout %s must be below interval %s", c.Probe.Timeout, c.Probe.Interval)
	}
	if c.Autoscale.MinReplicas > c.Autoscale.MaxReplicas {
		return fmt.Errorf("config: min_replicas %d above max_replicas %d", c.Autoscale.MinReplicas, c.Autoscale.MaxReplicas)
	}
	if c.Detector.Observers < 1 {
		return fmt.Errorf("config: at least one observer required")
	}
	switch c.Telemetry.Method {
	case "avg", "p90":
	default:
		return fmt.Errorf("config: unknown telemetry method %q", c.Telemetry.Method)
	}
	return nil
}
