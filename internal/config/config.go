// Package config holds the quasard daemon configuration: the limiter model
// and job-type declarations plus the ambient wiring (Redis, Postgres,
// metrics, tracing). Files are YAML; a handful of environment variables
// override the deployment-specific fields.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oriys/quasar/limiter"
)

// RedisConfig holds Redis connection settings for the distributed backend.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// PostgresConfig holds the usage-ledger connection.
type PostgresConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// TelemetryConfig holds OpenTelemetry tracing settings.
type TelemetryConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Exporter   string  `yaml:"exporter"` // otlp-http, stdout
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
}

// DaemonConfig holds daemon-specific settings.
type DaemonConfig struct {
	MetricsAddr       string        `yaml:"metrics_addr"`
	LogLevel          string        `yaml:"log_level"`
	JobLogPath        string        `yaml:"job_log_path"`
	InstanceID        string        `yaml:"instance_id"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// Config is the central configuration struct for quasard.
type Config struct {
	Models              map[string]limiter.ModelConfig   `yaml:"models"`
	EscalationOrder     []string                         `yaml:"escalation_order"`
	ResourceEstimations map[string]limiter.JobTypeConfig `yaml:"resource_estimations"`
	TotalCapacity       int                              `yaml:"total_capacity"`
	Memory              *limiter.MemoryConfig            `yaml:"memory"`
	RatioAdjustment     *limiter.RatioAdjustmentConfig   `yaml:"ratio_adjustment"`

	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Daemon    DaemonConfig    `yaml:"daemon"`
}

// DefaultConfig returns a Config with sensible defaults. Models and job
// types have no defaults; a config file must declare them.
func DefaultConfig() *Config {
	return &Config{
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "quasar:",
		},
		Telemetry: TelemetryConfig{
			Exporter:   "otlp-http",
			Endpoint:   "localhost:4318",
			SampleRate: 1.0,
		},
		Daemon: DaemonConfig{
			MetricsAddr:       ":9090",
			LogLevel:          "info",
			HeartbeatInterval: 5 * time.Second,
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("QUASAR_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("QUASAR_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("QUASAR_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
		cfg.Postgres.Enabled = true
	}
	if v := os.Getenv("QUASAR_METRICS_ADDR"); v != "" {
		cfg.Daemon.MetricsAddr = v
	}
	if v := os.Getenv("QUASAR_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}
	if v := os.Getenv("QUASAR_INSTANCE_ID"); v != "" {
		cfg.Daemon.InstanceID = v
	}
	if v := os.Getenv("QUASAR_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.Endpoint = v
		cfg.Telemetry.Enabled = true
	}
}
