// Package config loads the per-replica operational tunables: the flat,
// env-var-shaped knobs that are identical in kind across replicas but
// may differ in value (log level, probe interval, metrics address).
// The static per-replica topology (names, hosts, ports) is NOT here —
// see internal/cluster.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every env-tunable knob a replica process reads at boot.
type Config struct {
	ReplicaName string `env:"REPLICA_NAME,required"`
	ClusterFile string `env:"CLUSTER_FILE,required"`
	LogDir      string `env:"LOG_DIR" envDefault:"."`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	HealthProbeInterval time.Duration `env:"HEALTH_PROBE_INTERVAL" envDefault:"2s"`
	HealthProbeTimeout  time.Duration `env:"HEALTH_PROBE_TIMEOUT" envDefault:"2s"`

	NotifDequeueTimeout time.Duration `env:"NOTIF_DEQUEUE_TIMEOUT" envDefault:"3s"`
	NotifPingDeadline   time.Duration `env:"NOTIF_PING_DEADLINE" envDefault:"2s"`

	DialRetryDelay   time.Duration `env:"DIAL_RETRY_DELAY" envDefault:"1s"`
	MaxDialsPerSecond float64       `env:"MAX_DIALS_PER_SECOND" envDefault:"5"`

	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
}

// Load reads a .env file (if present, silently ignored if not) then
// environment variables into a Config, in that priority order: env
// vars always win over .env, matching the teacher's LoadConfig.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// Validate checks range and required-value constraints Parse alone
// cannot express.
func (c *Config) Validate() error {
	if c.HealthProbeInterval <= 0 {
		return fmt.Errorf("HEALTH_PROBE_INTERVAL must be > 0, got %s", c.HealthProbeInterval)
	}
	if c.HealthProbeTimeout <= 0 {
		return fmt.Errorf("HEALTH_PROBE_TIMEOUT must be > 0, got %s", c.HealthProbeTimeout)
	}
	if c.NotifDequeueTimeout <= 0 {
		return fmt.Errorf("NOTIF_DEQUEUE_TIMEOUT must be > 0, got %s", c.NotifDequeueTimeout)
	}
	if c.MaxDialsPerSecond <= 0 {
		return fmt.Errorf("MAX_DIALS_PER_SECOND must be > 0, got %f", c.MaxDialsPerSecond)
	}
	return nil
}
