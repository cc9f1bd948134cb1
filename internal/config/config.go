package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr   string          `yaml:"listen_addr"`
	DB           DBConfig        `yaml:"db"`
	PolicyPath   string          `yaml:"policy_path"`
	ExperimentID string          `yaml:"experiment_id"`
	ModelID      string          `yaml:"model_id"`
	Intervals    IntervalsConfig `yaml:"intervals"`
}

type DBConfig struct {
	Driver string `yaml:"driver"` // memory | sqlite | postgres
	DSN    string `yaml:"dsn"`
}

// IntervalsConfig sets the cadence of the background loops. Zero values
// fall back to defaults at startup.
type IntervalsConfig struct {
	ConformalRebuild time.Duration `yaml:"conformal_rebuild"`
	SeedRebuild      time.Duration `yaml:"seed_rebuild"`
	IngestPoll       time.Duration `yaml:"ingest_poll"`
	Monitor          time.Duration `yaml:"monitor"`
}

func Load(path string) (Config, error) {
	// #nosec G304 -- path is operator-provided config path.
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	expanded := os.ExpandEnv(string(raw))
	expanded = strings.ReplaceAll(expanded, "\r\n", "\n")

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.ExperimentID == "" {
		return fmt.Errorf("experiment_id is required")
	}

	switch c.DB.Driver {
	case "", "memory":
	case "sqlite", "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required when db.driver is %s", c.DB.Driver)
		}
	default:
		return fmt.Errorf("unknown db.driver %q", c.DB.Driver)
	}

	return nil
}
