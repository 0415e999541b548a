package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/illmade-knight/rfid-ingestion/pkg/forwarder"
	"github.com/illmade-knight/rfid-ingestion/pkg/ingestion"
	"github.com/illmade-knight/rfid-ingestion/pkg/rfid"
	"github.com/illmade-knight/rfid-ingestion/pkg/scanstore"
)

// RedisConfig points at the Redis instance shared by the registry cache and
// the counter store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RegistryConfig selects the tag registry backend.
type RegistryConfig struct {
	// Backend is "memory" or "firestore".
	Backend        string        `yaml:"backend"`
	ProjectID      string        `yaml:"project_id"`
	CollectionName string        `yaml:"collection_name"`
	CacheEnabled   bool          `yaml:"cache_enabled"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
}

// StatsConfig selects the counter store backend.
type StatsConfig struct {
	// Backend is "memory" or "redis".
	Backend string `yaml:"backend"`
}

// ArchiveConfig enables the BigQuery scan archive.
type ArchiveConfig struct {
	Enabled  bool                     `yaml:"enabled"`
	BigQuery scanstore.BigQueryConfig `yaml:"bigquery"`
	Batch    scanstore.ArchiverConfig `yaml:"batch"`
}

// ForwarderConfig enables the Pub/Sub event mirror.
type ForwarderConfig struct {
	Enabled bool             `yaml:"enabled"`
	Pubsub  forwarder.Config `yaml:"pubsub"`
}

// Config is the full service configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`
	HTTPPort string `yaml:"http_port"`

	// Broker, when present, is saved at boot; AutoConnect additionally dials
	// it immediately. Either way it can be replaced at runtime through the
	// control API.
	Broker      *rfid.BrokerConfig `yaml:"broker"`
	AutoConnect bool               `yaml:"auto_connect"`

	HubBuffer int `yaml:"hub_buffer"`

	Ingestion ingestion.Config `yaml:"ingestion"`
	Registry  RegistryConfig   `yaml:"registry"`
	Stats     StatsConfig      `yaml:"stats"`
	Redis     RedisConfig      `yaml:"redis"`
	Archive   ArchiveConfig    `yaml:"archive"`
	Forwarder ForwarderConfig  `yaml:"forwarder"`
}

// LoadConfig reads and validates the YAML config at path.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		LogLevel: "info",
		HTTPPort: ":8080",
		Registry: RegistryConfig{Backend: "memory"},
		Stats:    StatsConfig{Backend: "memory"},
	}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer func() { _ = f.Close() }()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.Ingestion.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Registry.Backend {
	case "", "memory":
		cfg.Registry.Backend = "memory"
	case "firestore":
		if cfg.Registry.ProjectID == "" {
			return nil, fmt.Errorf("registry.project_id is required for the firestore backend")
		}
		if cfg.Registry.CollectionName == "" {
			cfg.Registry.CollectionName = "tags"
		}
	default:
		return nil, fmt.Errorf("unknown registry backend %q", cfg.Registry.Backend)
	}
	switch cfg.Stats.Backend {
	case "", "memory":
		cfg.Stats.Backend = "memory"
	case "redis":
		if cfg.Redis.Addr == "" {
			return nil, fmt.Errorf("redis.addr is required for the redis stats backend")
		}
	default:
		return nil, fmt.Errorf("unknown stats backend %q", cfg.Stats.Backend)
	}
	if cfg.Registry.CacheEnabled && cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis.addr is required when registry.cache_enabled is set")
	}
	if cfg.Broker != nil {
		if err := cfg.Broker.Validate(); err != nil {
			return nil, err
		}
	}
	if cfg.AutoConnect && cfg.Broker == nil {
		return nil, fmt.Errorf("auto_connect requires a broker configuration")
	}
	return cfg, nil
}
