// Package config handles configuration loading for sentinel-ueba.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sentinel-ueba/internal/archive"
	"sentinel-ueba/internal/consumer"
	"sentinel-ueba/internal/detect"
	"sentinel-ueba/internal/storage"
)

// Config holds the complete application configuration.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Storage   StorageConfig   `yaml:"storage"`
	Consumer  consumer.Config `yaml:"consumer"`
	Detection DetectionConfig `yaml:"detection"`
	Archive   ArchiveConfig   `yaml:"archive"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	ClickHouse  storage.ClickHouseConfig  `yaml:"clickhouse"`
	BatchWriter storage.BatchWriterConfig `yaml:"batch_writer"`
	Retention   storage.RetentionConfig   `yaml:"retention"`
}

// DetectionConfig holds settings for both detection engines and the
// orchestrator that drives them.
type DetectionConfig struct {
	// BaselineDays is the history window for the statistical engine.
	BaselineDays int `yaml:"baseline_days"`
	// ObservationHours is the recent-activity window under scrutiny.
	ObservationHours int `yaml:"observation_hours"`
	// WindowHours is the rule engine's session lookback.
	WindowHours int `yaml:"window_hours"`
	// Workers bounds per-subject parallelism.
	Workers int `yaml:"workers"`
	// MinPeerCohort is the smallest role cohort trusted for peer comparison.
	MinPeerCohort int `yaml:"min_peer_cohort"`
	// RunLockTTL bounds how long a crashed run can hold the run lock.
	RunLockTTL time.Duration `yaml:"run_lock_ttl"`
	// RedisLock configures the cross-process run lock. Leave Addr empty to
	// use an in-process lock (single-node deployments).
	RedisLock detect.RedisLockConfig `yaml:"redis_lock"`
}

// ArchiveConfig holds archival settings.
type ArchiveConfig struct {
	S3       archive.S3Config `yaml:"s3"`
	Archiver archive.Config   `yaml:"archiver"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{
			ClickHouse:  storage.DefaultClickHouseConfig(),
			BatchWriter: storage.DefaultBatchWriterConfig(),
			Retention: storage.RetentionConfig{
				EventsTTL:      180 * 24 * time.Hour,
				RiskRecordsTTL: 365 * 24 * time.Hour,
				FlaggedTTL:     365 * 24 * time.Hour,
				QuarantineTTL:  30 * 24 * time.Hour,
			},
		},
		Consumer: consumer.DefaultConfig(),
		Detection: DetectionConfig{
			BaselineDays:     30,
			ObservationHours: 24,
			WindowHours:      24,
			Workers:          4,
			MinPeerCohort:    2,
			RunLockTTL:       30 * time.Minute,
			RedisLock:        detect.RedisLockConfig{},
		},
		Archive: ArchiveConfig{
			S3:       archive.DefaultS3Config(),
			Archiver: archive.DefaultConfig(),
		},
	}
}

// Load loads configuration from a file or returns defaults. The path comes
// from SENTINEL_CONFIG_PATH, falling back to configs/config.yaml; a missing
// file is not an error.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := os.Getenv("SENTINEL_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides. Only secrets
// and connection endpoints are overridable; tuning stays in the file.
func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("SENTINEL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = []string{host}
	}
	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Storage.ClickHouse.Database = db
	}
	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Storage.ClickHouse.Username = user
	}
	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Consumer.Brokers = splitAndTrim(brokers, ",")
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Detection.RedisLock.Addr = addr
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		c.Detection.RedisLock.Password = pass
	}

	if bucket := os.Getenv("SENTINEL_ARCHIVE_BUCKET"); bucket != "" {
		c.Archive.S3.Bucket = bucket
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Detection.BaselineDays <= 0 {
		return fmt.Errorf("config: detection.baseline_days must be positive, got %d", c.Detection.BaselineDays)
	}
	if c.Detection.ObservationHours <= 0 {
		return fmt.Errorf("config: detection.observation_hours must be positive, got %d", c.Detection.ObservationHours)
	}
	if c.Detection.WindowHours <= 0 {
		return fmt.Errorf("config: detection.window_hours must be positive, got %d", c.Detection.WindowHours)
	}
	if c.Detection.MinPeerCohort < 1 {
		return fmt.Errorf("config: detection.min_peer_cohort must be at least 1, got %d", c.Detection.MinPeerCohort)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Logging.Level)
	}
	return nil
}

// splitAndTrim splits a string by separator and trims whitespace from each part.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
