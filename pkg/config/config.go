// pkg/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/David-Botos/quality-ingress/pkg/model"
)

// Config represents the application configuration
type Config struct {
	// Database connections. Snowflake is only needed when extracts are
	// read from staging tables; Postgres only for migrate/history/quarantine.
	Snowflake *SnowflakeConfig
	Postgres  *PostgresConfig

	Pipeline PipelineConfig
	Alerts   AlertConfig
	Redis    *RedisConfig
	Metrics  MetricsConfig

	// Logging
	LogLevel  string
	LogFormat string
}

// PipelineConfig holds stage thresholds and tuning knobs
type PipelineConfig struct {
	// Gates
	ValidationThreshold float64
	MigrationThreshold  float64

	// Profiler
	ProfileSampleSize int

	// Cleaner / scorer partitioning
	PartitionSize int
	Workers       int // 0 means runtime.NumCPU()

	// Migration
	BatchSize          int
	CanaryFraction     float64
	DataSchema         string
	MetaSchema         string
	BlueGreenRetention time.Duration
	RetryAttempts      int
	RetryDelay         time.Duration

	// Pre-flight
	WorkDir          string
	MinFreeDiskBytes uint64

	// Checkpointing
	CheckpointBackend string // file | redis | none
	CheckpointDir     string

	// Source
	SourceTimezone string

	// Documented orphan-rate ranges, overridable once confirmed against the source system
	CommentOrphans   model.Range
	TimeEntryOrphans model.Range
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Pipeline: loadPipelineConfig(),
		Alerts:   loadAlertConfig(),
		Metrics:  loadMetricsConfig(),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if os.Getenv("SNOWFLAKE_USER") != "" {
		snowConfig, err := LoadSnowflakeConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load Snowflake configuration: %w", err)
		}
		cfg.Snowflake = snowConfig
	}

	if os.Getenv("POSTGRES_URL") != "" || os.Getenv("POSTGRES_USER") != "" {
		pgConfig, err := LoadPostgresConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load PostgreSQL configuration: %w", err)
		}
		cfg.Postgres = pgConfig
	}

	if os.Getenv("REDIS_ADDR") != "" {
		cfg.Redis = loadRedisConfig()
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadEnvFile loads a .env file into the process environment. An explicit
// path must exist; with no path the first .env found is used, if any.
func LoadEnvFile(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", path, err)
		}
		return nil
	}

	for _, candidate := range []string{".env", "../.env"} {
		if _, err := os.Stat(candidate); err == nil {
			if err := godotenv.Load(candidate); err != nil {
				return fmt.Errorf("failed to load env file %s: %w", candidate, err)
			}
			return nil
		}
	}
	return nil
}

// Validate ensures all required configuration is present and valid
func (c *Config) Validate() error {
	p := c.Pipeline
	if p.ValidationThreshold < 0 || p.ValidationThreshold > 100 {
		return errors.New("validation threshold must be within 0-100")
	}
	if p.MigrationThreshold < 0 || p.MigrationThreshold > 100 {
		return errors.New("migration threshold must be within 0-100")
	}
	if p.PartitionSize <= 0 {
		return errors.New("partition size must be positive")
	}
	if p.BatchSize <= 0 {
		return errors.New("batch size must be positive")
	}
	if p.CanaryFraction <= 0 || p.CanaryFraction >= 1 {
		return errors.New("canary fraction must be between 0 and 1")
	}
	if p.RetryAttempts < 0 {
		return errors.New("retry attempts cannot be negative")
	}
	if p.DataSchema == "" || p.MetaSchema == "" {
		return errors.New("data and meta schema names are required")
	}
	if _, err := time.LoadLocation(p.SourceTimezone); err != nil {
		return fmt.Errorf("invalid source timezone %q: %w", p.SourceTimezone, err)
	}
	switch p.CheckpointBackend {
	case "file", "none":
	case "redis":
		if c.Redis == nil {
			return errors.New("redis checkpoint backend requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("unknown checkpoint backend %q", p.CheckpointBackend)
	}
	for name, r := range map[string]model.Range{"comment": p.CommentOrphans, "time entry": p.TimeEntryOrphans} {
		if r.Min < 0 || r.Max > 1 || r.Min > r.Max {
			return fmt.Errorf("%s orphan range %s is invalid", name, r)
		}
	}

	a := c.Alerts
	if a.RejectionRateWarn > a.RejectionRateCritical {
		return errors.New("rejection rate warning threshold exceeds critical threshold")
	}
	if a.CriticalCountWarn > a.CriticalCountCritical {
		return errors.New("critical rejection warning threshold exceeds critical threshold")
	}
	if a.UnreviewedWarn > a.UnreviewedCritical {
		return errors.New("unreviewed warning threshold exceeds critical threshold")
	}

	return nil
}

// RequirePostgres returns the Postgres settings or an error naming what is missing
func (c *Config) RequirePostgres() (*PostgresConfig, error) {
	if c.Postgres == nil {
		return nil, errors.New("postgreSQL configuration is required (set POSTGRES_URL or POSTGRES_USER/POSTGRES_PASSWORD/POSTGRES_DB)")
	}
	return c.Postgres, nil
}

// ApplyOrphanRanges overrides the documented foreign key ranges on schemas
func (p PipelineConfig) ApplyOrphanRanges(schemas map[model.EntityType]*model.EntitySchema) {
	if s, ok := schemas[model.EntityComments]; ok {
		for i := range s.ForeignKeys {
			s.ForeignKeys[i].ExpectedOrphans = p.CommentOrphans
		}
	}
	if s, ok := schemas[model.EntityTimeEntries]; ok {
		for i := range s.ForeignKeys {
			s.ForeignKeys[i].ExpectedOrphans = p.TimeEntryOrphans
		}
	}
}

// Location returns the zone used for zone-less source timestamps
func (p PipelineConfig) Location() *time.Location {
	loc, err := time.LoadLocation(p.SourceTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DefaultPipelineConfig returns the documented defaults without reading the environment
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		ValidationThreshold: 60,
		MigrationThreshold:  80,
		ProfileSampleSize:   1000,
		PartitionSize:       5000,
		BatchSize:           1000,
		CanaryFraction:      0.10,
		DataSchema:          "helpdesk",
		MetaSchema:          "ingress",
		BlueGreenRetention:  7 * 24 * time.Hour,
		RetryAttempts:       3,
		RetryDelay:          time.Second,
		WorkDir:             ".",
		MinFreeDiskBytes:    1024 << 20,
		CheckpointBackend:   "file",
		CheckpointDir:       ".qualityctl/checkpoints",
		SourceTimezone:      "UTC",
		CommentOrphans:      model.Range{Min: 0, Max: 0.01},
		TimeEntryOrphans:    model.Range{Min: 0.85, Max: 0.95},
	}
}

func loadPipelineConfig() PipelineConfig {
	return PipelineConfig{
		ValidationThreshold: getEnvAsFloat("VALIDATION_THRESHOLD", 60),
		MigrationThreshold:  getEnvAsFloat("MIGRATION_MIN_QUALITY", 80),
		ProfileSampleSize:   getEnvAsInt("PROFILE_SAMPLE_SIZE", 1000),
		PartitionSize:       getEnvAsInt("PARTITION_SIZE", 5000),
		Workers:             getEnvAsInt("WORKER_POOL_SIZE", 0),
		BatchSize:           getEnvAsInt("BATCH_SIZE", 1000),
		CanaryFraction:      getEnvAsFloat("CANARY_FRACTION", 0.10),
		DataSchema:          strings.ToLower(getEnv("DATA_SCHEMA", "helpdesk")),
		MetaSchema:          strings.ToLower(getEnv("META_SCHEMA", "ingress")),
		BlueGreenRetention:  getEnvAsDuration("BLUE_GREEN_RETENTION", 7*24*time.Hour),
		RetryAttempts:       getEnvAsInt("RETRY_ATTEMPTS", 3),
		RetryDelay:          time.Duration(getEnvAsInt("RETRY_DELAY_MS", 1000)) * time.Millisecond,
		WorkDir:             getEnv("WORK_DIR", "."),
		MinFreeDiskBytes:    uint64(getEnvAsInt("MIN_FREE_DISK_MB", 1024)) << 20,
		CheckpointBackend:   getEnv("CHECKPOINT_BACKEND", "file"),
		CheckpointDir:       getEnv("CHECKPOINT_DIR", ".qualityctl/checkpoints"),
		SourceTimezone:      getEnv("SOURCE_TIMEZONE", "UTC"),
		CommentOrphans: model.Range{
			Min: getEnvAsFloat("COMMENT_ORPHAN_MIN", 0),
			Max: getEnvAsFloat("COMMENT_ORPHAN_MAX", 0.01),
		},
		TimeEntryOrphans: model.Range{
			Min: getEnvAsFloat("TIME_ENTRY_ORPHAN_MIN", 0.85),
			Max: getEnvAsFloat("TIME_ENTRY_ORPHAN_MAX", 0.95),
		},
	}
}

// Helper functions for environment variables
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
