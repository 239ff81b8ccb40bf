package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/David-Botos/quality-ingress/pkg/model"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SNOWFLAKE_USER", "POSTGRES_URL", "POSTGRES_USER", "POSTGRES_PASSWORD", "POSTGRES_DB",
		"REDIS_ADDR", "CHECKPOINT_BACKEND", "VALIDATION_THRESHOLD", "MIGRATION_MIN_QUALITY",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Nil(t, cfg.Snowflake)
	assert.Nil(t, cfg.Postgres)
	assert.Equal(t, 60.0, cfg.Pipeline.ValidationThreshold)
	assert.Equal(t, 80.0, cfg.Pipeline.MigrationThreshold)
	assert.Equal(t, 0.10, cfg.Pipeline.CanaryFraction)
	assert.Equal(t, model.Range{Min: 0.85, Max: 0.95}, cfg.Pipeline.TimeEntryOrphans)
	assert.Equal(t, DefaultAlertConfig(), cfg.Alerts)
	assert.Equal(t, uint64(1024)<<20, cfg.Pipeline.MinFreeDiskBytes)

	_, err = cfg.RequirePostgres()
	assert.Error(t, err)
}

func TestLoadConfig_PostgresURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("POSTGRES_URL", "postgres://u:secret@db:5432/helpdesk?sslmode=disable")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	pg, err := cfg.RequirePostgres()
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:secret@db:5432/helpdesk?sslmode=disable", pg.ConnectionString())
	assert.NotContains(t, pg.Redacted(), "secret")
}

func TestLoadConfig_PoolOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("POSTGRES_URL", "postgres://db/helpdesk")
	t.Setenv("POSTGRES_MAX_OPEN_CONNS", "3")
	t.Setenv("POSTGRES_CONN_MAX_LIFETIME", "90s")
	t.Setenv("POSTGRES_STATEMENT_TIMEOUT", "not-a-duration")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Postgres.Pool.MaxOpenConns)
	assert.Equal(t, 5, cfg.Postgres.Pool.MaxIdleConns)
	assert.Equal(t, 90*time.Second, cfg.Postgres.Pool.ConnMaxLifetime)
	assert.Equal(t, 5*time.Minute, cfg.Postgres.StatementTimeout)
}

func TestLoadConfig_IncompleteSnowflake(t *testing.T) {
	clearEnv(t)
	t.Setenv("SNOWFLAKE_USER", "etl")
	t.Setenv("SNOWFLAKE_PASSWORD", "")
	t.Setenv("SNOWFLAKE_ACCOUNT", "")
	t.Setenv("SNOWFLAKE_WAREHOUSE", "ETL_WH")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SNOWFLAKE_PASSWORD, SNOWFLAKE_ACCOUNT")
}

func TestLoadConfig_PartialPostgres(t *testing.T) {
	clearEnv(t)
	t.Setenv("POSTGRES_USER", "ingress")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	base, err := LoadConfig()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{name: "threshold above 100", mutate: func(c *Config) { c.Pipeline.MigrationThreshold = 101 }},
		{name: "zero partition", mutate: func(c *Config) { c.Pipeline.PartitionSize = 0 }},
		{name: "canary fraction one", mutate: func(c *Config) { c.Pipeline.CanaryFraction = 1 }},
		{name: "redis backend without redis", mutate: func(c *Config) { c.Pipeline.CheckpointBackend = "redis" }},
		{name: "inverted orphan range", mutate: func(c *Config) { c.Pipeline.CommentOrphans = model.Range{Min: 0.5, Max: 0.1} }},
		{name: "inverted alert thresholds", mutate: func(c *Config) { c.Alerts.UnreviewedWarn = 1000 }},
		{name: "bad timezone", mutate: func(c *Config) { c.Pipeline.SourceTimezone = "Mars/Olympus" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestApplyOrphanRanges(t *testing.T) {
	p := PipelineConfig{
		CommentOrphans:   model.Range{Min: 0, Max: 0.02},
		TimeEntryOrphans: model.Range{Min: 0.8, Max: 0.9},
	}
	schemas := model.Schemas()
	p.ApplyOrphanRanges(schemas)

	assert.Equal(t, 0.02, schemas[model.EntityComments].ForeignKey("ticket_id").ExpectedOrphans.Max)
	assert.Equal(t, 0.8, schemas[model.EntityTimeEntries].ForeignKey("ticket_id").ExpectedOrphans.Min)
}

func TestLoadEnvFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("BLUE_GREEN_RETENTION=48h\n"), 0o600))
	t.Setenv("BLUE_GREEN_RETENTION", "")
	os.Unsetenv("BLUE_GREEN_RETENTION")

	require.NoError(t, LoadEnvFile(path))
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, cfg.Pipeline.BlueGreenRetention)

	assert.Error(t, LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")))
}

func TestLoadEnvFile_MalformedDiscoveredFile(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("POSTGRES_PASSWORD=\"unterminated\n"), 0o600))

	err = LoadEnvFile("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load env file .env")
}
