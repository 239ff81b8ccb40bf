package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/David-Botos/quality-ingress/internal/testfixture"
	"github.com/David-Botos/quality-ingress/pkg/pipeline"
)

// isolate points the configuration at a temp work dir with no external stores
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for key, value := range map[string]string{
		"POSTGRES_URL":       "",
		"POSTGRES_USER":      "",
		"SNOWFLAKE_USER":     "",
		"REDIS_ADDR":         "",
		"CHECKPOINT_BACKEND": "none",
		"METRICS_ENABLED":    "false",
		"MIN_FREE_DISK_MB":   "0",
		"RETRY_DELAY_MS":     "0",
		"WORK_DIR":           dir,
		"LOG_LEVEL":          "error",
	} {
		t.Setenv(key, value)
	}
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := Execute(context.Background())
	return out.String(), err
}

func TestValidate(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, testfixture.WriteCSV(dir, testfixture.Extracts(testfixture.DefaultOptions())))

	out, err := execute(t, "validate", "--input", dir, "--source", "csv")
	require.NoError(t, err)

	var view struct {
		BatchID string `json:"batch_id"`
		Stages  []struct {
			Stage string `json:"stage"`
		} `json:"stages"`
		Validation struct {
			Passed    bool    `json:"passed"`
			Threshold float64 `json:"threshold"`
		} `json:"validation"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.NotEmpty(t, view.BatchID)
	assert.True(t, view.Validation.Passed)
	assert.Equal(t, 60.0, view.Validation.Threshold)
	require.Len(t, view.Stages, 4)
	assert.Equal(t, "validate", view.Stages[3].Stage)
}

func TestValidate_MissingInput(t *testing.T) {
	dir := isolate(t)

	_, err := execute(t, "validate", "--input", filepath.Join(dir, "missing"), "--source", "csv")
	require.Error(t, err)
	assert.Equal(t, pipeline.ExitEnvironment, pipeline.ExitCode(err))

	var pe *pipeline.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, string(pipeline.StagePreflight), pe.Stage)
}

func TestValidate_UnknownSource(t *testing.T) {
	dir := isolate(t)

	_, err := execute(t, "validate", "--input", dir, "--source", "ftp")
	require.Error(t, err)
	assert.Equal(t, pipeline.ExitEnvironment, pipeline.ExitCode(err))
	assert.Contains(t, err.Error(), "ftp")
}

func TestClean_RequiresPostgres(t *testing.T) {
	dir := isolate(t)

	_, err := execute(t, "clean", "--input", dir, "--source", "csv")
	require.Error(t, err)
	assert.Equal(t, pipeline.ExitEnvironment, pipeline.ExitCode(err))
	assert.Contains(t, err.Error(), "POSTGRES_URL")
}

func TestMigrate_RejectsFlags(t *testing.T) {
	dir := isolate(t)

	_, err := execute(t, "migrate", "--input", dir, "--source", "csv", "--mode", "sideways")
	require.Error(t, err)
	assert.Equal(t, pipeline.ExitEnvironment, pipeline.ExitCode(err))

	_, err = execute(t, "migrate", "--input", dir, "--source", "csv", "--mode", "direct", "--min-quality", "120")
	require.Error(t, err)
	assert.Equal(t, pipeline.ExitEnvironment, pipeline.ExitCode(err))
	assert.Contains(t, err.Error(), "0-100")
}

func TestInvalidConfig(t *testing.T) {
	isolate(t)
	t.Setenv("VALIDATION_THRESHOLD", "140")

	_, err := execute(t, "validate")
	require.Error(t, err)
	assert.Equal(t, pipeline.ExitEnvironment, pipeline.ExitCode(err))
}

func TestNewLogger(t *testing.T) {
	l, err := newLogger("warn", "console", false)
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zap.DebugLevel))

	l, err = newLogger("warn", "json", true)
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zap.DebugLevel))

	_, err = newLogger("loud", "json", false)
	assert.Error(t, err)
}
