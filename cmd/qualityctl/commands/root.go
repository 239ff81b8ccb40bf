package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/David-Botos/quality-ingress/pkg/config"
	"github.com/David-Botos/quality-ingress/pkg/pipeline"
)

var (
	// Global flags
	envFile    string
	inputDir   string
	sourceKind string
	batchID    string
	verbose    bool

	// Set by the root PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "qualityctl",
	Short: "Data quality pipeline for helpdesk extracts",
	Long: `qualityctl validates, cleans, scores and migrates the tickets,
comments and time entries extracts of a helpdesk system.

Stages run in order: pre-flight, load, profile, validate, clean,
quarantine, score, migrate. Each command runs the stages up to its own
and prints the stage report as JSON.

Exit codes:
  0  success (rejected rows are quarantined, not failures)
  1  quality gate or circuit breaker
  2  environment (configuration, files, database, disk)
  3  internal or transaction failure

Examples:
  qualityctl validate --input ./extracts
  qualityctl migrate --input ./extracts --mode canary --min-quality 85
  qualityctl history --limit 5`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

// Execute adds all child commands to the root command and runs it with ctx.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "env file to load (default is .env when present)")
	rootCmd.PersistentFlags().StringVarP(&inputDir, "input", "i", ".", "directory holding tickets.csv, comments.csv and time_entries.csv")
	rootCmd.PersistentFlags().StringVar(&sourceKind, "source", "csv", "extract source: csv or snowflake")
	rootCmd.PersistentFlags().StringVar(&batchID, "batch-id", "", "resume the batch with this id instead of starting a new one")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func setup(cmd *cobra.Command, _ []string) error {
	if err := config.LoadEnvFile(envFile); err != nil {
		return pipeline.NewError(pipeline.KindEnvironment, "config", err, nil)
	}

	loaded, err := config.LoadConfig()
	if err != nil {
		return pipeline.NewError(pipeline.KindEnvironment, "config", fmt.Errorf("failed to load configuration: %w", err), nil)
	}

	l, err := newLogger(loaded.LogLevel, loaded.LogFormat, verbose)
	if err != nil {
		return pipeline.NewError(pipeline.KindEnvironment, "config", err, nil)
	}
	zap.ReplaceGlobals(l)

	cfg = loaded
	logger = l
	logger.Debug("Configuration loaded",
		zap.String("command", cmd.Name()),
		zap.String("source", sourceKind),
		zap.String("checkpoints", cfg.Pipeline.CheckpointBackend))
	return nil
}

func newLogger(level, format string, debug bool) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}

	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}
	if debug {
		lvl.SetLevel(zap.DebugLevel)
	}
	zcfg.Level = lvl
	zcfg.OutputPaths = []string{"stderr"}

	return zcfg.Build()
}
