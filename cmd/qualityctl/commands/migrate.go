package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/David-Botos/quality-ingress/pkg/model"
	"github.com/David-Botos/quality-ingress/pkg/pipeline"
	"github.com/David-Botos/quality-ingress/pkg/quarantine"
)

// migrateCmd represents the migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run the full pipeline and load the cleaned data",
	Long: `Runs every stage and loads the accepted rows into Postgres when the
quality score reaches --min-quality.

Modes:
- direct:     one transaction into the live schema
- canary:     a verified sample first, then the rest, one transaction
- blue-green: a new versioned schema, verified, then made live

A failed write is rolled back and the batch recorded as failed. Input that
already committed is not migrated again.

Example:
  qualityctl migrate --input ./extracts
  qualityctl migrate --input ./extracts --mode blue-green --min-quality 90`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

var (
	migrateMode       string
	migrateMinQuality float64
)

func init() {
	rootCmd.AddCommand(migrateCmd)

	migrateCmd.Flags().StringVar(&migrateMode, "mode", string(model.StrategyDirect), "Migration mode: direct, canary, blue-green")
	migrateCmd.Flags().Float64Var(&migrateMinQuality, "min-quality", 0, "Minimum composite quality score 0-100 (default MIGRATION_MIN_QUALITY)")
}

type migrateView struct {
	runView
	Score      *model.QualityScore `json:"score,omitempty"`
	Quarantine *quarantine.Summary `json:"quarantine,omitempty"`
	Migration  *outcomeView        `json:"migration,omitempty"`
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	strategy, err := model.ParseStrategy(migrateMode)
	if err != nil {
		return envError("config", err)
	}

	var minQuality *float64
	if cmd.Flags().Changed("min-quality") {
		if migrateMinQuality < 0 || migrateMinQuality > 100 {
			return envError("config", fmt.Errorf("--min-quality must be within 0-100, got %g", migrateMinQuality))
		}
		minQuality = pipeline.Threshold(migrateMinQuality)
	}

	res, err := runPipeline(cmd.Context(), runOptions{
		Options: pipeline.Options{
			Strategy:   strategy,
			MinQuality: minQuality,
		},
		needStore:  true,
		needTarget: true,
	})
	if res == nil {
		return err
	}
	return finish(cmd, migrateView{
		runView:    newRunView(res, err),
		Score:      res.Score,
		Quarantine: res.Quarantine,
		Migration:  newOutcomeView(res.Migration),
	}, err)
}
