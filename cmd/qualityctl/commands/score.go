package commands

import (
	"github.com/spf13/cobra"

	"github.com/David-Botos/quality-ingress/pkg/model"
	"github.com/David-Botos/quality-ingress/pkg/pipeline"
	"github.com/David-Botos/quality-ingress/pkg/quarantine"
)

// scoreCmd represents the score command
var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score the cleaned data on the five quality dimensions",
	Long: `Runs every stage through score and prints the composite quality score
with its grade and the dimension breakdown: completeness, validity,
consistency, uniqueness and integrity.

Example:
  qualityctl score --input ./extracts`,
	Args: cobra.NoArgs,
	RunE: runScore,
}

func init() {
	rootCmd.AddCommand(scoreCmd)
}

type scoreView struct {
	runView
	Validation float64             `json:"validation_score"`
	Score      *model.QualityScore `json:"score,omitempty"`
	Quarantine *quarantine.Summary `json:"quarantine,omitempty"`
}

func runScore(cmd *cobra.Command, _ []string) error {
	res, err := runPipeline(cmd.Context(), runOptions{
		Options:   pipeline.Options{Until: pipeline.StageScore},
		needStore: true,
	})
	if res == nil {
		return err
	}
	view := scoreView{runView: newRunView(res, err), Score: res.Score, Quarantine: res.Quarantine}
	if res.Validation != nil {
		view.Validation = res.Validation.Composite
	}
	return finish(cmd, view, err)
}
