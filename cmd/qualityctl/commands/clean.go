package commands

import (
	"github.com/spf13/cobra"

	"github.com/David-Botos/quality-ingress/pkg/model"
	"github.com/David-Botos/quality-ingress/pkg/pipeline"
	"github.com/David-Botos/quality-ingress/pkg/quarantine"
)

// cleanCmd represents the clean command
var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Validate, clean and quarantine the extracts",
	Long: `Runs every stage through quarantine. Cleaning operations are written
to the transformation audit and rejected rows to the quarantine table in
META_SCHEMA. Cleaned data is checkpointed so a later migrate with the same
--batch-id does not clean again.

Example:
  qualityctl clean --input ./extracts
  qualityctl clean --input ./extracts --batch-id 5f0c...`,
	Args: cobra.NoArgs,
	RunE: runClean,
}

func init() {
	rootCmd.AddCommand(cleanCmd)
}

type cleanView struct {
	runView
	Cleaning   *model.CleaningSummary       `json:"cleaning,omitempty"`
	Audit      []model.TransformationRecord `json:"audit,omitempty"`
	Quarantine *quarantine.Summary          `json:"quarantine,omitempty"`
}

func runClean(cmd *cobra.Command, _ []string) error {
	res, err := runPipeline(cmd.Context(), runOptions{
		Options:   pipeline.Options{Until: pipeline.StageQuarantine},
		needStore: true,
	})
	if res == nil {
		return err
	}
	view := cleanView{runView: newRunView(res, err), Quarantine: res.Quarantine}
	if res.Cleaning != nil {
		view.Cleaning = &res.Cleaning.Summary
		view.Audit = res.Cleaning.Records
	}
	return finish(cmd, view, err)
}
