package commands

import (
	"github.com/spf13/cobra"

	"github.com/David-Botos/quality-ingress/pkg/model"
	"github.com/David-Botos/quality-ingress/pkg/pipeline"
	"github.com/David-Botos/quality-ingress/pkg/profiler"
)

// validateCmd represents the validate command
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Profile the extracts and run the validation rules",
	Long: `Runs pre-flight, load, profile and validate. The profiler trips the
circuit breaker on systemically malformed input; the validator scores the
extracts against its rule set and fails below VALIDATION_THRESHOLD.

Nothing is written to the target store.

Example:
  qualityctl validate --input ./extracts
  qualityctl validate --source snowflake`,
	Args: cobra.NoArgs,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

type validateView struct {
	runView
	Profile    *profiler.Report        `json:"profile,omitempty"`
	Validation *model.ValidationReport `json:"validation,omitempty"`
}

func runValidate(cmd *cobra.Command, _ []string) error {
	res, err := runPipeline(cmd.Context(), runOptions{
		Options: pipeline.Options{Until: pipeline.StageValidate},
	})
	if res == nil {
		return err
	}
	return finish(cmd, validateView{
		runView:    newRunView(res, err),
		Profile:    res.Profile,
		Validation: res.Validation,
	}, err)
}
