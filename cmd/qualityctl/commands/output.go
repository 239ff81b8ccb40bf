package commands

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/David-Botos/quality-ingress/pkg/metrics"
	"github.com/David-Botos/quality-ingress/pkg/migration"
	"github.com/David-Botos/quality-ingress/pkg/model"
	"github.com/David-Botos/quality-ingress/pkg/pipeline"
	"github.com/David-Botos/quality-ingress/pkg/preflight"
)

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// finish prints view and returns the run error, which wins over a print error
func finish(cmd *cobra.Command, view interface{}, runErr error) error {
	if err := printJSON(cmd, view); err != nil && runErr == nil {
		return err
	}
	return runErr
}

// runView is the part of the output every pipeline command shares
type runView struct {
	BatchID   string                 `json:"batch_id"`
	Preflight *preflight.Report      `json:"preflight,omitempty"`
	Resumed   []pipeline.Stage       `json:"resumed,omitempty"`
	Stages    []metrics.StageSummary `json:"stages"`
	Error     string                 `json:"error,omitempty"`
}

func newRunView(res *pipeline.Result, err error) runView {
	v := runView{
		BatchID:   res.BatchID,
		Preflight: res.Preflight,
		Resumed:   res.Resumed,
		Stages:    res.Stages,
	}
	if err != nil {
		v.Error = err.Error()
	}
	return v
}

// outcomeView is a JSON friendly migration outcome
type outcomeView struct {
	Batch       *model.ImportBatch       `json:"batch,omitempty"`
	State       migration.State          `json:"state"`
	Transitions []migration.State        `json:"transitions"`
	Written     map[model.EntityType]int `json:"written,omitempty"`
	Previous    string                   `json:"previous_schema,omitempty"`
	Skipped     bool                     `json:"skipped"`
	Failures    []string                 `json:"verification_failures,omitempty"`
}

func newOutcomeView(out *migration.Outcome) *outcomeView {
	if out == nil {
		return nil
	}
	v := &outcomeView{
		Batch:       out.Batch,
		State:       out.State,
		Transitions: out.Transitions,
		Written:     out.Written,
		Previous:    out.Previous,
		Skipped:     out.Skipped,
	}
	for _, r := range out.Reports {
		v.Failures = append(v.Failures, r.Failures()...)
	}
	return v
}
