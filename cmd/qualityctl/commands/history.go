package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/David-Botos/quality-ingress/pkg/model"
	"github.com/David-Botos/quality-ingress/pkg/quarantine"
)

// historyCmd represents the history command
var historyCmd = &cobra.Command{
	Use:   "history [batch-id]",
	Short: "List import batches, or show one batch with its audit trail",
	Long: `Without arguments lists the recorded import batches, newest first.
With a batch id prints that batch together with its transformation audit.

Example:
  qualityctl history
  qualityctl history --limit 5
  qualityctl history 5f0c6a1e-...`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

var historyLimit int

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of batches to list (0 for all)")
}

type batchView struct {
	Batch *model.ImportBatch           `json:"batch"`
	Audit []model.TransformationRecord `json:"audit"`
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	env := newEnvironment()
	defer env.Close()

	store, err := env.store(ctx)
	if err != nil {
		return err
	}

	if len(args) == 0 {
		batches, err := store.ListBatches(ctx, historyLimit)
		if err != nil {
			return fmt.Errorf("failed to list batches: %w", err)
		}
		return printJSON(cmd, batches)
	}

	batch, err := store.GetBatch(ctx, args[0])
	if errors.Is(err, quarantine.ErrNotFound) {
		return envError("history", fmt.Errorf("batch %s not found", args[0]))
	}
	if err != nil {
		return fmt.Errorf("failed to load batch %s: %w", args[0], err)
	}
	audit, err := store.ListTransformations(ctx, batch.ID)
	if err != nil {
		return fmt.Errorf("failed to load audit of batch %s: %w", batch.ID, err)
	}
	return printJSON(cmd, batchView{Batch: batch, Audit: audit})
}
