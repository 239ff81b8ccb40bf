package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/David-Botos/quality-ingress/pkg/migration"
	"github.com/David-Botos/quality-ingress/pkg/quarantine"
)

// rollbackCmd represents the rollback command
var rollbackCmd = &cobra.Command{
	Use:   "rollback <batch-id>",
	Short: "Make the schema that was live before a blue-green batch live again",
	Long: `Repoints the live schema to the version that preceded a committed
blue-green batch and marks the batch rolled back. Direct and canary batches
write into the live schema in place and cannot be rolled back this way.

Example:
  qualityctl rollback 5f0c6a1e-...`,
	Args: cobra.ExactArgs(1),
	RunE: runRollback,
}

// pruneCmd represents the prune command
var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop blue-green schemas retired longer than BLUE_GREEN_RETENTION",
	Args:  cobra.NoArgs,
	RunE:  runPrune,
}

func init() {
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(pruneCmd)
}

func runRollback(cmd *cobra.Command, args []string) error {
	env := newEnvironment()
	defer env.Close()
	orch, err := env.orchestrator(cmd.Context())
	if err != nil {
		return err
	}

	batch, err := orch.Rollback(cmd.Context(), args[0])
	switch {
	case errors.Is(err, quarantine.ErrNotFound):
		return envError("rollback", fmt.Errorf("batch %s not found", args[0]))
	case errors.Is(err, migration.ErrRollbackUnsupported), errors.Is(err, migration.ErrNoPreviousVersion):
		return envError("rollback", err)
	case err != nil:
		return fmt.Errorf("failed to roll back batch %s: %w", args[0], err)
	}
	return printJSON(cmd, batch)
}

func runPrune(cmd *cobra.Command, _ []string) error {
	env := newEnvironment()
	defer env.Close()
	orch, err := env.orchestrator(cmd.Context())
	if err != nil {
		return err
	}

	dropped, err := orch.PruneRetired(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to prune retired schemas: %w", err)
	}
	return printJSON(cmd, struct {
		Dropped []string `json:"dropped"`
	}{Dropped: dropped})
}
