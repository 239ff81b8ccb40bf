package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/David-Botos/quality-ingress/pkg/model"
	"github.com/David-Botos/quality-ingress/pkg/quarantine"
)

// quarantineCmd represents the quarantine command
var quarantineCmd = &cobra.Command{
	Use:   "quarantine",
	Short: "Inspect and review quarantined rows",
	Long: `Rows rejected by the cleaner are kept in the quarantine table with the
original record, the rule that rejected them and a review status.

Example:
  qualityctl quarantine list --batch 5f0c... --severity critical
  qualityctl quarantine review <id> --resolution fixed --reviewer ops
  qualityctl quarantine purge <batch-id>`,
}

var (
	quarantineListCmd = &cobra.Command{
		Use:   "list",
		Short: "List quarantined rows",
		Args:  cobra.NoArgs,
		RunE:  runQuarantineList,
	}

	quarantineReviewCmd = &cobra.Command{
		Use:   "review <id>",
		Short: "Record the review of a quarantined row",
		Args:  cobra.ExactArgs(1),
		RunE:  runQuarantineReview,
	}

	quarantinePurgeCmd = &cobra.Command{
		Use:   "purge <batch-id>",
		Short: "Delete the quarantined rows of a batch",
		Args:  cobra.ExactArgs(1),
		RunE:  runQuarantinePurge,
	}

	// Flags
	qBatch      string
	qEntity     string
	qSeverity   string
	qStatus     string
	qLimit      int
	qResolution string
	qReviewer   string
)

func init() {
	rootCmd.AddCommand(quarantineCmd)
	quarantineCmd.AddCommand(quarantineListCmd)
	quarantineCmd.AddCommand(quarantineReviewCmd)
	quarantineCmd.AddCommand(quarantinePurgeCmd)

	// list flags
	quarantineListCmd.Flags().StringVar(&qBatch, "batch", "", "Only rows of this batch")
	quarantineListCmd.Flags().StringVar(&qEntity, "entity", "", "Only rows of this entity: tickets, comments, time_entries")
	quarantineListCmd.Flags().StringVar(&qSeverity, "severity", "", "Only rows of this severity: critical, high, medium, low")
	quarantineListCmd.Flags().StringVar(&qStatus, "status", "", "Only rows with this review status: unreviewed, reviewed")
	quarantineListCmd.Flags().IntVar(&qLimit, "limit", 100, "Maximum rows to list (0 for all)")

	// review flags
	quarantineReviewCmd.Flags().StringVar(&qResolution, "resolution", "", "Resolution: fixed, ignored, escalated")
	quarantineReviewCmd.Flags().StringVar(&qReviewer, "reviewer", "", "Name of the reviewer")
	_ = quarantineReviewCmd.MarkFlagRequired("resolution")
	_ = quarantineReviewCmd.MarkFlagRequired("reviewer")
}

// listFilter builds the store filter from the list flags
func listFilter() (quarantine.Filter, error) {
	filter := quarantine.Filter{BatchID: qBatch, Limit: qLimit}
	if qEntity != "" {
		entity, err := model.ParseEntityType(qEntity)
		if err != nil {
			return filter, err
		}
		filter.Entity = entity
	}
	if qSeverity != "" {
		severity, err := model.ParseRejectionSeverity(qSeverity)
		if err != nil {
			return filter, err
		}
		filter.Severity = &severity
	}
	switch status := model.ReviewStatus(qStatus); status {
	case "", model.ReviewUnreviewed, model.ReviewReviewed:
		filter.Status = status
	default:
		return filter, fmt.Errorf("unknown review status %q (want unreviewed or reviewed)", qStatus)
	}
	return filter, nil
}

func newManager(cmd *cobra.Command, env *environment) (*quarantine.Manager, error) {
	store, err := env.store(cmd.Context())
	if err != nil {
		return nil, err
	}
	return quarantine.NewManager(store, cfg.Alerts, logger)
}

func runQuarantineList(cmd *cobra.Command, _ []string) error {
	filter, err := listFilter()
	if err != nil {
		return envError("quarantine", err)
	}

	env := newEnvironment()
	defer env.Close()
	m, err := newManager(cmd, env)
	if err != nil {
		return err
	}

	records, err := m.List(cmd.Context(), filter)
	if err != nil {
		return fmt.Errorf("failed to list quarantined rows: %w", err)
	}
	return printJSON(cmd, records)
}

func runQuarantineReview(cmd *cobra.Command, args []string) error {
	resolution, err := model.ParseResolution(qResolution)
	if err != nil {
		return envError("quarantine", err)
	}

	env := newEnvironment()
	defer env.Close()
	m, err := newManager(cmd, env)
	if err != nil {
		return err
	}

	if err := m.Review(cmd.Context(), args[0], resolution, qReviewer); err != nil {
		return fmt.Errorf("failed to review %s: %w", args[0], err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Reviewed %s as %s by %s\n", args[0], resolution, qReviewer)
	return nil
}

func runQuarantinePurge(cmd *cobra.Command, args []string) error {
	env := newEnvironment()
	defer env.Close()
	m, err := newManager(cmd, env)
	if err != nil {
		return err
	}

	n, err := m.Purge(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to purge batch %s: %w", args[0], err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Purged %d quarantined rows of batch %s\n", n, args[0])
	return nil
}
