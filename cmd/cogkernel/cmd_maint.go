package main

import (
	"github.com/spf13/cobra"

	"cogkernel/internal/kernel"
)

var consolidateStrategy string

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "cluster unconsolidated events into facts and procedures (consolidate)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext(cmd)
		defer cancel()

		projectID, err := resolveProjectID(ctx)
		if err != nil {
			return err
		}

		return dispatchAndPrint(ctx, kernel.Request{
			Op:          kernel.OpConsolidate,
			ProjectID:   projectID,
			Consolidate: &kernel.ConsolidateParams{Strategy: consolidateStrategy},
		})
	},
}

var qualitySummaryCmd = &cobra.Command{
	Use:   "quality-summary",
	Short: "print the latest memory quality sample (quality_summary)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext(cmd)
		defer cancel()

		projectID, err := resolveProjectID(ctx)
		if err != nil {
			return err
		}

		return dispatchAndPrint(ctx, kernel.Request{
			Op:             kernel.OpQualitySummary,
			ProjectID:      projectID,
			QualitySummary: &kernel.QualitySummaryParams{},
		})
	},
}

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "list active memory-quality alerts (alerts)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext(cmd)
		defer cancel()

		projectID, err := resolveProjectID(ctx)
		if err != nil {
			return err
		}

		return dispatchAndPrint(ctx, kernel.Request{
			Op:        kernel.OpAlerts,
			ProjectID: projectID,
			Alerts:    &kernel.AlertsParams{},
		})
	},
}

func init() {
	consolidateCmd.Flags().StringVar(&consolidateStrategy, "strategy", "", "consolidation strategy override (balanced, speed, quality, minimal)")
}
