package main

import (
	"github.com/spf13/cobra"

	"cogkernel/internal/kernel"
	"cogkernel/internal/model"
)

var (
	procedureCategory string
	procedureAction   string

	findProceduresCategory string

	recordExecutionProcedureID int64
	recordExecutionOutcome     string
	recordExecutionDurationMs  float64
)

var createProcedureCmd = &cobra.Command{
	Use:   "create-procedure <name>",
	Short: "record a reusable workflow (create_procedure)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext(cmd)
		defer cancel()

		projectID, err := resolveProjectID(ctx)
		if err != nil {
			return err
		}

		var steps []model.Step
		if procedureAction != "" {
			steps = []model.Step{{Action: procedureAction}}
		}

		return dispatchAndPrint(ctx, kernel.Request{
			Op:        kernel.OpCreateProcedure,
			ProjectID: projectID,
			CreateProcedure: &kernel.CreateProcedureParams{
				Name:     args[0],
				Category: procedureCategory,
				Steps:    steps,
			},
		})
	},
}

var findProceduresCmd = &cobra.Command{
	Use:   "find-procedures <query>",
	Short: "find procedures ranked by historical success (find_procedures)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext(cmd)
		defer cancel()

		projectID, err := resolveProjectID(ctx)
		if err != nil {
			return err
		}

		return dispatchAndPrint(ctx, kernel.Request{
			Op:        kernel.OpFindProcedures,
			ProjectID: projectID,
			FindProcedures: &kernel.FindProceduresParams{
				Query:    args[0],
				Category: findProceduresCategory,
			},
		})
	},
}

var recordExecutionCmd = &cobra.Command{
	Use:   "record-execution",
	Short: "record one procedure execution outcome (record_execution)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext(cmd)
		defer cancel()

		projectID, err := resolveProjectID(ctx)
		if err != nil {
			return err
		}

		return dispatchAndPrint(ctx, kernel.Request{
			Op:        kernel.OpRecordExecution,
			ProjectID: projectID,
			RecordExecution: &kernel.RecordExecutionParams{
				ProcedureID: recordExecutionProcedureID,
				Outcome:     model.Outcome(recordExecutionOutcome),
				DurationMs:  recordExecutionDurationMs,
			},
		})
	},
}

func init() {
	createProcedureCmd.Flags().StringVar(&procedureCategory, "category", "", "procedure category")
	createProcedureCmd.Flags().StringVar(&procedureAction, "action", "", "single-step action name")

	findProceduresCmd.Flags().StringVar(&findProceduresCategory, "category", "", "restrict to a category")

	recordExecutionCmd.Flags().Int64Var(&recordExecutionProcedureID, "procedure-id", 0, "procedure id")
	recordExecutionCmd.Flags().StringVar(&recordExecutionOutcome, "outcome", string(model.OutcomeSuccess), "execution outcome")
	recordExecutionCmd.Flags().Float64Var(&recordExecutionDurationMs, "duration-ms", 0, "execution duration in milliseconds")
	recordExecutionCmd.MarkFlagRequired("procedure-id")
}
