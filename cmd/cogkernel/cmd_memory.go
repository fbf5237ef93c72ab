package main

import (
	"github.com/spf13/cobra"

	"cogkernel/internal/kernel"
)

var (
	rememberDomain     string
	rememberConfidence float64

	recallScope       string
	recallLimit       int
	recallOffset      int
	recallIncludeWeak bool
)

var rememberCmd = &cobra.Command{
	Use:   "remember <statement>",
	Short: "add a declarative fact (remember)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext(cmd)
		defer cancel()

		projectID, err := resolveProjectID(ctx)
		if err != nil {
			return err
		}

		return dispatchAndPrint(ctx, kernel.Request{
			Op:        kernel.OpRemember,
			ProjectID: projectID,
			Remember: &kernel.RememberParams{
				Statement:  args[0],
				Domain:     rememberDomain,
				Confidence: rememberConfidence,
			},
		})
	},
}

var recallCmd = &cobra.Command{
	Use:   "recall <query>",
	Short: "rank and page through stored facts (recall)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext(cmd)
		defer cancel()

		projectID, err := resolveProjectID(ctx)
		if err != nil {
			return err
		}

		return dispatchAndPrint(ctx, kernel.Request{
			Op:        kernel.OpRecall,
			ProjectID: projectID,
			Recall: &kernel.RecallParams{
				Query:                args[0],
				Scope:                recallScope,
				Limit:                recallLimit,
				Offset:               recallOffset,
				IncludeLowConfidence: recallIncludeWeak,
			},
		})
	},
}

func init() {
	rememberCmd.Flags().StringVar(&rememberDomain, "domain", "", "fact domain")
	rememberCmd.Flags().Float64Var(&rememberConfidence, "confidence", 1.0, "initial confidence in [0,1]")

	recallCmd.Flags().StringVar(&recallScope, "scope", "", "restrict recall to a domain scope")
	recallCmd.Flags().IntVar(&recallLimit, "limit", 20, "max results per page")
	recallCmd.Flags().IntVar(&recallOffset, "offset", 0, "page offset")
	recallCmd.Flags().BoolVar(&recallIncludeWeak, "include-low-confidence", false, "include facts below the confidence floor")
}
