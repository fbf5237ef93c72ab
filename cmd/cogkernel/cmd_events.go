package main

import (
	"time"

	"github.com/spf13/cobra"

	"cogkernel/internal/episodic"
	"cogkernel/internal/kernel"
	"cogkernel/internal/model"
)

var (
	eventKind      string
	eventOutcome   string
	eventImportance float64

	recallEventsKind       string
	recallEventsOutcome    string
	recallEventsSessionKey string
	recallEventsLimit      int
	recallEventsOffset     int
)

var recordEventCmd = &cobra.Command{
	Use:   "record-event <content>",
	Short: "append one raw event to the episodic log (record_event)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext(cmd)
		defer cancel()

		projectID, err := resolveProjectID(ctx)
		if err != nil {
			return err
		}

		event := model.Event{
			CreatedAt:  time.Now(),
			Content:    args[0],
			Kind:       model.EventKind(eventKind),
			Outcome:    model.Outcome(eventOutcome),
			Importance: eventImportance,
		}

		return dispatchAndPrint(ctx, kernel.Request{
			Op:          kernel.OpRecordEvent,
			ProjectID:   projectID,
			RecordEvent: &kernel.RecordEventParams{Event: event},
		})
	},
}

var recallEventsCmd = &cobra.Command{
	Use:   "recall-events",
	Short: "page through the raw episodic log (recall_events)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext(cmd)
		defer cancel()

		projectID, err := resolveProjectID(ctx)
		if err != nil {
			return err
		}

		filters := episodic.RecallFilters{
			SessionKey: recallEventsSessionKey,
		}
		if recallEventsKind != "" {
			filters.Kind = model.EventKind(recallEventsKind)
		}
		if recallEventsOutcome != "" {
			filters.Outcome = model.Outcome(recallEventsOutcome)
		}

		return dispatchAndPrint(ctx, kernel.Request{
			Op:        kernel.OpRecallEvents,
			ProjectID: projectID,
			RecallEvents: &kernel.RecallEventsParams{
				Filters: filters,
				Limit:   recallEventsLimit,
				Offset:  recallEventsOffset,
			},
		})
	},
}

func init() {
	recordEventCmd.Flags().StringVar(&eventKind, "kind", string(model.EventMessage), "event kind")
	recordEventCmd.Flags().StringVar(&eventOutcome, "outcome", string(model.OutcomeUnknown), "event outcome")
	recordEventCmd.Flags().Float64Var(&eventImportance, "importance", 0.5, "event importance in [0,1]")

	recallEventsCmd.Flags().StringVar(&recallEventsKind, "kind", "", "filter by event kind")
	recallEventsCmd.Flags().StringVar(&recallEventsOutcome, "outcome", "", "filter by event outcome")
	recallEventsCmd.Flags().StringVar(&recallEventsSessionKey, "session", "", "filter by session key")
	recallEventsCmd.Flags().IntVar(&recallEventsLimit, "limit", 50, "max results per page")
	recallEventsCmd.Flags().IntVar(&recallEventsOffset, "offset", 0, "page offset")
}
