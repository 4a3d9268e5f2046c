package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meridian-commerce/outbox"
)

var deadLettersLimit int

var deadLettersCmd = &cobra.Command{
	Use:     "dead-letters",
	Short:   "Inspect and requeue dead-lettered records",
	GroupID: "ops",
}

var deadLettersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered records, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := outbox.NewInspector(dbCtx).ListDeadLetters(cmd.Context(), deadLettersLimit)
		if err != nil {
			return err
		}
		return printRecords(cmd.OutOrStdout(), records)
	},
}

var deadLettersRequeueCmd = &cobra.Command{
	Use:   "requeue <event-id>...",
	Short: "Move dead-lettered records back to pending with a fresh attempt budget",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]uuid.UUID, 0, len(args))
		for _, arg := range args {
			id, err := uuid.Parse(arg)
			if err != nil {
				return fmt.Errorf("invalid event id %q: %w", arg, err)
			}
			ids = append(ids, id)
		}

		inspector := outbox.NewInspector(dbCtx)
		for _, id := range ids {
			if err := inspector.Requeue(cmd.Context(), id); err != nil {
				return fmt.Errorf("requeueing %s: %w", id, err)
			}
			logger.Info("record requeued", zap.Stringer("event_id", id))
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", id)
		}
		return nil
	},
}

func init() {
	deadLettersListCmd.Flags().IntVar(&deadLettersLimit, "limit", 50, "Maximum number of records to list")

	deadLettersCmd.AddCommand(deadLettersListCmd)
	deadLettersCmd.AddCommand(deadLettersRequeueCmd)
}
