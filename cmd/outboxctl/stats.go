package main

import (
	"github.com/spf13/cobra"

	"github.com/meridian-commerce/outbox"
)

var statsCmd = &cobra.Command{
	Use:     "stats",
	Short:   "Count outbox records per status",
	GroupID: "ops",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := outbox.NewInspector(dbCtx).Stats(cmd.Context())
		if err != nil {
			return err
		}
		return printStats(cmd.OutOrStdout(), stats)
	},
}
