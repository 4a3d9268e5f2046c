package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meridian-commerce/outbox"
	"github.com/meridian-commerce/outbox/internal/ordering"
	"github.com/meridian-commerce/outbox/migrations"
)

var withOrdering bool

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	Short:   "Manage the outbox schema",
	GroupID: "ops",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkMigratable(); err != nil {
			return err
		}

		if err := migrations.Up(db, cfg.DB.Dialect); err != nil {
			return err
		}

		if withOrdering {
			if err := ordering.ApplySchema(cmd.Context(), db, outbox.SQLDialect(cfg.DB.Dialect)); err != nil {
				return err
			}
			logger.Info("ordering schema applied")
		}

		return printVersion(cmd)
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Revert all migrations, dropping the outbox tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkMigratable(); err != nil {
			return err
		}

		if err := migrations.Down(db, cfg.DB.Dialect); err != nil {
			return err
		}

		return printVersion(cmd)
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkMigratable(); err != nil {
			return err
		}

		return printVersion(cmd)
	},
}

func checkMigratable() error {
	if !migrations.Supported(cfg.DB.Dialect) {
		return fmt.Errorf("no migrations for dialect %q; create the table from the documented DDL", cfg.DB.Dialect)
	}
	if cfg.DB.Table != "outbox" {
		logger.Warn("migrations manage the default outbox table only", zap.String("table", cfg.DB.Table))
	}
	return nil
}

func printVersion(cmd *cobra.Command) error {
	version, dirty, err := migrations.Version(db, cfg.DB.Dialect)
	if err != nil {
		return err
	}

	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), map[string]any{"version": version, "dirty": dirty})
	}

	state := "clean"
	if dirty {
		state = "dirty"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (%s)\n", version, state)
	return nil
}

func init() {
	migrateUpCmd.Flags().BoolVar(&withOrdering, "with-ordering", false, "Also create the sample ordering tables")

	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateVersionCmd)
}
