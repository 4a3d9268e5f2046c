// Command outboxctl runs the outbox relay and the operator tooling around it:
// schema migrations, dead letter inspection and requeueing, status counts and the
// sample ordering use cases.
package main

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/sijms/go-ora/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meridian-commerce/outbox"
	"github.com/meridian-commerce/outbox/config"
	"github.com/meridian-commerce/outbox/internal/logging"
)

var (
	cfg    *config.Config
	logger *zap.Logger
	db     *sql.DB
	dbCtx  *outbox.DBContext

	envFile    string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:           "outboxctl",
	Short:         "outboxctl - transactional outbox relay and operator tooling",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("loading %s: %w", envFile, err)
			}
		}

		var err error
		cfg, err = config.New()
		if err != nil {
			return err
		}

		logger, err = logging.New(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return err
		}

		db, err = sql.Open(cfg.DB.Driver, cfg.DB.DSN)
		if err != nil {
			return fmt.Errorf("opening %s database: %w", cfg.DB.Driver, err)
		}
		db.SetMaxOpenConns(cfg.DB.MaxOpenConns)

		dbCtx, err = newDBContext(db, cfg)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if db != nil {
			_ = db.Close()
		}
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// newDBContext turns the configuration into a DBContext. Invalid identifiers are
// reported as errors instead of panics.
func newDBContext(db *sql.DB, cfg *config.Config) (c *outbox.DBContext, err error) {
	opts := []outbox.DBContextOption{
		outbox.WithTableName(cfg.DB.Table),
		outbox.WithPartitionCount(cfg.DB.PartitionCount),
	}
	if cfg.Relay.NotifyChannel != "" {
		opts = append(opts, outbox.WithCommitNotification(cfg.Relay.NotifyChannel))
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invalid database configuration: %v", r)
		}
	}()

	return outbox.NewDBContext(db, outbox.SQLDialect(cfg.DB.Dialect), opts...), nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment, when present")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	rootCmd.AddGroup(
		&cobra.Group{ID: "relay", Title: "Relay:"},
		&cobra.Group{ID: "ops", Title: "Operations:"},
		&cobra.Group{ID: "orders", Title: "Ordering:"},
	)

	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(deadLettersCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(ordersCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
