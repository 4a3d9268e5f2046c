package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meridian-commerce/outbox"
	"github.com/meridian-commerce/outbox/config"
	"github.com/meridian-commerce/outbox/dedup"
	"github.com/meridian-commerce/outbox/internal/ordering"
	"github.com/meridian-commerce/outbox/pgnotify"
)

var withNotifications bool

var relayCmd = &cobra.Command{
	Use:     "relay",
	Short:   "Forward outbox records to the configured bus until interrupted",
	GroupID: "relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sub, closeBus, err := newBusSubscriber(cfg.Bus, logger)
		if err != nil {
			return err
		}
		defer logClose(logger, "bus", closeBus)

		name := busSubscriberName(cfg.Bus.Kind)
		sub, closeDedup := withDedup(cfg.Dedup, name, sub)
		defer logClose(logger, "dedup store", closeDedup)

		registry, err := newRegistry(cfg.Bus.EventTypes, name, sub)
		if err != nil {
			return err
		}

		if withNotifications {
			repo := ordering.NewRepository(dbCtx.Dialect())
			store := dedup.NewSQLStore(db, dbCtx.Dialect())
			if err := ordering.NewNotifications(repo, store).Register(registry); err != nil {
				return err
			}
		}

		relay, err := outbox.NewRelay(dbCtx, registry, relayOptions(cfg.Relay, logger)...)
		if err != nil {
			return err
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			logRelayErrors(logger, relay.Errors())
		}()
		go func() {
			defer wg.Done()
			logDeadLetters(logger, relay.DeadLetters())
		}()

		if cfg.Relay.NotifyChannel != "" {
			go func() {
				if err := pgnotify.Listen(ctx, cfg.DB.DSN, cfg.Relay.NotifyChannel, relay, logger); err != nil {
					logger.Error("outbox notification listener stopped", zap.Error(err))
				}
			}()
		}

		relay.Start()
		logger.Info("outboxctl relay running",
			zap.String("bus", cfg.Bus.Kind),
			zap.Strings("event_types", cfg.Bus.EventTypes),
			zap.String("worker_id", relay.WorkerID()))

		<-ctx.Done()
		logger.Info("shutting down relay", zap.Duration("timeout", cfg.Relay.ShutdownTimeout))

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Relay.ShutdownTimeout)
		defer cancel()

		if err := relay.Stop(shutdownCtx); err != nil {
			return err
		}
		wg.Wait()
		return nil
	},
}

// relayOptions maps the relay configuration onto relay options.
func relayOptions(cfg config.Relay, logger *zap.Logger) []outbox.RelayOption {
	delay := outbox.Exponential(cfg.InitialDelay, cfg.MaxDelay)
	if cfg.Jitter > 0 {
		delay = outbox.Jittered(delay, cfg.Jitter)
	}

	opts := []outbox.RelayOption{
		outbox.WithInterval(cfg.Interval),
		outbox.WithSweepInterval(cfg.SweepInterval),
		outbox.WithReadTimeout(cfg.ReadTimeout),
		outbox.WithUpdateTimeout(cfg.UpdateTimeout),
		outbox.WithDispatchTimeout(cfg.DispatchTimeout),
		outbox.WithLeaseTimeout(cfg.LeaseTimeout),
		outbox.WithReadBatchSize(cfg.BatchSize),
		outbox.WithWorkers(cfg.Workers),
		outbox.WithMaxAttempts(cfg.MaxAttempts),
		outbox.WithStrictOrdering(cfg.StrictOrdering),
		outbox.WithDelay(delay),
		outbox.WithLogger(logger),
	}
	if len(cfg.Partitions) > 0 {
		opts = append(opts, outbox.WithPartitions(cfg.Partitions...))
	}
	if cfg.WorkerID != "" {
		opts = append(opts, outbox.WithWorkerID(cfg.WorkerID))
	}
	return opts
}

// logRelayErrors logs the infrastructure errors the relay only reports at debug
// level. Subscriber failures are already logged by the relay.
func logRelayErrors(logger *zap.Logger, errs <-chan error) {
	for err := range errs {
		var dispatchErr *outbox.DispatchError
		if errors.As(err, &dispatchErr) {
			continue
		}
		logger.Error("outbox relay error", zap.Error(err))
	}
}

func logDeadLetters(logger *zap.Logger, records <-chan outbox.Record) {
	for rec := range records {
		logger.Info("record can be requeued with outboxctl dead-letters requeue",
			zap.Stringer("event_id", rec.ID),
			zap.String("event_type", rec.EventType),
			zap.Int("retry_count", rec.RetryCount))
	}
}

func logClose(logger *zap.Logger, what string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logger.Warn("closing "+what, zap.Error(err))
	}
}

func init() {
	relayCmd.Flags().BoolVar(&withNotifications, "with-notifications", false, "Also run the customer notification projection of the ordering sample")
}
