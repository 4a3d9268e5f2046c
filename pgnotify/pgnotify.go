// Package pgnotify wakes a relay up when a PostgreSQL transaction that stored outbox
// records commits.
//
// Writers enable it with outbox.WithCommitNotification(channel), which issues
// pg_notify in the writing transaction. PostgreSQL delivers the notification only
// after the commit, so a woken relay always sees the new records.
package pgnotify

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Notifiable is woken up on every notification. *outbox.Relay implements it.
type Notifiable interface {
	Notify()
}

const (
	minReconnectInterval = 1 * time.Second
	maxReconnectInterval = 1 * time.Minute
	pingInterval         = 90 * time.Second
)

type listener interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

// Listen listens on channel and calls target.Notify for every notification until
// ctx is done. The connection is reestablished automatically; target is also
// notified after a reconnect, since notifications sent while disconnected are lost.
func Listen(ctx context.Context, dsn, channel string, target Notifiable, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("channel", channel))

	l := pq.NewListener(dsn, minReconnectInterval, maxReconnectInterval, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected:
			logger.Warn("outbox notification listener disconnected", zap.Error(err))
		case pq.ListenerEventReconnected:
			logger.Info("outbox notification listener reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			logger.Warn("outbox notification listener connection attempt failed", zap.Error(err))
		}
	})

	return run(ctx, l, channel, target, logger, pingInterval)
}

func run(ctx context.Context, l listener, channel string, target Notifiable, logger *zap.Logger, ping time.Duration) error {
	defer func() {
		_ = l.Close()
	}()

	if err := l.Listen(channel); err != nil {
		return fmt.Errorf("listening on %s: %w", channel, err)
	}
	logger.Info("listening for outbox notifications")

	ticker := time.NewTicker(ping)
	defer ticker.Stop()

	notifications := l.NotificationChannel()
	for {
		select {
		case <-ctx.Done():
			return nil

		case n, ok := <-notifications:
			if !ok {
				return nil
			}
			// A nil notification follows a reconnect.
			if n == nil {
				logger.Debug("woken after reconnect")
			}
			target.Notify()

		case <-ticker.C:
			if err := l.Ping(); err != nil {
				logger.Warn("outbox notification listener ping failed", zap.Error(err))
			}
		}
	}
}
