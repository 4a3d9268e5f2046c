package ordering

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/meridian-commerce/outbox"
)

// ErrRetryOperation is returned when an operation lost an optimistic concurrency
// race. Nothing was written; the caller may run the operation again.
var ErrRetryOperation = errors.New("ordering: retry operation")

// Service runs the ordering use cases. Each use case is one unit of work: the
// aggregates it changes and the events they raise are committed together.
type Service struct {
	dbCtx   *outbox.DBContext
	repo    *Repository
	writer  *outbox.Writer
	uowOpts []outbox.UnitOfWorkOption
	logger  *zap.Logger
}

// NewService creates a Service. The unit of work options are applied to every
// operation, e.g. outbox.WithNotifier to wake an in-process relay.
func NewService(dbCtx *outbox.DBContext, logger *zap.Logger, opts ...outbox.UnitOfWorkOption) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts = append([]outbox.UnitOfWorkOption{outbox.WithUnitOfWorkLogger(logger)}, opts...)

	return &Service{
		dbCtx:   dbCtx,
		repo:    NewRepository(dbCtx.Dialect()),
		writer:  outbox.NewWriter(dbCtx, opts...),
		uowOpts: opts,
		logger:  logger,
	}
}

// Repository returns the repository used by the service.
func (s *Service) Repository() *Repository {
	return s.repo
}

// PlaceOrder reserves stock for every line and stores the new order.
func (s *Service) PlaceOrder(ctx context.Context, orderID, customerID string, lines []Line) error {
	err := s.writer.Write(ctx, func(ctx context.Context, uow *outbox.UnitOfWork) error {
		order, err := PlaceOrder(orderID, customerID, lines)
		if err != nil {
			return err
		}
		uow.Track(order, s.repo.SaveOrder(order))

		for _, l := range order.Lines {
			item, err := s.repo.LoadStockItem(ctx, uow.Tx(), l.SKU)
			if err != nil {
				return err
			}
			if err := item.Reserve(order.ID, l.Quantity); err != nil {
				return err
			}
			uow.Track(item, s.repo.SaveStockItem(item))
		}
		return nil
	})
	if err != nil {
		return s.wrap("placing order", orderID, err)
	}

	s.logger.Info("order placed", zap.String("order_id", orderID), zap.Int("lines", len(lines)))
	return nil
}

// ApproveOrder approves a placed order.
func (s *Service) ApproveOrder(ctx context.Context, orderID string) error {
	err := s.writer.Write(ctx, func(ctx context.Context, uow *outbox.UnitOfWork) error {
		order, err := s.repo.LoadOrder(ctx, uow.Tx(), orderID)
		if err != nil {
			return err
		}
		uow.Track(order, s.repo.SaveOrder(order))
		return order.Approve()
	})
	if err != nil {
		return s.wrap("approving order", orderID, err)
	}
	return nil
}

// CancelOrder cancels an order and gives the stock of its lines back. The order,
// the stock items and the OrderCancelled and StockRestored events are committed in
// one transaction, or not at all.
func (s *Service) CancelOrder(ctx context.Context, orderID, reason string) (err error) {
	uow := outbox.NewUnitOfWork(s.dbCtx, s.uowOpts...)

	if err := uow.BeginTransaction(ctx); err != nil {
		return s.wrap("cancelling order", orderID, err)
	}
	defer func() {
		if err != nil {
			rbErr := uow.RollbackTransaction(context.WithoutCancel(ctx))
			if rbErr != nil && !errors.Is(rbErr, outbox.ErrNoActiveTransaction) {
				s.logger.Warn("rolling back order cancellation",
					zap.String("order_id", orderID), zap.Error(rbErr))
			}
		}
	}()

	order, err := s.repo.LoadOrder(ctx, uow.Tx(), orderID)
	if err != nil {
		return s.wrap("cancelling order", orderID, err)
	}
	if err = order.Cancel(reason); err != nil {
		return s.wrap("cancelling order", orderID, err)
	}
	uow.Track(order, s.repo.SaveOrder(order))

	items := make(map[string]*StockItem, len(order.Lines))
	for _, l := range order.Lines {
		item, ok := items[l.SKU]
		if !ok {
			item, err = s.repo.LoadStockItem(ctx, uow.Tx(), l.SKU)
			if err != nil {
				return s.wrap("cancelling order", orderID, err)
			}
			items[l.SKU] = item
			uow.Track(item, s.repo.SaveStockItem(item))
		}
		if err = item.Restore(order.ID, l.Quantity); err != nil {
			return s.wrap("cancelling order", orderID, err)
		}
	}

	if _, err = uow.SaveChanges(ctx); err != nil {
		return s.wrap("cancelling order", orderID, err)
	}
	if err = uow.CommitTransaction(ctx); err != nil {
		return s.wrap("cancelling order", orderID, err)
	}

	s.logger.Info("order cancelled", zap.String("order_id", orderID), zap.String("reason", reason))
	return nil
}

func (s *Service) wrap(op, orderID string, err error) error {
	if outbox.IsConflict(err) {
		s.logger.Info("concurrency conflict", zap.String("op", op), zap.String("order_id", orderID), zap.Error(err))
		return fmt.Errorf("%s %s: %w: %w", op, orderID, ErrRetryOperation, err)
	}
	return fmt.Errorf("%s %s: %w", op, orderID, err)
}
