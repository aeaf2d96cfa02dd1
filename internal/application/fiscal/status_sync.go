package fiscal

import (
	"context"
	"fmt"

	"github.com/erp/fiscal/internal/domain/fiscal"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StatusSynchronizer keeps the order's fiscal summary in line with its
// emission. Sync writes only when the summary would change.
type StatusSynchronizer struct {
	orders fiscal.OrderStatusRepository
	logger *zap.Logger
}

// NewStatusSynchronizer creates a StatusSynchronizer
func NewStatusSynchronizer(orders fiscal.OrderStatusRepository, logger *zap.Logger) *StatusSynchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusSynchronizer{orders: orders, logger: logger}
}

// Sync applies the order status that corresponds to status and returns it.
// Statuses still in flight map to OrderFiscalStatusNone, which clears the
// error left by an earlier attempt.
func (s *StatusSynchronizer) Sync(ctx context.Context, orderID uuid.UUID, status fiscal.EmissionStatus) (fiscal.OrderFiscalStatus, error) {
	target := fiscal.OrderFiscalStatusFor(status)

	current, err := s.orders.GetFiscalStatus(ctx, orderID)
	if err != nil {
		return "", fmt.Errorf("failed to read order fiscal status: %w", err)
	}
	if current == target {
		return target, nil
	}

	if err := s.orders.SetFiscalStatus(ctx, orderID, target); err != nil {
		return "", fmt.Errorf("failed to update order fiscal status: %w", err)
	}
	s.logger.Info("Order fiscal status updated",
		zap.String("order_id", orderID.String()),
		zap.String("from", string(current)),
		zap.String("to", string(target)),
	)
	return target, nil
}
