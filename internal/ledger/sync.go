package ledger

import (
	"context"
	"time"
)

// SyncOrderStatus re-derives the order status from its deliveries inside tx
// and persists it when it changed.
func SyncOrderStatus(ctx context.Context, tx Tx, order PurchaseOrder, at time.Time) (OrderStatus, error) {
	deliveries, err := tx.ListDeliveriesByOrder(ctx, order.ID)
	if err != nil {
		return order.Status, err
	}
	status := DeriveOrderStatus(order, deliveries)
	if status == order.Status {
		return status, nil
	}
	if err := tx.UpdateOrderStatus(ctx, order.ID, status, at); err != nil {
		return order.Status, err
	}
	return status, nil
}
