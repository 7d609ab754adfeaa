package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func orderFixture() PurchaseOrder {
	return PurchaseOrder{
		ID:     1,
		Status: OrderStatusPending,
		Lines: []OrderLineItem{
			{ProductID: 10, QuantityOrdered: 100},
			{ProductID: 20, QuantityOrdered: 5, QuantityRemoved: 5},
		},
	}
}

func delivery(status DeliveryStatus, ret ReturnStatus, qty int64) Delivery {
	return Delivery{OrderID: 1, Status: status, ReturnStatus: ret, Lines: []DeliveryLineItem{{ProductID: 10, QuantityAssigned: qty}}}
}

func TestBalancesIgnoreCancelledAndFailed(t *testing.T) {
	deliveries := []Delivery{
		delivery(DeliveryStatusDelivered, ReturnStatusNone, 30),
		delivery(DeliveryStatusOnDelivery, ReturnStatusNone, 10),
		delivery(DeliveryStatusCancelled, ReturnStatusNone, 40),
		delivery(DeliveryStatusFailed, ReturnStatusPending, 20),
	}
	balances := Balances(orderFixture(), deliveries)
	require.Len(t, balances, 2)
	require.Equal(t, int64(30), balances[0].Delivered)
	require.Equal(t, int64(10), balances[0].InFlight)
	require.Equal(t, int64(60), balances[0].Remaining)
	require.False(t, balances[0].Editable)
	require.Equal(t, int64(0), balances[1].Remaining)
	require.True(t, balances[1].Editable)

	remaining := RemainingByProduct(orderFixture(), deliveries)
	require.Equal(t, int64(60), remaining[10])
}

func TestDeriveOrderStatus(t *testing.T) {
	order := orderFixture()
	require.Equal(t, OrderStatusPending, DeriveOrderStatus(order, []Delivery{delivery(DeliveryStatusDelivered, ReturnStatusNone, 60)}))
	require.Equal(t, OrderStatusPending, DeriveOrderStatus(order, []Delivery{delivery(DeliveryStatusDelivered, ReturnStatusPending, 100)}))
	require.Equal(t, OrderStatusSuccess, DeriveOrderStatus(order, []Delivery{delivery(DeliveryStatusDelivered, ReturnStatusRefunded, 100)}))
	require.Equal(t, OrderStatusPending, DeriveOrderStatus(order, []Delivery{delivery(DeliveryStatusPendingReport, ReturnStatusNone, 100)}))

	order.Status = OrderStatusFailed
	require.Equal(t, OrderStatusFailed, DeriveOrderStatus(order, nil))

	empty := PurchaseOrder{ID: 1, Status: OrderStatusPending, Lines: []OrderLineItem{{ProductID: 10, QuantityOrdered: 3, QuantityRemoved: 3}}}
	require.Equal(t, OrderStatusPending, DeriveOrderStatus(empty, nil))
}

func TestStatusPredicates(t *testing.T) {
	require.True(t, DeliveryStatusOnDelivery.CanReport())
	require.False(t, DeliveryStatusPendingReport.CanReport())
	require.True(t, DeliveryStatusPendingReport.CanAccept())
	require.True(t, DeliveryStatusPendingReport.CanFail())
	require.False(t, DeliveryStatusDelivered.CanFail())
	require.True(t, DeliveryStatusCancelled.Hidden())
	require.False(t, DeliveryStatusFailed.CountsTowardAssigned())
	require.True(t, OrderStatusPending.IsOpen())
	require.False(t, OrderStatusSuccess.IsOpen())
	require.True(t, OrderStatusSuccess.IsEditable())
	require.False(t, OrderStatusFailed.IsEditable())
	require.False(t, SaleType("Drone").IsValid())
	require.False(t, Resolution("Lost").IsValid())
}
