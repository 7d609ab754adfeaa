package ledger

// LineBalance summarises fulfillment of one order line.
type LineBalance struct {
	ProductID int64 `json:"product_id"`
	Ordered   int64 `json:"quantity_ordered"`
	Removed   int64 `json:"quantity_removed"`
	InFlight  int64 `json:"quantity_in_flight"`
	Delivered int64 `json:"quantity_delivered"`
	Remaining int64 `json:"remaining"`
	Editable  bool  `json:"editable"`
}

// Assigned is the quantity consumed by counting deliveries.
func (b LineBalance) Assigned() int64 {
	return b.InFlight + b.Delivered
}

// Balances derives per-line balances from the order and all of its deliveries.
// Cancelled and failed deliveries contribute nothing.
func Balances(order PurchaseOrder, deliveries []Delivery) []LineBalance {
	out := make([]LineBalance, 0, len(order.Lines))
	index := make(map[int64]int, len(order.Lines))
	for _, line := range order.Lines {
		index[line.ProductID] = len(out)
		out = append(out, LineBalance{
			ProductID: line.ProductID,
			Ordered:   line.QuantityOrdered,
			Removed:   line.QuantityRemoved,
		})
	}
	for _, d := range deliveries {
		if d.OrderID != order.ID || !d.Status.CountsTowardAssigned() {
			continue
		}
		for _, dl := range d.Lines {
			i, ok := index[dl.ProductID]
			if !ok {
				continue
			}
			if d.Status == DeliveryStatusDelivered {
				out[i].Delivered += dl.QuantityAssigned
			} else {
				out[i].InFlight += dl.QuantityAssigned
			}
		}
	}
	for i := range out {
		b := &out[i]
		b.Remaining = b.Ordered - b.Removed - b.Assigned()
		b.Editable = b.Assigned() == 0
	}
	return out
}

// RemainingByProduct maps product id to remaining quantity.
func RemainingByProduct(order PurchaseOrder, deliveries []Delivery) map[int64]int64 {
	balances := Balances(order, deliveries)
	out := make(map[int64]int64, len(balances))
	for _, b := range balances {
		out[b.ProductID] = b.Remaining
	}
	return out
}

// DeriveOrderStatus re-evaluates a pending order. It becomes Success once every
// line is fully covered by delivered deliveries and no delivery awaits return
// reconciliation. Failed and Success orders keep their status.
func DeriveOrderStatus(order PurchaseOrder, deliveries []Delivery) OrderStatus {
	if order.Status != OrderStatusPending {
		return order.Status
	}
	for _, d := range deliveries {
		if d.OrderID == order.ID && d.ReturnStatus == ReturnStatusPending {
			return OrderStatusPending
		}
	}
	open := false
	for _, b := range Balances(order, deliveries) {
		net := b.Ordered - b.Removed
		if net == 0 {
			continue
		}
		open = true
		if b.Delivered != net {
			return OrderStatusPending
		}
	}
	if !open {
		return OrderStatusPending
	}
	return OrderStatusSuccess
}
