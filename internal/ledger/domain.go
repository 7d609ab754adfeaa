// Package ledger holds the authoritative records of orders, deliveries,
// products, restocks, stock movements and returns.
package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus enumerates purchase order lifecycle states.
type OrderStatus string

const (
	// OrderStatusPending is the initial state while lines remain open.
	OrderStatusPending OrderStatus = "Pending"
	// OrderStatusFailed marks an order abandoned before completion.
	OrderStatusFailed OrderStatus = "Failed"
	// OrderStatusSuccess marks an order fully delivered and reconciled.
	OrderStatusSuccess OrderStatus = "Success"
)

// IsValid reports whether the status is known.
func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderStatusPending, OrderStatusFailed, OrderStatusSuccess:
		return true
	}
	return false
}

// IsOpen reports whether deliveries and edits are still accepted.
func (s OrderStatus) IsOpen() bool {
	return s == OrderStatusPending
}

// IsEditable reports whether line items may still change. A Success order
// takes new products and reopens; a Failed order is final.
func (s OrderStatus) IsEditable() bool {
	return s == OrderStatusPending || s == OrderStatusSuccess
}

// SaleType describes how the order is handed over. It does not change fulfillment rules.
type SaleType string

const (
	SaleTypeDelivery SaleType = "Delivery"
	SaleTypeWalkIn   SaleType = "WalkIn"
)

// IsValid reports whether the sale type is known.
func (s SaleType) IsValid() bool {
	return s == SaleTypeDelivery || s == SaleTypeWalkIn
}

// DeliveryStatus enumerates delivery lifecycle states.
type DeliveryStatus string

const (
	DeliveryStatusOnDelivery    DeliveryStatus = "OnDelivery"
	DeliveryStatusPendingReport DeliveryStatus = "PendingReport"
	DeliveryStatusFailed        DeliveryStatus = "Failed"
	DeliveryStatusDelivered     DeliveryStatus = "Delivered"
	// DeliveryStatusCancelled is terminal and hidden from listings.
	DeliveryStatusCancelled DeliveryStatus = "Cancelled"
)

// IsValid reports whether the status is known.
func (s DeliveryStatus) IsValid() bool {
	switch s {
	case DeliveryStatusOnDelivery, DeliveryStatusPendingReport, DeliveryStatusFailed, DeliveryStatusDelivered, DeliveryStatusCancelled:
		return true
	}
	return false
}

// CountsTowardAssigned reports whether the delivery's assigned quantities
// consume the order's remaining balance.
func (s DeliveryStatus) CountsTowardAssigned() bool {
	switch s {
	case DeliveryStatusOnDelivery, DeliveryStatusPendingReport, DeliveryStatusDelivered:
		return true
	}
	return false
}

// InFlight reports whether the delivery has left but is not yet settled.
func (s DeliveryStatus) InFlight() bool {
	return s == DeliveryStatusOnDelivery || s == DeliveryStatusPendingReport
}

// CanReport reports whether a field report may be submitted.
func (s DeliveryStatus) CanReport() bool { return s == DeliveryStatusOnDelivery }

// CanAccept reports whether the field report may be accepted.
func (s DeliveryStatus) CanAccept() bool { return s == DeliveryStatusPendingReport }

// CanFail reports whether the delivery may be marked failed.
func (s DeliveryStatus) CanFail() bool { return s.InFlight() }

// Hidden reports whether listings should omit the delivery.
func (s DeliveryStatus) Hidden() bool { return s == DeliveryStatusCancelled }

// ReturnStatus tracks reconciliation of damaged or returned units.
type ReturnStatus string

const (
	ReturnStatusNone     ReturnStatus = "NoReturns"
	ReturnStatusPending  ReturnStatus = "PendingReturn"
	ReturnStatusRefunded ReturnStatus = "Refunded"
)

// IsValid reports whether the status is known.
func (s ReturnStatus) IsValid() bool {
	return s == ReturnStatusNone || s == ReturnStatusPending || s == ReturnStatusRefunded
}

// PurchaseOrder is a customer order owning its line items.
type PurchaseOrder struct {
	ID           int64
	CustomerName string
	Address      string
	SaleType     SaleType
	Status       OrderStatus
	CreatedBy    int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Lines        []OrderLineItem
}

// Line returns the line item for productID.
func (o PurchaseOrder) Line(productID int64) (OrderLineItem, bool) {
	for _, line := range o.Lines {
		if line.ProductID == productID {
			return line, true
		}
	}
	return OrderLineItem{}, false
}

// Total sums agreed price times net quantity across lines.
func (o PurchaseOrder) Total() decimal.Decimal {
	total := decimal.Zero
	for _, line := range o.Lines {
		total = total.Add(line.Total())
	}
	return total
}

// OrderLineItem is one product on an order.
type OrderLineItem struct {
	ID              int64
	OrderID         int64
	ProductID       int64
	AgreedPrice     decimal.Decimal
	QuantityOrdered int64
	QuantityRemoved int64
	LineOrder       int
}

// NetQuantity is the ordered quantity not soft-deleted.
func (l OrderLineItem) NetQuantity() int64 {
	return l.QuantityOrdered - l.QuantityRemoved
}

// Total is the agreed price times net quantity.
func (l OrderLineItem) Total() decimal.Decimal {
	return l.AgreedPrice.Mul(decimal.NewFromInt(l.NetQuantity()))
}

// Delivery is one dispatch of goods against an order.
type Delivery struct {
	ID                int64
	OrderID           int64
	DeliveryManID     int64
	Status            DeliveryStatus
	ReturnStatus      ReturnStatus
	Notes             string
	FieldReportImages []string
	FailureReason     string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	Lines             []DeliveryLineItem
}

// Assigned returns the quantity assigned for productID.
func (d Delivery) Assigned(productID int64) int64 {
	var qty int64
	for _, line := range d.Lines {
		if line.ProductID == productID {
			qty += line.QuantityAssigned
		}
	}
	return qty
}

// DeliveryLineItem carries assigned and reported quantities for one product.
type DeliveryLineItem struct {
	ID                int64
	DeliveryID        int64
	ProductID         int64
	QuantityAssigned  int64
	QuantityDelivered int64
	Damages           int64
	Intact            int64
}

// Product is a stocked item.
type Product struct {
	ID             int64
	Name           string
	CategoryID     int64
	OriginalPrice  decimal.Decimal
	QuantityOnHand int64
	ReorderLevel   int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BelowReorder reports whether stock fell under the reorder level.
func (p Product) BelowReorder() bool {
	return p.QuantityOnHand < p.ReorderLevel
}

// RestockTransaction is an append-only inbound stock record.
type RestockTransaction struct {
	ID        int64
	ProductID int64
	UserID    int64
	Quantity  int64
	CreatedAt time.Time
}

// MovementKind enumerates stock movement reasons.
type MovementKind string

const (
	MovementRestock          MovementKind = "RESTOCK"
	MovementDispatch         MovementKind = "DISPATCH"
	MovementDispatchReversal MovementKind = "DISPATCH_REVERSAL"
	MovementReturnRestock    MovementKind = "RETURN_RESTOCK"
	MovementFailedReturn     MovementKind = "FAILED_RETURN"
)

// StockMovement is an append-only signed change to quantity on hand.
type StockMovement struct {
	ID           int64
	ProductID    int64
	Kind         MovementKind
	Quantity     int64
	BalanceAfter int64
	RefModule    string
	RefID        int64
	BatchID      uuid.UUID
	ActorID      int64
	CreatedAt    time.Time
}

// Resolution enumerates how a return is reconciled.
type Resolution string

const (
	ResolutionRestocked  Resolution = "Restocked"
	ResolutionWrittenOff Resolution = "WrittenOff"
	ResolutionRefunded   Resolution = "Refunded"
)

// IsValid reports whether the resolution is known.
func (r Resolution) IsValid() bool {
	return r == ResolutionRestocked || r == ResolutionWrittenOff || r == ResolutionRefunded
}

// ReturnEntry records damaged or returned units awaiting reconciliation.
type ReturnEntry struct {
	ID             int64
	DeliveryID     int64
	DeliveryLineID int64
	ProductID      int64
	Quantity       int64
	OpenedAt       time.Time
	Resolution     *ReturnResolution
}

// IsOpen reports whether the return awaits resolution.
func (r ReturnEntry) IsOpen() bool {
	return r.Resolution == nil
}

// ReturnResolution is the append-only terminal record of a return.
type ReturnResolution struct {
	ReturnID   int64
	Resolution Resolution
	ResolvedBy int64
	ResolvedAt time.Time
	Note       string
}
