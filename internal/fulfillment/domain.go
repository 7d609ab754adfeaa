package fulfillment

import (
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fulfillment/internal/ledger"
)

const (
	refModuleDelivery = "delivery"
	auditEntityOrder  = "purchase_order"
	auditEntityDeliv  = "delivery"
)

// OrderLineInput is one requested order line.
type OrderLineInput struct {
	ProductID   int64
	Quantity    int64
	AgreedPrice decimal.Decimal
}

// CreateOrderInput carries a new purchase order.
type CreateOrderInput struct {
	CustomerName string
	Address      string
	SaleType     ledger.SaleType
	ActorID      int64
	Lines        []OrderLineInput
}

// EditOrderInput adds or changes lines and soft deletes removed products.
type EditOrderInput struct {
	OrderID           int64
	ActorID           int64
	Lines             []OrderLineInput
	RemovedProductIDs []int64
}

// DeliveryItem requests quantity of a product for dispatch.
type DeliveryItem struct {
	ProductID int64
	Quantity  int64
}

// CreateDeliveryInput carries a dispatch request.
type CreateDeliveryInput struct {
	OrderID       int64
	DeliveryManID int64
	ActorID       int64
	Notes         string
	Items         []DeliveryItem
}

// ReportLine is the field count for one delivered product.
type ReportLine struct {
	ProductID         int64
	QuantityDelivered int64
	Damages           int64
	Intact            int64
}

// FieldReportInput is the delivery agent's post-trip report.
type FieldReportInput struct {
	DeliveryID int64
	ActorID    int64
	Notes      string
	Images     []string
	Lines      []ReportLine
}

// FailDeliveryInput marks a delivery as failed.
type FailDeliveryInput struct {
	DeliveryID int64
	ActorID    int64
	Reason     string
}
