package inventory

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fulfillment/internal/ledger"
)

// Movement describes one stock change requested by another component.
// Quantity is always a positive magnitude; Deduct and Restore pick the sign.
type Movement struct {
	ProductID int64
	Quantity  int64
	Kind      ledger.MovementKind
	RefModule string
	RefID     int64
	ActorID   int64
	BatchID   uuid.UUID
}

// RestockInput describes a single restock request.
type RestockInput struct {
	ProductID      int64
	UserID         int64
	Quantity       int64
	IdempotencyKey string
}

// RestockItem is one product of a batch restock.
type RestockItem struct {
	ProductID int64
	Quantity  int64
}

// ProductInput describes a product to register.
type ProductInput struct {
	Name            string
	CategoryID      int64
	OriginalPrice   decimal.Decimal
	ReorderLevel    int64
	InitialQuantity int64
	ActorID         int64
}

// StockCheck compares quantity on hand with the movement journal.
type StockCheck struct {
	ProductID  int64 `json:"product_id"`
	OnHand     int64 `json:"quantity_on_hand"`
	JournalSum int64 `json:"journal_sum"`
	Restocked  int64 `json:"restocked"`
	Consistent bool  `json:"consistent"`
}

const (
	refModuleRestock = "restock"
	refModuleProduct = "product"
	idempotencyScope = "restock"
)
