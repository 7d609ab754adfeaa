package ledger

import (
	"context"
	"time"
)

// Reader exposes committed, non-locking reads.
type Reader interface {
	GetOrder(ctx context.Context, id int64) (PurchaseOrder, error)
	GetDelivery(ctx context.Context, id int64) (Delivery, error)
	ListDeliveriesByOrder(ctx context.Context, orderID int64) ([]Delivery, error)
	GetProduct(ctx context.Context, id int64) (Product, error)
	ListProducts(ctx context.Context) ([]Product, error)
	ListReorderCandidates(ctx context.Context, limit, offset int) ([]Product, int, error)
	ListRestocks(ctx context.Context, productID int64) ([]RestockTransaction, error)
	ListMovements(ctx context.Context, productID int64, limit int) ([]StockMovement, error)
	SumMovements(ctx context.Context, productID int64) (int64, error)
	GetReturn(ctx context.Context, id int64) (ReturnEntry, error)
	ListReturnsByDelivery(ctx context.Context, deliveryID int64) ([]ReturnEntry, error)
}

// Store is the ledger entry point. Every mutation goes through WithTx; the
// callback's writes become visible together on commit or not at all.
type Store interface {
	Reader
	WithTx(ctx context.Context, fn func(context.Context, Tx) error) error
}

// Tx exposes locking reads and writes within one transaction. Callers lock
// rows in the order: purchase order, delivery, return, products ascending.
// Restocks, movements, returns and resolutions are insert-only.
type Tx interface {
	LockOrder(ctx context.Context, id int64) (PurchaseOrder, error)
	LockDelivery(ctx context.Context, id int64) (Delivery, error)
	LockReturn(ctx context.Context, id int64) (ReturnEntry, error)
	LockProducts(ctx context.Context, ids []int64) (map[int64]Product, error)
	ListDeliveriesByOrder(ctx context.Context, orderID int64) ([]Delivery, error)
	ListReturnsByDelivery(ctx context.Context, deliveryID int64) ([]ReturnEntry, error)

	InsertOrder(ctx context.Context, order PurchaseOrder) (PurchaseOrder, error)
	UpdateOrderStatus(ctx context.Context, id int64, status OrderStatus, at time.Time) error
	InsertOrderLine(ctx context.Context, line OrderLineItem) (OrderLineItem, error)
	UpdateOrderLine(ctx context.Context, line OrderLineItem) error

	InsertDelivery(ctx context.Context, delivery Delivery) (Delivery, error)
	UpdateDelivery(ctx context.Context, delivery Delivery) error
	UpdateDeliveryLine(ctx context.Context, line DeliveryLineItem) error

	InsertProduct(ctx context.Context, product Product) (Product, error)
	SetProductQuantity(ctx context.Context, id, quantity int64, at time.Time) error

	InsertRestock(ctx context.Context, restock RestockTransaction) (RestockTransaction, error)
	InsertMovement(ctx context.Context, movement StockMovement) (StockMovement, error)
	InsertReturn(ctx context.Context, entry ReturnEntry) (ReturnEntry, error)
	InsertResolution(ctx context.Context, resolution ReturnResolution) error
}
