package inventory

import "time"

// StockPostedEvent is emitted after a committed restock changes stock levels.
type StockPostedEvent struct {
	ProductIDs []int64
	Quantity   int64
	PostedAt   time.Time
}
