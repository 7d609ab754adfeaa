package inventory

import "context"

// IntegrationHandler receives inventory events after commit.
type IntegrationHandler interface {
	HandleStockPosted(ctx context.Context, evt StockPostedEvent) error
}
