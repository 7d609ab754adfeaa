// Package query serves read-only aggregates over the ledger. Results are
// cached per order or per stock scope and invalidated by every command that
// touches them.
package query

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/fulfillment/internal/ledger"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// ReorderSource pages products below their reorder level.
type ReorderSource interface {
	ReorderCandidates(ctx context.Context, page, perPage int) ([]ledger.Product, shared.Pagination, error)
}

// Service builds read models.
type Service struct {
	store   ledger.Reader
	reorder ReorderSource
	cache   *Cache
	logger  *slog.Logger
	group   singleflight.Group
}

// NewService wires the ledger reader, reorder source and cache.
func NewService(store ledger.Reader, reorder ReorderSource, cache *Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cache == nil {
		cache = NewCache(nil, 0)
	}
	return &Service{store: store, reorder: reorder, cache: cache, logger: logger}
}

// RemainingBalance is the per-line fulfillment view of one order.
type RemainingBalance struct {
	OrderID      int64                `json:"order_id"`
	CustomerName string               `json:"customer_name"`
	Status       ledger.OrderStatus   `json:"status"`
	Lines        []ledger.LineBalance `json:"lines"`
	Summary      OrderSummary         `json:"summary"`
}

// Remaining maps product id to remaining quantity.
func (b RemainingBalance) Remaining() map[int64]int64 {
	out := make(map[int64]int64, len(b.Lines))
	for _, l := range b.Lines {
		out[l.ProductID] = l.Remaining
	}
	return out
}

// OrderSummary aggregates an order's deliveries and returns.
type OrderSummary struct {
	OrderID           int64                         `json:"order_id"`
	Status            ledger.OrderStatus            `json:"status"`
	Total             decimal.Decimal               `json:"total"`
	QuantityOrdered   int64                         `json:"quantity_ordered"`
	QuantityInFlight  int64                         `json:"quantity_in_flight"`
	QuantityDelivered int64                         `json:"quantity_delivered"`
	QuantityRemaining int64                         `json:"quantity_remaining"`
	Deliveries        map[ledger.DeliveryStatus]int `json:"deliveries"`
	PendingReturns    int                           `json:"pending_return_deliveries"`
	OpenReturnUnits   int64                         `json:"open_return_units"`
}

// ReorderItem is one product flagged for restocking.
type ReorderItem struct {
	ID             int64           `json:"id"`
	Name           string          `json:"name"`
	CategoryID     int64           `json:"category_id"`
	OriginalPrice  decimal.Decimal `json:"original_price"`
	QuantityOnHand int64           `json:"quantity_on_hand"`
	ReorderLevel   int64           `json:"reorder_level"`
	Shortfall      int64           `json:"shortfall"`
}

// ReorderPage is a page of reorder candidates.
type ReorderPage struct {
	Products   []ReorderItem     `json:"products"`
	Pagination shared.Pagination `json:"pagination"`
}

// RemainingBalance returns line balances plus the order summary.
func (s *Service) RemainingBalance(ctx context.Context, orderID int64) (RemainingBalance, error) {
	return fetch(ctx, s, orderScope(orderID), []string{"remaining", strconv.FormatInt(orderID, 10)}, func(ctx context.Context) (RemainingBalance, error) {
		order, deliveries, err := s.loadOrder(ctx, orderID)
		if err != nil {
			return RemainingBalance{}, err
		}
		summary, err := s.summarize(ctx, order, deliveries)
		if err != nil {
			return RemainingBalance{}, err
		}
		return RemainingBalance{
			OrderID:      order.ID,
			CustomerName: order.CustomerName,
			Status:       order.Status,
			Lines:        ledger.Balances(order, deliveries),
			Summary:      summary,
		}, nil
	})
}

// OrderSummary returns delivery and return counts for an order.
func (s *Service) OrderSummary(ctx context.Context, orderID int64) (OrderSummary, error) {
	return fetch(ctx, s, orderScope(orderID), []string{"summary", strconv.FormatInt(orderID, 10)}, func(ctx context.Context) (OrderSummary, error) {
		order, deliveries, err := s.loadOrder(ctx, orderID)
		if err != nil {
			return OrderSummary{}, err
		}
		return s.summarize(ctx, order, deliveries)
	})
}

// ReorderCandidates returns one page of products below reorder level.
func (s *Service) ReorderCandidates(ctx context.Context, page, perPage int) (ReorderPage, error) {
	p := shared.NewPagination(page, perPage, 0)
	parts := []string{"reorder", strconv.Itoa(p.Page), strconv.Itoa(p.PerPage)}
	return fetch(ctx, s, stockScope, parts, func(ctx context.Context) (ReorderPage, error) {
		products, pagination, err := s.reorder.ReorderCandidates(ctx, p.Page, p.PerPage)
		if err != nil {
			return ReorderPage{}, err
		}
		out := ReorderPage{Products: make([]ReorderItem, len(products)), Pagination: pagination}
		for i, product := range products {
			out.Products[i] = ReorderItem{
				ID:             product.ID,
				Name:           product.Name,
				CategoryID:     product.CategoryID,
				OriginalPrice:  product.OriginalPrice,
				QuantityOnHand: product.QuantityOnHand,
				ReorderLevel:   product.ReorderLevel,
				Shortfall:      product.ReorderLevel - product.QuantityOnHand,
			}
		}
		return out, nil
	})
}

func (s *Service) loadOrder(ctx context.Context, orderID int64) (ledger.PurchaseOrder, []ledger.Delivery, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return ledger.PurchaseOrder{}, nil, err
	}
	deliveries, err := s.store.ListDeliveriesByOrder(ctx, orderID)
	if err != nil {
		return ledger.PurchaseOrder{}, nil, err
	}
	return order, deliveries, nil
}

func (s *Service) summarize(ctx context.Context, order ledger.PurchaseOrder, deliveries []ledger.Delivery) (OrderSummary, error) {
	summary := OrderSummary{
		OrderID:    order.ID,
		Status:     order.Status,
		Total:      order.Total(),
		Deliveries: make(map[ledger.DeliveryStatus]int),
	}
	for _, b := range ledger.Balances(order, deliveries) {
		summary.QuantityOrdered += b.Ordered - b.Removed
		summary.QuantityInFlight += b.InFlight
		summary.QuantityDelivered += b.Delivered
		summary.QuantityRemaining += b.Remaining
	}
	for _, d := range deliveries {
		if d.Status.Hidden() {
			continue
		}
		summary.Deliveries[d.Status]++
		if d.ReturnStatus != ledger.ReturnStatusPending {
			continue
		}
		summary.PendingReturns++
		entries, err := s.store.ListReturnsByDelivery(ctx, d.ID)
		if err != nil {
			return OrderSummary{}, err
		}
		for _, e := range entries {
			if e.IsOpen() {
				summary.OpenReturnUnits += e.Quantity
			}
		}
	}
	return summary, nil
}

// fetch collapses concurrent identical reads and serves them through the
// versioned cache. The flight key carries the scope version, so a read that
// starts after a bump never joins a load begun before it. A cache outage
// degrades to a direct ledger read.
func fetch[T any](ctx context.Context, s *Service, scope string, parts []string, load func(context.Context) (T, error)) (T, error) {
	var zero T
	key, err := s.cache.BuildKey(ctx, scope, parts...)
	if err != nil {
		s.logger.Warn("query cache version", slog.String("scope", scope), slog.Any("error", err))
		return load(ctx)
	}
	ch := s.group.DoChan(key, func() (any, error) {
		ctx := context.WithoutCancel(ctx)
		var (
			out     T
			loadErr error
		)
		err := s.cache.FetchJSON(ctx, key, &out, func(ctx context.Context) (any, error) {
			v, err := load(ctx)
			loadErr = err
			return v, err
		})
		if err == nil {
			return out, nil
		}
		if loadErr != nil {
			return zero, loadErr
		}
		s.logger.Warn("query cache fetch", slog.String("key", key), slog.Any("error", err))
		return load(ctx)
	})
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}
