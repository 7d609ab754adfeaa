package perf

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fulfillment/internal/app"
	"github.com/odyssey-erp/fulfillment/internal/fulfillment"
	"github.com/odyssey-erp/fulfillment/internal/inventory"
	"github.com/odyssey-erp/fulfillment/internal/ledger"
	"github.com/odyssey-erp/fulfillment/internal/platform/lock"
)

func newContainer(tb testing.TB) *app.Container {
	tb.Helper()
	return app.NewContainer(&app.Config{}, app.Backends{
		Store:  ledger.NewMemoryStore(5 * time.Second),
		Locker: lock.NewLocalLocker(5 * time.Second),
	}, nil, nil)
}

func seedOrder(tb testing.TB, c *app.Container, ordered int64) (int64, int64) {
	tb.Helper()
	ctx := context.Background()
	p, err := c.Inventory.CreateProduct(ctx, inventory.ProductInput{Name: "Steel Beam", OriginalPrice: decimal.NewFromInt(90), InitialQuantity: ordered})
	if err != nil {
		tb.Fatalf("create product: %v", err)
	}
	o, err := c.Fulfillment.CreateOrder(ctx, fulfillment.CreateOrderInput{
		CustomerName: "Bench",
		Lines:        []fulfillment.OrderLineInput{{ProductID: p.ID, Quantity: ordered, AgreedPrice: decimal.NewFromInt(120)}},
	})
	if err != nil {
		tb.Fatalf("create order: %v", err)
	}
	return p.ID, o.ID
}

func TestCreateDeliveryLatencyTarget(t *testing.T) {
	c := newContainer(t)
	productID, orderID := seedOrder(t, c, 400)
	samples := make([]time.Duration, 0, 200)
	for i := 0; i < 200; i++ {
		start := time.Now()
		_, err := c.Fulfillment.CreateDelivery(context.Background(), fulfillment.CreateDeliveryInput{
			OrderID:       orderID,
			DeliveryManID: 1,
			Items:         []fulfillment.DeliveryItem{{ProductID: productID, Quantity: 2}},
		})
		if err != nil {
			t.Fatalf("create delivery %d: %v", i, err)
		}
		samples = append(samples, time.Since(start))
	}
	if p95 := percentile95(samples); p95 > 250*time.Millisecond {
		t.Fatalf("create delivery latency regression: p95=%s", p95)
	}
}

func BenchmarkCreateDeliveryParallelOrders(b *testing.B) {
	c := newContainer(b)
	b.RunParallel(func(pb *testing.PB) {
		productID, orderID := seedOrder(b, c, 1<<40)
		for pb.Next() {
			if _, err := c.Fulfillment.CreateDelivery(context.Background(), fulfillment.CreateDeliveryInput{
				OrderID:       orderID,
				DeliveryManID: 1,
				Items:         []fulfillment.DeliveryItem{{ProductID: productID, Quantity: 1}},
			}); err != nil {
				b.Fatal(err)
			}
		}
	})
}

func BenchmarkBalances(b *testing.B) {
	order := ledger.PurchaseOrder{ID: 1}
	deliveries := make([]ledger.Delivery, 0, 200)
	for p := int64(1); p <= 20; p++ {
		order.Lines = append(order.Lines, ledger.OrderLineItem{ProductID: p, QuantityOrdered: 1000})
	}
	for i := 0; i < 200; i++ {
		d := ledger.Delivery{ID: int64(i + 1), OrderID: 1, Status: ledger.DeliveryStatusDelivered}
		for p := int64(1); p <= 20; p++ {
			d.Lines = append(d.Lines, ledger.DeliveryLineItem{ProductID: p, QuantityAssigned: 2, QuantityDelivered: 2, Intact: 2})
		}
		deliveries = append(deliveries, d)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = ledger.Balances(order, deliveries)
	}
}

func percentile95(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	index := int(float64(len(sorted)-1) * 0.95)
	if index < 0 {
		index = 0
	}
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}
