package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fulfillment/internal/app"
	"github.com/odyssey-erp/fulfillment/internal/fulfillment"
	"github.com/odyssey-erp/fulfillment/internal/inventory"
	"github.com/odyssey-erp/fulfillment/internal/ledger"
)

type seedProduct struct {
	name     string
	price    string
	quantity int64
	reorder  int64
}

var catalogue = []seedProduct{
	{name: "Portland Cement 40kg", price: "6.20", quantity: 800, reorder: 150},
	{name: "Rebar 12mm x 6m", price: "9.75", quantity: 1200, reorder: 200},
	{name: "Hollow Block 6in", price: "0.45", quantity: 5000, reorder: 1000},
	{name: "Roof Sheet GA26", price: "11.30", quantity: 90, reorder: 120},
}

func main() {
	ctx := context.Background()
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	backends, closeBackends, err := app.OpenBackends(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("open backends: %v", err)
	}
	defer closeBackends()

	if pool, err := backends.RequirePool(); err == nil {
		fmt.Println("→ Applying schema...")
		if err := ledger.Migrate(ctx, pool); err != nil {
			log.Fatalf("migrate: %v", err)
		}
	}

	c := app.NewContainer(cfg, backends, logger, nil)

	fmt.Println("→ Seeding products...")
	products := make([]ledger.Product, 0, len(catalogue))
	for _, item := range catalogue {
		p, err := c.Inventory.CreateProduct(ctx, inventory.ProductInput{
			Name:            item.name,
			OriginalPrice:   decimal.RequireFromString(item.price),
			InitialQuantity: item.quantity,
			ReorderLevel:    item.reorder,
			ActorID:         1,
		})
		if err != nil {
			log.Fatalf("seed product %s: %v", item.name, err)
		}
		products = append(products, p)
	}

	fmt.Println("→ Seeding purchase orders...")
	order, err := c.Fulfillment.CreateOrder(ctx, fulfillment.CreateOrderInput{
		CustomerName: "Riverside Builders",
		Address:      "14 Quay Road",
		SaleType:     ledger.SaleTypeDelivery,
		ActorID:      1,
		Lines: []fulfillment.OrderLineInput{
			{ProductID: products[0].ID, Quantity: 200, AgreedPrice: decimal.RequireFromString("7.10")},
			{ProductID: products[1].ID, Quantity: 150, AgreedPrice: decimal.RequireFromString("11.00")},
		},
	})
	if err != nil {
		log.Fatalf("seed order: %v", err)
	}

	fmt.Println("→ Seeding first delivery...")
	if _, err := c.Fulfillment.CreateDelivery(ctx, fulfillment.CreateDeliveryInput{
		OrderID:       order.ID,
		DeliveryManID: 2,
		ActorID:       1,
		Notes:         "first truck",
		Items: []fulfillment.DeliveryItem{
			{ProductID: products[0].ID, Quantity: 80},
			{ProductID: products[1].ID, Quantity: 50},
		},
	}); err != nil {
		log.Fatalf("seed delivery: %v", err)
	}

	fmt.Printf("✓ Seeded %d products and order %d\n", len(products), order.ID)
}
