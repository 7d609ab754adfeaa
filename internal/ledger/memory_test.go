package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

func seedProduct(t *testing.T, store *MemoryStore, onHand int64) Product {
	t.Helper()
	var p Product
	err := store.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		var err error
		p, err = tx.InsertProduct(ctx, Product{Name: "Widget", OriginalPrice: decimal.NewFromInt(10), QuantityOnHand: onHand, ReorderLevel: 5})
		return err
	})
	require.NoError(t, err)
	return p
}

func TestMemoryStoreRollsBackOnError(t *testing.T) {
	store := NewMemoryStore(time.Second)
	p := seedProduct(t, store, 10)

	boom := errors.New("boom")
	err := store.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.SetProductQuantity(ctx, p.ID, 3, time.Now()))
		_, err := tx.InsertMovement(ctx, StockMovement{ProductID: p.ID, Kind: MovementDispatch, Quantity: -7})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := store.GetProduct(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, int64(10), got.QuantityOnHand)
	sum, err := store.SumMovements(context.Background(), p.ID)
	require.NoError(t, err)
	require.Zero(t, sum)
}

func TestMemoryStoreReadsAreIsolatedFromOpenTx(t *testing.T) {
	store := NewMemoryStore(time.Second)
	p := seedProduct(t, store, 10)

	err := store.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.SetProductQuantity(ctx, p.ID, 1, time.Now()))
		committed, err := store.GetProduct(ctx, p.ID)
		require.NoError(t, err)
		require.Equal(t, int64(10), committed.QuantityOnHand)
		return nil
	})
	require.NoError(t, err)

	got, _ := store.GetProduct(context.Background(), p.ID)
	require.Equal(t, int64(1), got.QuantityOnHand)
}

func TestMemoryStoreBusyWhenWriterHeld(t *testing.T) {
	store := NewMemoryStore(20 * time.Millisecond)
	entered := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = store.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
			close(entered)
			<-done
			return nil
		})
	}()
	<-entered
	err := store.WithTx(context.Background(), func(ctx context.Context, tx Tx) error { return nil })
	close(done)
	require.ErrorIs(t, err, shared.ErrBusy)
}

func TestMemoryStoreNegativeQuantityRejected(t *testing.T) {
	store := NewMemoryStore(time.Second)
	p := seedProduct(t, store, 2)
	err := store.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.SetProductQuantity(ctx, p.ID, -1, time.Now())
	})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
}

func TestMemoryStoreResolutionIsWriteOnce(t *testing.T) {
	store := NewMemoryStore(time.Second)
	p := seedProduct(t, store, 0)
	var entry ReturnEntry
	err := store.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		order, err := tx.InsertOrder(ctx, PurchaseOrder{CustomerName: "c", SaleType: SaleTypeDelivery, Status: OrderStatusPending,
			Lines: []OrderLineItem{{ProductID: p.ID, QuantityOrdered: 5}}})
		if err != nil {
			return err
		}
		d, err := tx.InsertDelivery(ctx, Delivery{OrderID: order.ID, Status: DeliveryStatusDelivered, ReturnStatus: ReturnStatusPending,
			Lines: []DeliveryLineItem{{ProductID: p.ID, QuantityAssigned: 5}}})
		if err != nil {
			return err
		}
		entry, err = tx.InsertReturn(ctx, ReturnEntry{DeliveryID: d.ID, DeliveryLineID: d.Lines[0].ID, ProductID: p.ID, Quantity: 2})
		if err != nil {
			return err
		}
		return tx.InsertResolution(ctx, ReturnResolution{ReturnID: entry.ID, Resolution: ResolutionWrittenOff})
	})
	require.NoError(t, err)

	got, err := store.GetReturn(context.Background(), entry.ID)
	require.NoError(t, err)
	require.False(t, got.IsOpen())
	require.Equal(t, ResolutionWrittenOff, got.Resolution.Resolution)

	err = store.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.InsertResolution(ctx, ReturnResolution{ReturnID: entry.ID, Resolution: ResolutionRestocked})
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestMemoryStoreNotFound(t *testing.T) {
	store := NewMemoryStore(time.Second)
	_, err := store.GetOrder(context.Background(), 99)
	require.ErrorIs(t, err, shared.ErrNotFound)
	err = store.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		_, err := tx.LockProducts(ctx, []int64{3, 1})
		return err
	})
	var nf *shared.NotFoundError
	require.ErrorAs(t, err, &nf)
	require.Equal(t, int64(1), nf.ID)
}

func TestMemoryStoreReorderCandidatesPaging(t *testing.T) {
	store := NewMemoryStore(time.Second)
	for i := 0; i < 5; i++ {
		seedProduct(t, store, int64(i*2))
	}
	page, total, err := store.ListReorderCandidates(context.Background(), 2, 0)
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Len(t, page, 2)
	page, _, err = store.ListReorderCandidates(context.Background(), 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	page, _, err = store.ListReorderCandidates(context.Background(), 2, 10)
	require.NoError(t, err)
	require.Empty(t, page)
}
