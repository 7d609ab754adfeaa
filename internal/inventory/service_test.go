package inventory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/fulfillment/internal/ledger"
	"github.com/odyssey-erp/fulfillment/internal/platform/lock"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (m *memoryIdempotency) CheckAndInsert(_ context.Context, key, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = make(map[string]bool)
	}
	if m.keys[module+key] {
		return shared.ErrIdempotencyConflict
	}
	m.keys[module+key] = true
	return nil
}

func (m *memoryIdempotency) Delete(_ context.Context, key, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, module+key)
	return nil
}

type recordingIntegration struct {
	mu     sync.Mutex
	events []StockPostedEvent
}

func (r *recordingIntegration) HandleStockPosted(_ context.Context, evt StockPostedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func newTestService(t *testing.T) (*Service, *ledger.MemoryStore, *recordingIntegration) {
	t.Helper()
	store := ledger.NewMemoryStore(time.Second)
	integration := &recordingIntegration{}
	svc := NewService(store, lock.NewLocalLocker(time.Second), nil, &memoryIdempotency{}, ServiceConfig{}, integration)
	return svc, store, integration
}

func createProduct(t *testing.T, svc *Service, initial, reorder int64) ledger.Product {
	t.Helper()
	p, err := svc.CreateProduct(context.Background(), ProductInput{Name: "Cement", OriginalPrice: decimal.RequireFromString("12.50"), InitialQuantity: initial, ReorderLevel: reorder})
	require.NoError(t, err)
	return p
}

func TestRestockAppendsTransaction(t *testing.T) {
	svc, store, integration := newTestService(t)
	ctx := context.Background()
	p := createProduct(t, svc, 0, 0)

	rt, err := svc.Restock(ctx, RestockInput{ProductID: p.ID, UserID: 9, Quantity: 15})
	require.NoError(t, err)
	require.Equal(t, int64(15), rt.Quantity)
	require.Equal(t, int64(9), rt.UserID)

	got, err := store.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, int64(15), got.QuantityOnHand)

	card, err := svc.StockCard(ctx, p.ID, 10)
	require.NoError(t, err)
	require.Len(t, card, 1)
	require.Equal(t, ledger.MovementRestock, card[0].Kind)
	require.Equal(t, int64(15), card[0].BalanceAfter)
	require.Len(t, integration.events, 1)

	_, err = svc.Restock(ctx, RestockInput{ProductID: p.ID, Quantity: 0})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = svc.Restock(ctx, RestockInput{ProductID: 999, Quantity: 1})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestConcurrentRestocksBothApply(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	p := createProduct(t, svc, 0, 0)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, qty := range []int64{7, 11} {
		wg.Add(1)
		go func(i int, qty int64) {
			defer wg.Done()
			_, errs[i] = svc.Restock(ctx, RestockInput{ProductID: p.ID, UserID: 1, Quantity: qty})
		}(i, qty)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	got, _ := store.GetProduct(ctx, p.ID)
	require.Equal(t, int64(18), got.QuantityOnHand)
	restocks, err := store.ListRestocks(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, restocks, 2)
}

func TestDeductGuardsNegativeStock(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	p := createProduct(t, svc, 5, 0)

	err := store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		_, err := svc.Deduct(ctx, tx, Movement{ProductID: p.ID, Quantity: 6, Kind: ledger.MovementDispatch})
		return err
	})
	var stockErr *shared.StockError
	require.ErrorAs(t, err, &stockErr)
	require.Equal(t, int64(5), stockErr.OnHand)
	require.Equal(t, int64(6), stockErr.Requested)

	got, _ := store.GetProduct(ctx, p.ID)
	require.Equal(t, int64(5), got.QuantityOnHand)
}

func TestDeductRestoreRoundTrip(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	p := createProduct(t, svc, 40, 0)

	err := store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		mv, err := svc.Deduct(ctx, tx, Movement{ProductID: p.ID, Quantity: 25, Kind: ledger.MovementDispatch})
		require.NoError(t, err)
		require.Equal(t, int64(-25), mv.Quantity)
		require.Equal(t, int64(15), mv.BalanceAfter)
		_, err = svc.Restore(ctx, tx, Movement{ProductID: p.ID, Quantity: 25, Kind: ledger.MovementDispatchReversal})
		return err
	})
	require.NoError(t, err)

	check, err := svc.VerifyStock(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, check.Consistent)
	require.Equal(t, int64(40), check.OnHand)
	require.Equal(t, int64(40), check.Restocked)
}

func TestRestockBatchKeepsEveryItem(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	a := createProduct(t, svc, 0, 0)
	b := createProduct(t, svc, 0, 0)

	results, err := svc.RestockBatch(ctx, 3, []RestockItem{
		{ProductID: b.ID, Quantity: 2},
		{ProductID: a.ID, Quantity: 4},
		{ProductID: b.ID, Quantity: 3},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, b.ID, results[0].ProductID)
	require.Equal(t, a.ID, results[1].ProductID)
	require.Less(t, results[0].ID, results[2].ID)

	gotB, _ := store.GetProduct(ctx, b.ID)
	require.Equal(t, int64(5), gotB.QuantityOnHand)
	restocks, _ := store.ListRestocks(ctx, b.ID)
	require.Len(t, restocks, 2)

	_, err = svc.RestockBatch(ctx, 3, []RestockItem{{ProductID: a.ID, Quantity: 1}, {ProductID: 999, Quantity: 1}})
	require.ErrorIs(t, err, shared.ErrNotFound)
	gotA, _ := store.GetProduct(ctx, a.ID)
	require.Equal(t, int64(4), gotA.QuantityOnHand)

	_, err = svc.RestockBatch(ctx, 3, []RestockItem{{ProductID: a.ID, Quantity: -1}})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestRestockIdempotencyKey(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	p := createProduct(t, svc, 0, 0)

	_, err := svc.Restock(ctx, RestockInput{ProductID: p.ID, Quantity: 5, IdempotencyKey: "k-1"})
	require.NoError(t, err)
	_, err = svc.Restock(ctx, RestockInput{ProductID: p.ID, Quantity: 5, IdempotencyKey: "k-1"})
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)

	got, _ := store.GetProduct(ctx, p.ID)
	require.Equal(t, int64(5), got.QuantityOnHand)

	_, err = svc.Restock(ctx, RestockInput{ProductID: 999, Quantity: 5, IdempotencyKey: "k-2"})
	require.Error(t, err)
	_, err = svc.Restock(ctx, RestockInput{ProductID: p.ID, Quantity: 5, IdempotencyKey: "k-2"})
	require.NoError(t, err)
}

func TestReorderCandidates(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	low := createProduct(t, svc, 2, 10)
	createProduct(t, svc, 50, 10)
	lower := createProduct(t, svc, 0, 1)

	products, page, err := svc.ReorderCandidates(ctx, 1, 1)
	require.NoError(t, err)
	require.Equal(t, 2, page.Total)
	require.Equal(t, 2, page.TotalPages)
	require.Len(t, products, 1)
	require.Equal(t, low.ID, products[0].ID)

	products, _, err = svc.ReorderCandidates(ctx, 2, 1)
	require.NoError(t, err)
	require.Equal(t, lower.ID, products[0].ID)
}

func TestCreateProductValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.CreateProduct(context.Background(), ProductInput{Name: " "})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = svc.CreateProduct(context.Background(), ProductInput{Name: "x", OriginalPrice: decimal.NewFromInt(-1)})
	require.ErrorIs(t, err, shared.ErrValidation)
}
