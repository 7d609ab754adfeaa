package returns

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/fulfillment/internal/inventory"
	"github.com/odyssey-erp/fulfillment/internal/ledger"
	"github.com/odyssey-erp/fulfillment/internal/platform/lock"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

type countingCache struct {
	mu     sync.Mutex
	orders int
	stock  int
}

func (c *countingCache) BumpOrder(context.Context, int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders++
	return nil
}

func (c *countingCache) BumpStock(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stock++
	return nil
}

type env struct {
	svc   *Service
	store *ledger.MemoryStore
	cache *countingCache
}

func newEnv(t *testing.T) env {
	t.Helper()
	store := ledger.NewMemoryStore(2 * time.Second)
	locker := lock.NewLocalLocker(2 * time.Second)
	stock := inventory.NewService(store, locker, nil, nil, inventory.ServiceConfig{}, nil)
	cache := &countingCache{}
	return env{svc: NewService(store, stock, locker, Config{Cache: cache}), store: store, cache: cache}
}

// seedDelivered books a delivered delivery whose lines carry the given damages
// and opens returns for them the way acceptance does.
func (e env) seedDelivered(t *testing.T, damages ...int64) (ledger.Delivery, []ledger.ReturnEntry) {
	t.Helper()
	ctx := context.Background()
	var (
		delivery ledger.Delivery
		opened   []ledger.ReturnEntry
	)
	err := e.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		order := ledger.PurchaseOrder{CustomerName: "Depot", Status: ledger.OrderStatusPending}
		var dlines []ledger.DeliveryLineItem
		for _, dmg := range damages {
			p, err := tx.InsertProduct(ctx, ledger.Product{Name: "Tile"})
			if err != nil {
				return err
			}
			order.Lines = append(order.Lines, ledger.OrderLineItem{ProductID: p.ID, QuantityOrdered: 10})
			dlines = append(dlines, ledger.DeliveryLineItem{ProductID: p.ID, QuantityAssigned: 10, QuantityDelivered: 10, Damages: dmg, Intact: 10 - dmg})
		}
		order, err := tx.InsertOrder(ctx, order)
		if err != nil {
			return err
		}
		delivery, err = tx.InsertDelivery(ctx, ledger.Delivery{
			OrderID:      order.ID,
			Status:       ledger.DeliveryStatusDelivered,
			ReturnStatus: ledger.ReturnStatusNone,
			Lines:        dlines,
		})
		if err != nil {
			return err
		}
		opened, err = e.svc.OpenReturns(ctx, tx, delivery)
		if err != nil {
			return err
		}
		if len(opened) > 0 {
			delivery.ReturnStatus = ledger.ReturnStatusPending
		}
		return tx.UpdateDelivery(ctx, delivery)
	})
	require.NoError(t, err)
	return delivery, opened
}

func (e env) onHand(t *testing.T, productID int64) int64 {
	t.Helper()
	p, err := e.store.GetProduct(context.Background(), productID)
	require.NoError(t, err)
	return p.QuantityOnHand
}

func TestOpenReturnsSkipsIntactLines(t *testing.T) {
	e := newEnv(t)
	d, opened := e.seedDelivered(t, 0, 3, 0, 1)
	require.Len(t, opened, 2)
	require.Equal(t, int64(3), opened[0].Quantity)
	require.Equal(t, d.Lines[1].ID, opened[0].DeliveryLineID)
	require.Equal(t, int64(1), opened[1].Quantity)

	none, _ := e.seedDelivered(t, 0)
	entries, err := e.svc.List(context.Background(), none.ID)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestResolveFlipsDeliveryOnceAllResolved(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	d, opened := e.seedDelivered(t, 4, 2)

	res, err := e.svc.Resolve(ctx, ResolveInput{ReturnID: opened[0].ID, Resolution: ledger.ResolutionRestocked, ActorID: 7, Note: "repacked"})
	require.NoError(t, err)
	require.Equal(t, ledger.ReturnStatusPending, res.ReturnStatus)
	require.Equal(t, int64(4), e.onHand(t, opened[0].ProductID))

	res, err = e.svc.Resolve(ctx, ResolveInput{ReturnID: opened[1].ID, Resolution: ledger.ResolutionWrittenOff, ActorID: 7})
	require.NoError(t, err)
	require.Equal(t, ledger.ReturnStatusRefunded, res.ReturnStatus)
	require.Equal(t, int64(0), e.onHand(t, opened[1].ProductID))

	stored, err := e.store.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.ReturnStatusRefunded, stored.ReturnStatus)
	require.Equal(t, ledger.DeliveryStatusDelivered, stored.Status)

	entries, err := e.svc.List(ctx, d.ID)
	require.NoError(t, err)
	for _, entry := range entries {
		require.False(t, entry.IsOpen())
	}
	require.Equal(t, "repacked", entries[0].Resolution.Note)
	require.Equal(t, 2, e.cache.orders)
	require.Equal(t, 1, e.cache.stock)
}

func TestResolveIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, opened := e.seedDelivered(t, 5)

	first, err := e.svc.Resolve(ctx, ResolveInput{ReturnID: opened[0].ID, Resolution: ledger.ResolutionRestocked})
	require.NoError(t, err)
	require.False(t, first.AlreadyResolved)

	second, err := e.svc.Resolve(ctx, ResolveInput{ReturnID: opened[0].ID, Resolution: ledger.ResolutionRefunded})
	require.NoError(t, err)
	require.True(t, second.AlreadyResolved)
	require.Equal(t, ledger.ResolutionRestocked, second.Return.Resolution.Resolution)
	require.Equal(t, int64(5), e.onHand(t, opened[0].ProductID))
}

func TestConcurrentResolveRestocksOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, opened := e.seedDelivered(t, 6)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.svc.Resolve(ctx, ResolveInput{ReturnID: opened[0].ID, Resolution: ledger.ResolutionRestocked})
		}()
	}
	wg.Wait()
	require.Equal(t, int64(6), e.onHand(t, opened[0].ProductID))
}

func TestResolveRejectsBadInput(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, opened := e.seedDelivered(t, 1)

	_, err := e.svc.Resolve(ctx, ResolveInput{ReturnID: opened[0].ID, Resolution: "Lost"})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = e.svc.Resolve(ctx, ResolveInput{ReturnID: 999, Resolution: ledger.ResolutionRefunded})
	require.ErrorIs(t, err, shared.ErrNotFound)

	_, err = e.svc.List(ctx, 999)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestHandlerResolve(t *testing.T) {
	e := newEnv(t)
	d, opened := e.seedDelivered(t, 2)
	r := chi.NewRouter()
	NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), e.svc).MountRoutes(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	post := func(body string) (*http.Response, map[string]any) {
		resp, err := http.Post(fmt.Sprintf("%s/returns/%d/resolve", srv.URL, opened[0].ID), "application/json", bytes.NewBufferString(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		out := map[string]any{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return resp, out
	}

	resp, _ := post(`{"resolution":"Lost"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := post(`{"resolution":"Refunded","note":"credited"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Refunded", body["return_status"])
	require.Equal(t, false, body["already_resolved"])

	resp, body = post(`{"resolution":"Restocked"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["already_resolved"])

	listResp, err := http.Get(fmt.Sprintf("%s/deliveries/%d/returns", srv.URL, d.ID))
	require.NoError(t, err)
	defer listResp.Body.Close()
	require.Equal(t, http.StatusOK, listResp.StatusCode)
	var list struct {
		Returns []returnResponse `json:"returns"`
	}
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&list))
	require.Len(t, list.Returns, 1)
	require.Equal(t, "Refunded", list.Returns[0].Resolution.Resolution)
}
