package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/fulfillment/internal/inventory"
	jobmetrics "github.com/odyssey-erp/fulfillment/internal/jobs"
	"github.com/odyssey-erp/fulfillment/internal/ledger"
	"github.com/odyssey-erp/fulfillment/internal/platform/lock"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedProducts(t *testing.T, store *ledger.MemoryStore, quantities ...int64) []ledger.Product {
	t.Helper()
	svc := inventory.NewService(store, lock.NewLocalLocker(time.Second), nil, nil, inventory.ServiceConfig{}, nil)
	out := make([]ledger.Product, 0, len(quantities))
	for _, q := range quantities {
		p, err := svc.CreateProduct(context.Background(), inventory.ProductInput{Name: "Cement", OriginalPrice: decimal.NewFromInt(5), InitialQuantity: q})
		require.NoError(t, err)
		out = append(out, p)
	}
	return out
}

func TestStockAuditReportsDrift(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore(time.Second)
	products := seedProducts(t, store, 10, 20, 30)
	stock := inventory.NewService(store, lock.NewLocalLocker(time.Second), nil, nil, inventory.ServiceConfig{}, nil)

	// Write around the inventory service so the journal no longer matches.
	require.NoError(t, store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		return tx.SetProductQuantity(ctx, products[1].ID, 25, time.Now())
	}))

	metrics := jobmetrics.NewMetrics(prometheus.NewRegistry())
	job := NewStockAuditJob(store, stock, quietLogger(), metrics)
	result, err := job.Run(ctx, StockAuditPayload{Concurrency: 2})
	require.NoError(t, err)
	require.Equal(t, 3, result.Checked)
	require.Len(t, result.Drifted, 1)
	require.Equal(t, products[1].ID, result.Drifted[0].ProductID)
	require.Equal(t, int64(25), result.Drifted[0].OnHand)
	require.Equal(t, int64(20), result.Drifted[0].JournalSum)

	only, err := job.Run(ctx, StockAuditPayload{ProductIDs: []int64{products[0].ID}})
	require.NoError(t, err)
	require.Equal(t, 1, only.Checked)
	require.Empty(t, only.Drifted)
}

func TestStockAuditHandleTask(t *testing.T) {
	store := ledger.NewMemoryStore(time.Second)
	seedProducts(t, store, 4)
	stock := inventory.NewService(store, lock.NewLocalLocker(time.Second), nil, nil, inventory.ServiceConfig{}, nil)
	job := NewStockAuditJob(store, stock, quietLogger(), jobmetrics.NewMetrics(prometheus.NewRegistry()))

	task, err := NewStockAuditTask(StockAuditPayload{})
	require.NoError(t, err)
	require.Equal(t, TaskStockAudit, task.Type())
	require.NoError(t, job.Handle(context.Background(), task))

	bad := asynq.NewTask(TaskStockAudit, []byte("{"))
	require.ErrorIs(t, job.Handle(context.Background(), bad), asynq.SkipRetry)

	_, err = job.Run(context.Background(), StockAuditPayload{ProductIDs: []int64{404}})
	require.Error(t, err)
}

type stubCleaner struct {
	retention time.Duration
	removed   int64
	err       error
}

func (s *stubCleaner) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	s.retention = olderThan
	return s.removed, s.err
}

func TestIdempotencyCleanup(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(registry)
	cleaner := &stubCleaner{removed: 12}
	job := NewIdempotencyCleanupJob(cleaner, quietLogger(), metrics)

	task, err := NewIdempotencyCleanupTask(0)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, defaultIdempotencyRetention, cleaner.retention)

	task, err = NewIdempotencyCleanupTask(time.Hour)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, time.Hour, cleaner.retention)

	families, err := registry.Gather()
	require.NoError(t, err)
	var purged float64
	for _, mf := range families {
		if mf.GetName() == "fulfillment_idempotency_purged_total" {
			purged = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	require.Equal(t, float64(24), purged)

	cleaner.err = errors.New("db down")
	require.Error(t, job.Handle(context.Background(), task))
}

type stubInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return s.info, s.err
}

func TestJobsHealthHandler(t *testing.T) {
	serve := func(inspector QueueInspector) *httptest.ResponseRecorder {
		r := chi.NewRouter()
		NewHandler(inspector, quietLogger()).MountRoutes(r)
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
		return rr
	}

	rr := serve(nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = serve(stubInspector{info: &asynq.QueueInfo{Queue: QueueDefault, Pending: 3, Retry: 1}})
	require.Equal(t, http.StatusOK, rr.Code)
	var body queueHealth
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	require.Equal(t, 3, body.Pending)
	require.Equal(t, 1, body.Retry)

	rr = serve(stubInspector{err: errors.New("redis down")})
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
