package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/fulfillment/internal/inventory"
	jobmetrics "github.com/odyssey-erp/fulfillment/internal/jobs"
	"github.com/odyssey-erp/fulfillment/internal/ledger"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

const defaultAuditConcurrency = 4

// ProductLister enumerates every product in the ledger.
type ProductLister interface {
	ListProducts(ctx context.Context) ([]ledger.Product, error)
}

// StockVerifier checks one product against its movement journal.
type StockVerifier interface {
	VerifyStock(ctx context.Context, productID int64) (inventory.StockCheck, error)
}

// StockAuditJob walks products and reports those whose on-hand quantity
// drifted from the sum of their stock movements. It never writes.
type StockAuditJob struct {
	Products ProductLister
	Verifier StockVerifier
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	clock    func() time.Time
}

// StockAuditResult summarises one audit run.
type StockAuditResult struct {
	Checked int
	Drifted []inventory.StockCheck
}

// NewStockAuditJob wires dependencies for the audit handler.
func NewStockAuditJob(products ProductLister, verifier StockVerifier, logger *slog.Logger, metrics *jobmetrics.Metrics) *StockAuditJob {
	return &StockAuditJob{
		Products: products,
		Verifier: verifier,
		Logger:   logger,
		Metrics:  metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes stock audit tasks.
func (j *StockAuditJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("stock audit: handler not configured")
	}
	var payload StockAuditPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	_, err := j.Run(ctx, payload)
	return err
}

// Run audits the requested products and records drift metrics.
func (j *StockAuditJob) Run(ctx context.Context, payload StockAuditPayload) (StockAuditResult, error) {
	start := j.now()
	tracker := j.metrics().Track(TaskStockAudit)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	logger.Info("starting stock audit", slog.Int("requested", len(payload.ProductIDs)))

	ids, err := j.productIDs(ctx, payload.ProductIDs)
	if err != nil {
		resultErr = err
		logger.Error("load products", slog.Any("error", err))
		return StockAuditResult{}, resultErr
	}

	limit := payload.Concurrency
	if limit <= 0 {
		limit = defaultAuditConcurrency
	}
	var (
		mu      sync.Mutex
		drifted []inventory.StockCheck
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, id := range ids {
		g.Go(func() error {
			check, err := j.Verifier.VerifyStock(gctx, id)
			if err != nil {
				return err
			}
			if check.Consistent {
				return nil
			}
			logger.Warn("stock drift detected",
				slog.Int64("product_id", check.ProductID),
				slog.Int64("on_hand", check.OnHand),
				slog.Int64("journal_sum", check.JournalSum),
			)
			mu.Lock()
			drifted = append(drifted, check)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		resultErr = err
		logger.Error("stock audit failed", slog.Any("error", err))
		return StockAuditResult{}, resultErr
	}
	j.metrics().AddDrift(len(drifted))

	logger.Info("completed stock audit",
		slog.Int("products", len(ids)),
		slog.Int("drifted", len(drifted)),
		slog.Duration("duration", time.Since(start)),
	)
	return StockAuditResult{Checked: len(ids), Drifted: drifted}, resultErr
}

func (j *StockAuditJob) productIDs(ctx context.Context, requested []int64) ([]int64, error) {
	if len(requested) > 0 {
		return requested, nil
	}
	if j.Products == nil {
		return nil, errors.New("stock audit: product lister not configured")
	}
	products, err := j.Products.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(products))
	for i, p := range products {
		ids[i] = p.ID
	}
	return ids, nil
}

func (j *StockAuditJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskStockAudit))
	}
	return slog.Default().With(slog.String("job", TaskStockAudit))
}

func (j *StockAuditJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *StockAuditJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
