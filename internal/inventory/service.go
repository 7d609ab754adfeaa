package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/fulfillment/internal/ledger"
	"github.com/odyssey-erp/fulfillment/internal/platform/lock"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort deduplicates client retried restocks.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

// Service owns every change to quantity on hand.
type Service struct {
	store       ledger.Store
	locker      lock.Locker
	audit       AuditPort
	idempotency IdempotencyPort
	integration IntegrationHandler
	logger      *slog.Logger
	cardLimit   int
	now         func() time.Time
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	StockCardLimit int
	Logger         *slog.Logger
	Now            func() time.Time
}

// NewService builds Service.
func NewService(store ledger.Store, locker lock.Locker, audit AuditPort, idem IdempotencyPort, cfg ServiceConfig, integration IntegrationHandler) *Service {
	if locker == nil {
		locker = lock.Noop{}
	}
	if cfg.StockCardLimit <= 0 {
		cfg.StockCardLimit = 200
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		store:       store,
		locker:      locker,
		audit:       audit,
		idempotency: idem,
		integration: integration,
		logger:      cfg.Logger,
		cardLimit:   cfg.StockCardLimit,
		now:         cfg.Now,
	}
}

// Deduct removes stock inside the caller's transaction. It fails with
// shared.ErrInsufficientStock rather than leave quantity on hand negative.
func (s *Service) Deduct(ctx context.Context, tx ledger.Tx, mv Movement) (ledger.StockMovement, error) {
	return s.post(ctx, tx, mv, -mv.Quantity)
}

// Restore returns stock inside the caller's transaction.
func (s *Service) Restore(ctx context.Context, tx ledger.Tx, mv Movement) (ledger.StockMovement, error) {
	return s.post(ctx, tx, mv, mv.Quantity)
}

func (s *Service) post(ctx context.Context, tx ledger.Tx, mv Movement, delta int64) (ledger.StockMovement, error) {
	if mv.ProductID <= 0 {
		return ledger.StockMovement{}, shared.NewValidation("product_id", "required")
	}
	if mv.Quantity <= 0 {
		return ledger.StockMovement{}, shared.NewValidation("quantity", "must be greater than zero")
	}
	products, err := tx.LockProducts(ctx, []int64{mv.ProductID})
	if err != nil {
		return ledger.StockMovement{}, err
	}
	product := products[mv.ProductID]
	balance := product.QuantityOnHand + delta
	if balance < 0 {
		return ledger.StockMovement{}, &shared.StockError{ProductID: mv.ProductID, Requested: mv.Quantity, OnHand: product.QuantityOnHand}
	}
	now := s.now()
	if err := tx.SetProductQuantity(ctx, mv.ProductID, balance, now); err != nil {
		return ledger.StockMovement{}, err
	}
	batch := mv.BatchID
	if batch == uuid.Nil {
		batch = uuid.New()
	}
	return tx.InsertMovement(ctx, ledger.StockMovement{
		ProductID:    mv.ProductID,
		Kind:         mv.Kind,
		Quantity:     delta,
		BalanceAfter: balance,
		RefModule:    mv.RefModule,
		RefID:        mv.RefID,
		BatchID:      batch,
		ActorID:      mv.ActorID,
		CreatedAt:    now,
	})
}

func (s *Service) applyRestock(ctx context.Context, tx ledger.Tx, userID int64, item RestockItem, batch uuid.UUID) (ledger.RestockTransaction, error) {
	restock, err := tx.InsertRestock(ctx, ledger.RestockTransaction{
		ProductID: item.ProductID,
		UserID:    userID,
		Quantity:  item.Quantity,
		CreatedAt: s.now(),
	})
	if err != nil {
		return ledger.RestockTransaction{}, err
	}
	_, err = s.Restore(ctx, tx, Movement{
		ProductID: item.ProductID,
		Quantity:  item.Quantity,
		Kind:      ledger.MovementRestock,
		RefModule: refModuleRestock,
		RefID:     restock.ID,
		ActorID:   userID,
		BatchID:   batch,
	})
	if err != nil {
		return ledger.RestockTransaction{}, err
	}
	return restock, nil
}

func validateRestockItem(i int, item RestockItem) error {
	if item.ProductID <= 0 {
		return shared.NewValidation(fmt.Sprintf("items[%d].product_id", i), "required")
	}
	if item.Quantity <= 0 {
		return shared.NewValidation(fmt.Sprintf("items[%d].quantity", i), "must be greater than zero")
	}
	return nil
}

// Restock adds stock for one product and appends a restock transaction.
func (s *Service) Restock(ctx context.Context, input RestockInput) (ledger.RestockTransaction, error) {
	item := RestockItem{ProductID: input.ProductID, Quantity: input.Quantity}
	if err := validateRestockItem(0, item); err != nil {
		return ledger.RestockTransaction{}, err
	}
	insertedKey := false
	if input.IdempotencyKey != "" && s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, input.IdempotencyKey, idempotencyScope); err != nil {
			return ledger.RestockTransaction{}, err
		}
		insertedKey = true
	}
	results, err := s.restock(ctx, input.UserID, []RestockItem{item})
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(context.WithoutCancel(ctx), input.IdempotencyKey, idempotencyScope)
		}
		return ledger.RestockTransaction{}, err
	}
	return results[0], nil
}

// RestockBatch applies items sequentially in request order inside one
// transaction. Each item yields its own restock transaction, even when a
// product repeats.
func (s *Service) RestockBatch(ctx context.Context, userID int64, items []RestockItem) ([]ledger.RestockTransaction, error) {
	if len(items) == 0 {
		return nil, shared.NewValidation("items", "at least one item required")
	}
	for i, item := range items {
		if err := validateRestockItem(i, item); err != nil {
			return nil, err
		}
	}
	return s.restock(ctx, userID, items)
}

func (s *Service) restock(ctx context.Context, userID int64, items []RestockItem) ([]ledger.RestockTransaction, error) {
	keys := make([]string, 0, len(items))
	productIDs := make([]int64, 0, len(items))
	var total int64
	for _, item := range items {
		keys = append(keys, shared.ProductLockKey(item.ProductID))
		productIDs = append(productIDs, item.ProductID)
		total += item.Quantity
	}
	release, err := s.locker.Acquire(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("inventory: restock: %w", err)
	}
	defer release(context.WithoutCancel(ctx))

	batch := uuid.New()
	results := make([]ledger.RestockTransaction, 0, len(items))
	err = s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if _, err := tx.LockProducts(ctx, productIDs); err != nil {
			return err
		}
		for _, item := range items {
			restock, err := s.applyRestock(ctx, tx, userID, item, batch)
			if err != nil {
				return err
			}
			results = append(results, restock)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("inventory: restock: %w", err)
	}

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = strconv.FormatInt(r.ID, 10)
	}
	s.record(ctx, shared.AuditLog{
		ActorID:  userID,
		Action:   "inventory:restock",
		Entity:   "restock_transaction",
		EntityID: strings.Join(ids, ","),
		Meta: map[string]any{
			"batch_id": batch.String(),
			"items":    len(items),
			"quantity": total,
		},
	})
	s.notify(ctx, StockPostedEvent{ProductIDs: compactIDs(productIDs), Quantity: total, PostedAt: s.now()})
	return results, nil
}

// CreateProduct registers a product. A positive initial quantity is booked as
// a restock so the movement journal always explains quantity on hand.
func (s *Service) CreateProduct(ctx context.Context, input ProductInput) (ledger.Product, error) {
	if strings.TrimSpace(input.Name) == "" {
		return ledger.Product{}, shared.NewValidation("name", "required")
	}
	if input.OriginalPrice.IsNegative() {
		return ledger.Product{}, shared.NewValidation("original_price", "must be >= 0")
	}
	if input.ReorderLevel < 0 {
		return ledger.Product{}, shared.NewValidation("reorder_level", "must be >= 0")
	}
	if input.InitialQuantity < 0 {
		return ledger.Product{}, shared.NewValidation("initial_quantity", "must be >= 0")
	}
	var product ledger.Product
	err := s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		now := s.now()
		var err error
		product, err = tx.InsertProduct(ctx, ledger.Product{
			Name:          strings.TrimSpace(input.Name),
			CategoryID:    input.CategoryID,
			OriginalPrice: input.OriginalPrice,
			ReorderLevel:  input.ReorderLevel,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		if err != nil {
			return err
		}
		if input.InitialQuantity > 0 {
			if _, err := s.applyRestock(ctx, tx, input.ActorID, RestockItem{ProductID: product.ID, Quantity: input.InitialQuantity}, uuid.New()); err != nil {
				return err
			}
			product.QuantityOnHand = input.InitialQuantity
		}
		return nil
	})
	if err != nil {
		return ledger.Product{}, fmt.Errorf("inventory: create product: %w", err)
	}
	s.record(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "inventory:product_create",
		Entity:   refModuleProduct,
		EntityID: strconv.FormatInt(product.ID, 10),
		Meta:     map[string]any{"name": product.Name, "initial_quantity": input.InitialQuantity},
	})
	if product.BelowReorder() || input.InitialQuantity > 0 {
		s.notify(ctx, StockPostedEvent{ProductIDs: []int64{product.ID}, Quantity: input.InitialQuantity, PostedAt: s.now()})
	}
	return product, nil
}

// GetProduct loads a product.
func (s *Service) GetProduct(ctx context.Context, id int64) (ledger.Product, error) {
	return s.store.GetProduct(ctx, id)
}

// ReorderCandidates lists products whose stock fell below their reorder level.
func (s *Service) ReorderCandidates(ctx context.Context, page, perPage int) ([]ledger.Product, shared.Pagination, error) {
	p := shared.NewPagination(page, perPage, 0)
	products, total, err := s.store.ListReorderCandidates(ctx, p.PerPage, p.Offset())
	if err != nil {
		return nil, shared.Pagination{}, fmt.Errorf("inventory: reorder candidates: %w", err)
	}
	return products, shared.NewPagination(p.Page, p.PerPage, total), nil
}

// StockCard lists the newest movements of a product.
func (s *Service) StockCard(ctx context.Context, productID int64, limit int) ([]ledger.StockMovement, error) {
	if _, err := s.store.GetProduct(ctx, productID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > s.cardLimit {
		limit = s.cardLimit
	}
	return s.store.ListMovements(ctx, productID, limit)
}

// VerifyStock checks that quantity on hand equals the sum of its movements.
func (s *Service) VerifyStock(ctx context.Context, productID int64) (StockCheck, error) {
	product, err := s.store.GetProduct(ctx, productID)
	if err != nil {
		return StockCheck{}, err
	}
	sum, err := s.store.SumMovements(ctx, productID)
	if err != nil {
		return StockCheck{}, fmt.Errorf("inventory: verify stock: %w", err)
	}
	restocks, err := s.store.ListRestocks(ctx, productID)
	if err != nil {
		return StockCheck{}, fmt.Errorf("inventory: verify stock: %w", err)
	}
	var restocked int64
	for _, r := range restocks {
		restocked += r.Quantity
	}
	return StockCheck{
		ProductID:  productID,
		OnHand:     product.QuantityOnHand,
		JournalSum: sum,
		Restocked:  restocked,
		Consistent: sum == product.QuantityOnHand,
	}, nil
}

func (s *Service) record(ctx context.Context, entry shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Warn("inventory audit", slog.String("action", entry.Action), slog.Any("error", err))
	}
}

func (s *Service) notify(ctx context.Context, evt StockPostedEvent) {
	if s.integration == nil {
		return
	}
	if err := s.integration.HandleStockPosted(ctx, evt); err != nil {
		s.logger.Warn("inventory stock event", slog.Any("error", err))
	}
}

func compactIDs(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
