// Package returns reconciles damaged and returned units exactly once.
package returns

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/odyssey-erp/fulfillment/internal/inventory"
	"github.com/odyssey-erp/fulfillment/internal/ledger"
	"github.com/odyssey-erp/fulfillment/internal/platform/lock"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// StockPort restores stock inside a ledger transaction.
type StockPort interface {
	Restore(ctx context.Context, tx ledger.Tx, mv inventory.Movement) (ledger.StockMovement, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Invalidator drops cached read models after commit.
type Invalidator interface {
	BumpOrder(ctx context.Context, orderID int64) error
	BumpStock(ctx context.Context) error
}

// Service is the return/damage reconciler.
type Service struct {
	store  ledger.Store
	stock  StockPort
	locker lock.Locker
	audit  AuditPort
	cache  Invalidator
	logger *slog.Logger
	now    func() time.Time
}

// Config carries optional dependencies.
type Config struct {
	Audit  AuditPort
	Cache  Invalidator
	Logger *slog.Logger
	Now    func() time.Time
}

// NewService builds the reconciler.
func NewService(store ledger.Store, stock StockPort, locker lock.Locker, cfg Config) *Service {
	if locker == nil {
		locker = lock.Noop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{store: store, stock: stock, locker: locker, audit: cfg.Audit, cache: cfg.Cache, logger: cfg.Logger, now: cfg.Now}
}

// OpenReturns records one open return per damaged line of d. It runs inside
// the caller's transaction and leaves delivery status to the caller.
func (s *Service) OpenReturns(ctx context.Context, tx ledger.Tx, d ledger.Delivery) ([]ledger.ReturnEntry, error) {
	var opened []ledger.ReturnEntry
	now := s.now()
	for _, line := range d.Lines {
		if line.Damages <= 0 {
			continue
		}
		entry, err := tx.InsertReturn(ctx, ledger.ReturnEntry{
			DeliveryID:     d.ID,
			DeliveryLineID: line.ID,
			ProductID:      line.ProductID,
			Quantity:       line.Damages,
			OpenedAt:       now,
		})
		if err != nil {
			return nil, fmt.Errorf("returns: open: %w", err)
		}
		opened = append(opened, entry)
	}
	return opened, nil
}

// ResolveInput describes a resolution request.
type ResolveInput struct {
	ReturnID   int64
	Resolution ledger.Resolution
	ActorID    int64
	Note       string
}

// ResolveResult reports the return after resolution.
type ResolveResult struct {
	Return          ledger.ReturnEntry
	ReturnStatus    ledger.ReturnStatus
	OrderStatus     ledger.OrderStatus
	AlreadyResolved bool
}

// Resolve closes an open return. Restocked puts the units back on hand;
// WrittenOff and Refunded leave stock untouched. Resolving a closed return
// succeeds without effect and reports the existing resolution.
func (s *Service) Resolve(ctx context.Context, input ResolveInput) (ResolveResult, error) {
	if !input.Resolution.IsValid() {
		return ResolveResult{}, shared.NewValidation("resolution", "must be Restocked, WrittenOff or Refunded")
	}
	entry, err := s.store.GetReturn(ctx, input.ReturnID)
	if err != nil {
		return ResolveResult{}, err
	}
	delivery, err := s.store.GetDelivery(ctx, entry.DeliveryID)
	if err != nil {
		return ResolveResult{}, err
	}

	release, err := s.locker.Acquire(ctx, shared.OrderLockKey(delivery.OrderID), shared.ProductLockKey(entry.ProductID))
	if err != nil {
		return ResolveResult{}, fmt.Errorf("returns: resolve: %w", err)
	}
	defer release(context.WithoutCancel(ctx))

	var result ResolveResult
	err = s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		order, err := tx.LockOrder(ctx, delivery.OrderID)
		if err != nil {
			return err
		}
		d, err := tx.LockDelivery(ctx, delivery.ID)
		if err != nil {
			return err
		}
		ret, err := tx.LockReturn(ctx, input.ReturnID)
		if err != nil {
			return err
		}
		result = ResolveResult{Return: ret, ReturnStatus: d.ReturnStatus, OrderStatus: order.Status}
		if !ret.IsOpen() {
			result.AlreadyResolved = true
			return nil
		}

		now := s.now()
		res := ledger.ReturnResolution{
			ReturnID:   ret.ID,
			Resolution: input.Resolution,
			ResolvedBy: input.ActorID,
			ResolvedAt: now,
			Note:       input.Note,
		}
		if err := tx.InsertResolution(ctx, res); err != nil {
			return err
		}
		if input.Resolution == ledger.ResolutionRestocked {
			_, err := s.stock.Restore(ctx, tx, inventory.Movement{
				ProductID: ret.ProductID,
				Quantity:  ret.Quantity,
				Kind:      ledger.MovementReturnRestock,
				RefModule: "return",
				RefID:     ret.ID,
				ActorID:   input.ActorID,
			})
			if err != nil {
				return err
			}
		}
		ret.Resolution = &res
		result.Return = ret

		entries, err := tx.ListReturnsByDelivery(ctx, d.ID)
		if err != nil {
			return err
		}
		allResolved := true
		for _, e := range entries {
			if e.IsOpen() {
				allResolved = false
				break
			}
		}
		if allResolved && d.ReturnStatus != ledger.ReturnStatusRefunded {
			d.ReturnStatus = ledger.ReturnStatusRefunded
			d.UpdatedAt = now
			if err := tx.UpdateDelivery(ctx, d); err != nil {
				return err
			}
		}
		result.ReturnStatus = d.ReturnStatus

		status, err := ledger.SyncOrderStatus(ctx, tx, order, now)
		if err != nil {
			return err
		}
		result.OrderStatus = status
		return nil
	})
	if err != nil {
		return ResolveResult{}, fmt.Errorf("returns: resolve %d: %w", input.ReturnID, err)
	}
	if result.AlreadyResolved {
		return result, nil
	}

	s.record(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "returns:resolve",
		Entity:   "delivery_return",
		EntityID: strconv.FormatInt(input.ReturnID, 10),
		Meta: map[string]any{
			"delivery_id":   delivery.ID,
			"order_id":      delivery.OrderID,
			"resolution":    string(input.Resolution),
			"quantity":      result.Return.Quantity,
			"return_status": string(result.ReturnStatus),
		},
	})
	s.invalidate(ctx, delivery.OrderID, input.Resolution == ledger.ResolutionRestocked)
	return result, nil
}

// List returns every return recorded against a delivery.
func (s *Service) List(ctx context.Context, deliveryID int64) ([]ledger.ReturnEntry, error) {
	if _, err := s.store.GetDelivery(ctx, deliveryID); err != nil {
		return nil, err
	}
	return s.store.ListReturnsByDelivery(ctx, deliveryID)
}

func (s *Service) record(ctx context.Context, entry shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Warn("returns audit", slog.Any("error", err))
	}
}

func (s *Service) invalidate(ctx context.Context, orderID int64, stockChanged bool) {
	if s.cache == nil {
		return
	}
	if err := s.cache.BumpOrder(ctx, orderID); err != nil {
		s.logger.Warn("returns cache bump", slog.Int64("order_id", orderID), slog.Any("error", err))
	}
	if stockChanged {
		if err := s.cache.BumpStock(ctx); err != nil {
			s.logger.Warn("returns stock cache bump", slog.Any("error", err))
		}
	}
}
