// Package fulfillment is the authoritative engine for purchase orders and
// their deliveries. Every command validates against the ledger inside the
// same transaction that applies it.
package fulfillment

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/odyssey-erp/fulfillment/internal/inventory"
	"github.com/odyssey-erp/fulfillment/internal/ledger"
	"github.com/odyssey-erp/fulfillment/internal/platform/lock"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// StockPort moves stock inside a ledger transaction.
type StockPort interface {
	Deduct(ctx context.Context, tx ledger.Tx, mv inventory.Movement) (ledger.StockMovement, error)
	Restore(ctx context.Context, tx ledger.Tx, mv inventory.Movement) (ledger.StockMovement, error)
}

// ReturnsPort opens returns for damaged lines inside a ledger transaction.
type ReturnsPort interface {
	OpenReturns(ctx context.Context, tx ledger.Tx, d ledger.Delivery) ([]ledger.ReturnEntry, error)
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

// CommandObserver receives the outcome of every command.
type CommandObserver interface {
	ObserveCommand(command string, duration time.Duration, err error)
}

// ServiceConfig groups optional collaborators.
type ServiceConfig struct {
	Audit    AuditPort
	Cache    Invalidator
	Observer CommandObserver
	Logger   *slog.Logger
	Now      func() time.Time
}

// Service orchestrates order and delivery commands.
type Service struct {
	store    ledger.Store
	stock    StockPort
	returns  ReturnsPort
	locker   lock.Locker
	audit    AuditPort
	cache    Invalidator
	observer CommandObserver
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs the fulfillment engine.
func NewService(store ledger.Store, stock StockPort, returns ReturnsPort, locker lock.Locker, cfg ServiceConfig) *Service {
	if locker == nil {
		locker = lock.Noop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		store:    store,
		stock:    stock,
		returns:  returns,
		locker:   locker,
		audit:    cfg.Audit,
		cache:    cfg.Cache,
		observer: cfg.Observer,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
}

// CreateOrder registers a purchase order in Pending state.
func (s *Service) CreateOrder(ctx context.Context, input CreateOrderInput) (order ledger.PurchaseOrder, err error) {
	defer s.observe("create_order", time.Now(), &err)

	if input.CustomerName == "" {
		return ledger.PurchaseOrder{}, shared.NewValidation("customer_name", "required")
	}
	if input.SaleType == "" {
		input.SaleType = ledger.SaleTypeDelivery
	}
	if !input.SaleType.IsValid() {
		return ledger.PurchaseOrder{}, shared.NewValidation("sale_type", "must be Delivery or WalkIn")
	}
	if len(input.Lines) == 0 {
		return ledger.PurchaseOrder{}, shared.NewValidation("lines", "at least one line item required")
	}
	seen := make(map[int64]struct{}, len(input.Lines))
	lines := make([]ledger.OrderLineItem, 0, len(input.Lines))
	for i, line := range input.Lines {
		if err := validateOrderLine(i, line); err != nil {
			return ledger.PurchaseOrder{}, err
		}
		if _, dup := seen[line.ProductID]; dup {
			return ledger.PurchaseOrder{}, shared.NewValidation(fmt.Sprintf("lines[%d].product_id", i), "duplicate product")
		}
		seen[line.ProductID] = struct{}{}
		if _, err := s.store.GetProduct(ctx, line.ProductID); err != nil {
			return ledger.PurchaseOrder{}, err
		}
		lines = append(lines, ledger.OrderLineItem{
			ProductID:       line.ProductID,
			AgreedPrice:     line.AgreedPrice,
			QuantityOrdered: line.Quantity,
			LineOrder:       i + 1,
		})
	}

	now := s.now()
	err = s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		order, err = tx.InsertOrder(ctx, ledger.PurchaseOrder{
			CustomerName: input.CustomerName,
			Address:      input.Address,
			SaleType:     input.SaleType,
			Status:       ledger.OrderStatusPending,
			CreatedBy:    input.ActorID,
			CreatedAt:    now,
			UpdatedAt:    now,
			Lines:        lines,
		})
		return err
	})
	if err != nil {
		return ledger.PurchaseOrder{}, fmt.Errorf("fulfillment: create order: %w", err)
	}
	s.record(ctx, input.ActorID, "order:create", auditEntityOrder, order.ID, map[string]any{
		"lines": len(order.Lines),
		"total": order.Total().String(),
	})
	return order, nil
}

// GetOrder returns an order with its line items.
func (s *Service) GetOrder(ctx context.Context, id int64) (ledger.PurchaseOrder, error) {
	return s.store.GetOrder(ctx, id)
}

// GetDelivery returns a delivery with its line items.
func (s *Service) GetDelivery(ctx context.Context, id int64) (ledger.Delivery, error) {
	return s.store.GetDelivery(ctx, id)
}

// ListDeliveries returns the visible deliveries of an order. Cancelled
// deliveries are omitted.
func (s *Service) ListDeliveries(ctx context.Context, orderID int64) ([]ledger.Delivery, error) {
	if _, err := s.store.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	deliveries, err := s.store.ListDeliveriesByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(deliveries, func(d ledger.Delivery) bool { return d.Status.Hidden() }), nil
}

// ComputeRemaining returns the quantity still assignable per product.
func (s *Service) ComputeRemaining(ctx context.Context, orderID int64) (map[int64]int64, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	deliveries, err := s.store.ListDeliveriesByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return ledger.RemainingByProduct(order, deliveries), nil
}

// CreateDelivery reserves quantities against the order and removes the stock
// from the warehouse. Nothing is written unless every line passes.
func (s *Service) CreateDelivery(ctx context.Context, input CreateDeliveryInput) (delivery ledger.Delivery, err error) {
	defer s.observe("create_delivery", time.Now(), &err)

	if input.OrderID <= 0 {
		return ledger.Delivery{}, shared.NewValidation("order_id", "required")
	}
	if input.DeliveryManID <= 0 {
		return ledger.Delivery{}, shared.NewValidation("delivery_man_id", "required")
	}
	if len(input.Items) == 0 {
		return ledger.Delivery{}, shared.NewValidation("line_items", "at least one line item required")
	}
	requested := make(map[int64]int64, len(input.Items))
	nonPositive := make(map[int64]int64)
	for i, item := range input.Items {
		if item.ProductID <= 0 {
			return ledger.Delivery{}, shared.NewValidation(fmt.Sprintf("line_items[%d].product_id", i), "required")
		}
		if item.Quantity <= 0 {
			nonPositive[item.ProductID] = item.Quantity
		}
		requested[item.ProductID] += item.Quantity
	}
	productIDs := sortedKeys(requested)

	release, err := s.locker.Acquire(ctx, lockKeys(input.OrderID, productIDs)...)
	if err != nil {
		return ledger.Delivery{}, fmt.Errorf("fulfillment: create delivery: %w", err)
	}
	defer release(context.WithoutCancel(ctx))

	err = s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		order, err := tx.LockOrder(ctx, input.OrderID)
		if err != nil {
			return err
		}
		if !order.Status.IsOpen() {
			return &shared.StateError{Err: shared.ErrInvalidTransition, Entity: "order", ID: order.ID, Status: string(order.Status)}
		}
		existing, err := tx.ListDeliveriesByOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		remaining := ledger.RemainingByProduct(order, existing)
		for _, pid := range productIDs {
			qty := requested[pid]
			if bad, ok := nonPositive[pid]; ok {
				qty = bad
			}
			if allowed := remaining[pid]; qty <= 0 || qty > allowed {
				return &shared.RemainingQuantityError{ProductID: pid, Requested: qty, Max: allowed}
			}
		}
		if _, err := tx.LockProducts(ctx, productIDs); err != nil {
			return err
		}

		now := s.now()
		lines := make([]ledger.DeliveryLineItem, 0, len(productIDs))
		for _, pid := range productIDs {
			lines = append(lines, ledger.DeliveryLineItem{ProductID: pid, QuantityAssigned: requested[pid]})
		}
		delivery, err = tx.InsertDelivery(ctx, ledger.Delivery{
			OrderID:       order.ID,
			DeliveryManID: input.DeliveryManID,
			Status:        ledger.DeliveryStatusOnDelivery,
			ReturnStatus:  ledger.ReturnStatusNone,
			Notes:         input.Notes,
			CreatedAt:     now,
			UpdatedAt:     now,
			Lines:         lines,
		})
		if err != nil {
			return err
		}
		for _, line := range delivery.Lines {
			_, err := s.stock.Deduct(ctx, tx, inventory.Movement{
				ProductID: line.ProductID,
				Quantity:  line.QuantityAssigned,
				Kind:      ledger.MovementDispatch,
				RefModule: refModuleDelivery,
				RefID:     delivery.ID,
				ActorID:   input.ActorID,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ledger.Delivery{}, fmt.Errorf("fulfillment: create delivery for order %d: %w", input.OrderID, err)
	}

	s.record(ctx, input.ActorID, "delivery:create", auditEntityDeliv, delivery.ID, map[string]any{
		"order_id":        delivery.OrderID,
		"delivery_man_id": delivery.DeliveryManID,
		"lines":           len(delivery.Lines),
	})
	s.invalidate(ctx, delivery.OrderID, true)
	return delivery, nil
}

// SubmitFieldReport stages the agent's counts for review. It does not touch
// stock or returns.
func (s *Service) SubmitFieldReport(ctx context.Context, input FieldReportInput) (delivery ledger.Delivery, err error) {
	defer s.observe("submit_field_report", time.Now(), &err)

	if len(input.Lines) == 0 {
		return ledger.Delivery{}, shared.NewValidation("line_items", "at least one line item required")
	}
	reports := make(map[int64]ReportLine, len(input.Lines))
	for i, line := range input.Lines {
		if line.QuantityDelivered < 0 || line.Damages < 0 || line.Intact < 0 {
			return ledger.Delivery{}, shared.NewValidation(fmt.Sprintf("line_items[%d]", i), "quantities must not be negative")
		}
		if _, dup := reports[line.ProductID]; dup {
			return ledger.Delivery{}, shared.NewValidation(fmt.Sprintf("line_items[%d].product_id", i), "duplicate product")
		}
		reports[line.ProductID] = line
	}

	err = s.withDelivery(ctx, input.DeliveryID, nil, func(ctx context.Context, tx ledger.Tx, _ ledger.PurchaseOrder, d ledger.Delivery) error {
		if !d.Status.CanReport() {
			return deliveryStateError(shared.ErrInvalidTransition, d)
		}
		if len(reports) != len(d.Lines) {
			for pid := range reports {
				if d.Assigned(pid) == 0 {
					return shared.NewValidation("line_items", fmt.Sprintf("product %d is not on delivery %d", pid, d.ID))
				}
			}
		}
		now := s.now()
		for i, line := range d.Lines {
			r, ok := reports[line.ProductID]
			if !ok {
				return shared.NewValidation("line_items", fmt.Sprintf("missing report for product %d", line.ProductID))
			}
			if r.Intact+r.Damages != line.QuantityAssigned || r.QuantityDelivered > line.QuantityAssigned {
				return &shared.QuantityMismatchError{
					ProductID: line.ProductID,
					Assigned:  line.QuantityAssigned,
					Intact:    r.Intact,
					Damaged:   r.Damages,
					Delivered: r.QuantityDelivered,
				}
			}
			line.QuantityDelivered = r.QuantityDelivered
			line.Damages = r.Damages
			line.Intact = r.Intact
			if err := tx.UpdateDeliveryLine(ctx, line); err != nil {
				return err
			}
			d.Lines[i] = line
		}
		d.Status = ledger.DeliveryStatusPendingReport
		if input.Notes != "" {
			d.Notes = input.Notes
		}
		d.FieldReportImages = slices.Clone(input.Images)
		d.UpdatedAt = now
		if err := tx.UpdateDelivery(ctx, d); err != nil {
			return err
		}
		delivery = d
		return nil
	})
	if err != nil {
		return ledger.Delivery{}, fmt.Errorf("fulfillment: field report for delivery %d: %w", input.DeliveryID, err)
	}
	s.record(ctx, input.ActorID, "delivery:field-report", auditEntityDeliv, delivery.ID, map[string]any{
		"order_id": delivery.OrderID,
		"images":   len(delivery.FieldReportImages),
	})
	s.invalidate(ctx, delivery.OrderID, false)
	return delivery, nil
}

// AcceptDelivery finalises a reported delivery. Damaged units open returns
// and the assigned quantity is consumed from the order for good.
func (s *Service) AcceptDelivery(ctx context.Context, deliveryID, actorID int64) (delivery ledger.Delivery, err error) {
	defer s.observe("accept_delivery", time.Now(), &err)

	var opened int
	err = s.withDelivery(ctx, deliveryID, nil, func(ctx context.Context, tx ledger.Tx, order ledger.PurchaseOrder, d ledger.Delivery) error {
		if !d.Status.CanAccept() {
			return deliveryStateError(shared.ErrInvalidTransition, d)
		}
		entries, err := s.returns.OpenReturns(ctx, tx, d)
		if err != nil {
			return err
		}
		opened = len(entries)
		if opened > 0 {
			d.ReturnStatus = ledger.ReturnStatusPending
		}
		d.Status = ledger.DeliveryStatusDelivered
		d.UpdatedAt = s.now()
		if err := tx.UpdateDelivery(ctx, d); err != nil {
			return err
		}
		if _, err := ledger.SyncOrderStatus(ctx, tx, order, d.UpdatedAt); err != nil {
			return err
		}
		delivery = d
		return nil
	})
	if err != nil {
		return ledger.Delivery{}, fmt.Errorf("fulfillment: accept delivery %d: %w", deliveryID, err)
	}
	s.record(ctx, actorID, "delivery:accept", auditEntityDeliv, delivery.ID, map[string]any{
		"order_id":      delivery.OrderID,
		"returns":       opened,
		"return_status": string(delivery.ReturnStatus),
	})
	s.invalidate(ctx, delivery.OrderID, false)
	return delivery, nil
}

// CancelDelivery reverses a dispatch that has not been reported on yet and
// hides the delivery.
func (s *Service) CancelDelivery(ctx context.Context, deliveryID, actorID int64) (err error) {
	defer s.observe("cancel_delivery", time.Now(), &err)

	var orderID int64
	err = s.withDelivery(ctx, deliveryID, deliveryProducts, func(ctx context.Context, tx ledger.Tx, _ ledger.PurchaseOrder, d ledger.Delivery) error {
		if d.Status != ledger.DeliveryStatusOnDelivery || d.ReturnStatus != ledger.ReturnStatusNone {
			return deliveryStateError(shared.ErrCancellationNotAllowed, d)
		}
		if err := s.lockLines(ctx, tx, d); err != nil {
			return err
		}
		for _, line := range d.Lines {
			_, err := s.stock.Restore(ctx, tx, inventory.Movement{
				ProductID: line.ProductID,
				Quantity:  line.QuantityAssigned,
				Kind:      ledger.MovementDispatchReversal,
				RefModule: refModuleDelivery,
				RefID:     d.ID,
				ActorID:   actorID,
			})
			if err != nil {
				return err
			}
		}
		d.Status = ledger.DeliveryStatusCancelled
		d.UpdatedAt = s.now()
		orderID = d.OrderID
		return tx.UpdateDelivery(ctx, d)
	})
	if err != nil {
		return fmt.Errorf("fulfillment: cancel delivery %d: %w", deliveryID, err)
	}
	s.record(ctx, actorID, "delivery:cancel", auditEntityDeliv, deliveryID, map[string]any{"order_id": orderID})
	s.invalidate(ctx, orderID, true)
	return nil
}

// FailDelivery abandons an in-flight delivery. Units the agent brought back
// intact go back on hand (every assigned unit when no report exists) and
// reported damages open returns. The quantity becomes assignable again.
func (s *Service) FailDelivery(ctx context.Context, input FailDeliveryInput) (delivery ledger.Delivery, err error) {
	defer s.observe("fail_delivery", time.Now(), &err)

	if input.Reason == "" {
		return ledger.Delivery{}, shared.NewValidation("reason", "required")
	}
	err = s.withDelivery(ctx, input.DeliveryID, deliveryProducts, func(ctx context.Context, tx ledger.Tx, order ledger.PurchaseOrder, d ledger.Delivery) error {
		if !d.Status.CanFail() {
			return deliveryStateError(shared.ErrInvalidTransition, d)
		}
		if err := s.lockLines(ctx, tx, d); err != nil {
			return err
		}
		reported := d.Status == ledger.DeliveryStatusPendingReport
		for _, line := range d.Lines {
			qty := line.QuantityAssigned
			if reported {
				qty = line.Intact
			}
			if qty == 0 {
				continue
			}
			_, err := s.stock.Restore(ctx, tx, inventory.Movement{
				ProductID: line.ProductID,
				Quantity:  qty,
				Kind:      ledger.MovementFailedReturn,
				RefModule: refModuleDelivery,
				RefID:     d.ID,
				ActorID:   input.ActorID,
			})
			if err != nil {
				return err
			}
		}
		if reported {
			entries, err := s.returns.OpenReturns(ctx, tx, d)
			if err != nil {
				return err
			}
			if len(entries) > 0 {
				d.ReturnStatus = ledger.ReturnStatusPending
			}
		}
		d.Status = ledger.DeliveryStatusFailed
		d.FailureReason = input.Reason
		d.UpdatedAt = s.now()
		if err := tx.UpdateDelivery(ctx, d); err != nil {
			return err
		}
		if _, err := ledger.SyncOrderStatus(ctx, tx, order, d.UpdatedAt); err != nil {
			return err
		}
		delivery = d
		return nil
	})
	if err != nil {
		return ledger.Delivery{}, fmt.Errorf("fulfillment: fail delivery %d: %w", input.DeliveryID, err)
	}
	s.record(ctx, input.ActorID, "delivery:fail", auditEntityDeliv, delivery.ID, map[string]any{
		"order_id": delivery.OrderID,
		"reason":   input.Reason,
	})
	s.invalidate(ctx, delivery.OrderID, true)
	return delivery, nil
}

// EditOrder adds new products, changes quantities of untouched lines and soft
// deletes removed products. Lines already assigned to a live delivery are
// locked. Editing a Success order moves it back to Pending until the new
// lines are delivered.
func (s *Service) EditOrder(ctx context.Context, input EditOrderInput) (order ledger.PurchaseOrder, err error) {
	defer s.observe("edit_order", time.Now(), &err)

	if len(input.Lines) == 0 && len(input.RemovedProductIDs) == 0 {
		return ledger.PurchaseOrder{}, shared.NewValidation("line_items", "nothing to change")
	}
	changes := make(map[int64]OrderLineInput, len(input.Lines))
	for i, line := range input.Lines {
		if err := validateOrderLine(i, line); err != nil {
			return ledger.PurchaseOrder{}, err
		}
		if _, dup := changes[line.ProductID]; dup {
			return ledger.PurchaseOrder{}, shared.NewValidation(fmt.Sprintf("new_line_items[%d].product_id", i), "duplicate product")
		}
		if _, err := s.store.GetProduct(ctx, line.ProductID); err != nil {
			return ledger.PurchaseOrder{}, err
		}
		changes[line.ProductID] = line
	}
	removed := make(map[int64]struct{}, len(input.RemovedProductIDs))
	for _, pid := range input.RemovedProductIDs {
		if _, clash := changes[pid]; clash {
			return ledger.PurchaseOrder{}, shared.NewValidation("removed_product_ids", fmt.Sprintf("product %d is also in new_line_items", pid))
		}
		removed[pid] = struct{}{}
	}

	release, err := s.locker.Acquire(ctx, shared.OrderLockKey(input.OrderID))
	if err != nil {
		return ledger.PurchaseOrder{}, fmt.Errorf("fulfillment: edit order: %w", err)
	}
	defer release(context.WithoutCancel(ctx))

	err = s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		current, err := tx.LockOrder(ctx, input.OrderID)
		if err != nil {
			return err
		}
		if !current.Status.IsEditable() {
			return &shared.StateError{Err: shared.ErrInvalidTransition, Entity: "order", ID: current.ID, Status: string(current.Status)}
		}
		deliveries, err := tx.ListDeliveriesByOrder(ctx, current.ID)
		if err != nil {
			return err
		}
		editable := make(map[int64]bool, len(current.Lines))
		for _, b := range ledger.Balances(current, deliveries) {
			editable[b.ProductID] = b.Editable
		}

		for _, pid := range sortedKeys(removed) {
			line, ok := current.Line(pid)
			if !ok {
				return shared.NewValidation("removed_product_ids", fmt.Sprintf("product %d is not on order %d", pid, current.ID))
			}
			if line.QuantityRemoved == line.QuantityOrdered {
				continue
			}
			if !editable[pid] {
				return &shared.LineItemLockedError{OrderID: current.ID, ProductID: pid}
			}
			line.QuantityRemoved = line.QuantityOrdered
			if err := tx.UpdateOrderLine(ctx, line); err != nil {
				return err
			}
		}

		next := len(current.Lines)
		for _, pid := range sortedKeys(changes) {
			change := changes[pid]
			line, ok := current.Line(pid)
			if !ok {
				next++
				if _, err := tx.InsertOrderLine(ctx, ledger.OrderLineItem{
					OrderID:         current.ID,
					ProductID:       pid,
					AgreedPrice:     change.AgreedPrice,
					QuantityOrdered: change.Quantity,
					LineOrder:       next,
				}); err != nil {
					return err
				}
				continue
			}
			unchanged := line.QuantityRemoved == 0 && line.QuantityOrdered == change.Quantity && line.AgreedPrice.Equal(change.AgreedPrice)
			if unchanged {
				continue
			}
			if !editable[pid] {
				return &shared.LineItemLockedError{OrderID: current.ID, ProductID: pid}
			}
			line.QuantityOrdered = change.Quantity
			line.QuantityRemoved = 0
			line.AgreedPrice = change.AgreedPrice
			if err := tx.UpdateOrderLine(ctx, line); err != nil {
				return err
			}
		}

		if current.Status == ledger.OrderStatusSuccess {
			if err := tx.UpdateOrderStatus(ctx, current.ID, ledger.OrderStatusPending, s.now()); err != nil {
				return err
			}
		}
		updated, err := tx.LockOrder(ctx, current.ID)
		if err != nil {
			return err
		}
		status, err := ledger.SyncOrderStatus(ctx, tx, updated, s.now())
		if err != nil {
			return err
		}
		updated.Status = status
		order = updated
		return nil
	})
	if err != nil {
		return ledger.PurchaseOrder{}, fmt.Errorf("fulfillment: edit order %d: %w", input.OrderID, err)
	}
	s.record(ctx, input.ActorID, "order:edit", auditEntityOrder, order.ID, map[string]any{
		"changed": len(changes),
		"removed": input.RemovedProductIDs,
	})
	s.invalidate(ctx, order.ID, false)
	return order, nil
}

// CancelOrder fails a pending order with nothing in flight.
func (s *Service) CancelOrder(ctx context.Context, orderID, actorID int64) (order ledger.PurchaseOrder, err error) {
	defer s.observe("cancel_order", time.Now(), &err)

	release, err := s.locker.Acquire(ctx, shared.OrderLockKey(orderID))
	if err != nil {
		return ledger.PurchaseOrder{}, fmt.Errorf("fulfillment: cancel order: %w", err)
	}
	defer release(context.WithoutCancel(ctx))

	err = s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		current, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !current.Status.IsOpen() {
			return &shared.StateError{Err: shared.ErrCancellationNotAllowed, Entity: "order", ID: current.ID, Status: string(current.Status)}
		}
		deliveries, err := tx.ListDeliveriesByOrder(ctx, current.ID)
		if err != nil {
			return err
		}
		for _, d := range deliveries {
			if d.Status.InFlight() {
				return deliveryStateError(shared.ErrCancellationNotAllowed, d)
			}
		}
		now := s.now()
		if err := tx.UpdateOrderStatus(ctx, current.ID, ledger.OrderStatusFailed, now); err != nil {
			return err
		}
		current.Status = ledger.OrderStatusFailed
		current.UpdatedAt = now
		order = current
		return nil
	})
	if err != nil {
		return ledger.PurchaseOrder{}, fmt.Errorf("fulfillment: cancel order %d: %w", orderID, err)
	}
	s.record(ctx, actorID, "order:cancel", auditEntityOrder, order.ID, nil)
	s.invalidate(ctx, order.ID, false)
	return order, nil
}

// withDelivery resolves the owning order, takes the order lock (plus any
// product keys returned by extraKeys) and runs fn with the order and
// delivery rows locked in that order.
func (s *Service) withDelivery(ctx context.Context, deliveryID int64, extraKeys func(ledger.Delivery) []string, fn func(context.Context, ledger.Tx, ledger.PurchaseOrder, ledger.Delivery) error) error {
	if deliveryID <= 0 {
		return shared.NewValidation("delivery_id", "required")
	}
	snapshot, err := s.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return err
	}
	keys := []string{shared.OrderLockKey(snapshot.OrderID)}
	if extraKeys != nil {
		keys = append(keys, extraKeys(snapshot)...)
	}
	release, err := s.locker.Acquire(ctx, keys...)
	if err != nil {
		return err
	}
	defer release(context.WithoutCancel(ctx))

	return s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		order, err := tx.LockOrder(ctx, snapshot.OrderID)
		if err != nil {
			return err
		}
		d, err := tx.LockDelivery(ctx, deliveryID)
		if err != nil {
			return err
		}
		return fn(ctx, tx, order, d)
	})
}

func (s *Service) lockLines(ctx context.Context, tx ledger.Tx, d ledger.Delivery) error {
	ids := make([]int64, 0, len(d.Lines))
	for _, line := range d.Lines {
		ids = append(ids, line.ProductID)
	}
	_, err := tx.LockProducts(ctx, ids)
	return err
}

func deliveryProducts(d ledger.Delivery) []string {
	keys := make([]string, 0, len(d.Lines))
	for _, line := range d.Lines {
		keys = append(keys, shared.ProductLockKey(line.ProductID))
	}
	return keys
}

func deliveryStateError(kind error, d ledger.Delivery) error {
	return &shared.StateError{
		Err:          kind,
		Entity:       "delivery",
		ID:           d.ID,
		Status:       string(d.Status),
		ReturnStatus: string(d.ReturnStatus),
	}
}

func validateOrderLine(i int, line OrderLineInput) error {
	if line.ProductID <= 0 {
		return shared.NewValidation(fmt.Sprintf("lines[%d].product_id", i), "required")
	}
	if line.Quantity <= 0 {
		return shared.NewValidation(fmt.Sprintf("lines[%d].quantity", i), "must be greater than zero")
	}
	if line.AgreedPrice.IsNegative() {
		return shared.NewValidation(fmt.Sprintf("lines[%d].agreed_price", i), "must not be negative")
	}
	return nil
}

func lockKeys(orderID int64, productIDs []int64) []string {
	keys := make([]string, 0, len(productIDs)+1)
	keys = append(keys, shared.OrderLockKey(orderID))
	for _, pid := range productIDs {
		keys = append(keys, shared.ProductLockKey(pid))
	}
	return keys
}

func sortedKeys[V any](m map[int64]V) []int64 {
	out := make([]int64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func (s *Service) observe(command string, started time.Time, err *error) {
	if s.observer == nil {
		return
	}
	s.observer.ObserveCommand(command, time.Since(started), *err)
}

func (s *Service) record(ctx context.Context, actorID int64, action, entity string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   entity,
		EntityID: strconv.FormatInt(id, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("fulfillment audit", slog.String("action", action), slog.Any("error", err))
	}
}

func (s *Service) invalidate(ctx context.Context, orderID int64, stockChanged bool) {
	if s.cache == nil {
		return
	}
	if err := s.cache.BumpOrder(ctx, orderID); err != nil {
		s.logger.Warn("fulfillment cache bump", slog.Int64("order_id", orderID), slog.Any("error", err))
	}
	if stockChanged {
		if err := s.cache.BumpStock(ctx); err != nil {
			s.logger.Warn("fulfillment stock cache bump", slog.Any("error", err))
		}
	}
}
