package ledger

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// MemoryStore is an in-process Store used for local runs and tests. Writers
// are serialized; each transaction works on a private copy that replaces the
// committed state only when the callback succeeds.
type MemoryStore struct {
	mu     sync.RWMutex
	state  *memState
	writer chan struct{}
	wait   time.Duration
}

type memState struct {
	orders      map[int64]PurchaseOrder
	deliveries  map[int64]Delivery
	products    map[int64]Product
	returns     map[int64]ReturnEntry
	resolutions map[int64]ReturnResolution
	restocks    []RestockTransaction
	movements   []StockMovement
	seq         map[string]int64
}

// NewMemoryStore constructs an empty MemoryStore. wait bounds how long a
// transaction waits for the writer slot before failing with shared.ErrBusy.
func NewMemoryStore(wait time.Duration) *MemoryStore {
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &MemoryStore{
		state: &memState{
			orders:      make(map[int64]PurchaseOrder),
			deliveries:  make(map[int64]Delivery),
			products:    make(map[int64]Product),
			returns:     make(map[int64]ReturnEntry),
			resolutions: make(map[int64]ReturnResolution),
			seq:         make(map[string]int64),
		},
		writer: make(chan struct{}, 1),
		wait:   wait,
	}
}

func (s *memState) clone() *memState {
	out := &memState{
		orders:      make(map[int64]PurchaseOrder, len(s.orders)),
		deliveries:  make(map[int64]Delivery, len(s.deliveries)),
		products:    maps.Clone(s.products),
		returns:     maps.Clone(s.returns),
		resolutions: maps.Clone(s.resolutions),
		restocks:    slices.Clip(s.restocks),
		movements:   slices.Clip(s.movements),
		seq:         maps.Clone(s.seq),
	}
	for id, o := range s.orders {
		out.orders[id] = copyOrder(o)
	}
	for id, d := range s.deliveries {
		out.deliveries[id] = copyDelivery(d)
	}
	return out
}

func (s *memState) next(entity string) int64 {
	s.seq[entity]++
	return s.seq[entity]
}

func copyOrder(o PurchaseOrder) PurchaseOrder {
	o.Lines = slices.Clone(o.Lines)
	return o
}

func copyDelivery(d Delivery) Delivery {
	d.Lines = slices.Clone(d.Lines)
	d.FieldReportImages = slices.Clone(d.FieldReportImages)
	return d
}

// WithTx implements Store.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	timer := time.NewTimer(s.wait)
	defer timer.Stop()
	select {
	case s.writer <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return &shared.BusyError{Resource: "ledger"}
	}
	defer func() { <-s.writer }()

	s.mu.RLock()
	work := s.state.clone()
	s.mu.RUnlock()

	if err := fn(ctx, &memTx{state: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = work
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) read() *memState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// GetOrder implements Reader.
func (s *MemoryStore) GetOrder(_ context.Context, id int64) (PurchaseOrder, error) {
	return s.read().order(id)
}

// GetDelivery implements Reader.
func (s *MemoryStore) GetDelivery(_ context.Context, id int64) (Delivery, error) {
	return s.read().delivery(id)
}

// ListDeliveriesByOrder implements Reader.
func (s *MemoryStore) ListDeliveriesByOrder(_ context.Context, orderID int64) ([]Delivery, error) {
	return s.read().deliveriesByOrder(orderID), nil
}

// GetProduct implements Reader.
func (s *MemoryStore) GetProduct(_ context.Context, id int64) (Product, error) {
	p, ok := s.read().products[id]
	if !ok {
		return Product{}, shared.NewNotFound("product", id)
	}
	return p, nil
}

// ListProducts implements Reader.
func (s *MemoryStore) ListProducts(_ context.Context) ([]Product, error) {
	products := slices.Collect(maps.Values(s.read().products))
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, nil
}

// ListReorderCandidates implements Reader.
func (s *MemoryStore) ListReorderCandidates(ctx context.Context, limit, offset int) ([]Product, int, error) {
	all, _ := s.ListProducts(ctx)
	var below []Product
	for _, p := range all {
		if p.BelowReorder() {
			below = append(below, p)
		}
	}
	total := len(below)
	if offset >= total {
		return []Product{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return below[offset:end], total, nil
}

// ListRestocks implements Reader.
func (s *MemoryStore) ListRestocks(_ context.Context, productID int64) ([]RestockTransaction, error) {
	var out []RestockTransaction
	for _, r := range s.read().restocks {
		if r.ProductID == productID {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListMovements implements Reader. Newest movements come first.
func (s *MemoryStore) ListMovements(_ context.Context, productID int64, limit int) ([]StockMovement, error) {
	movements := s.read().movements
	var out []StockMovement
	for i := len(movements) - 1; i >= 0; i-- {
		if movements[i].ProductID != productID {
			continue
		}
		out = append(out, movements[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// SumMovements implements Reader.
func (s *MemoryStore) SumMovements(_ context.Context, productID int64) (int64, error) {
	var sum int64
	for _, m := range s.read().movements {
		if m.ProductID == productID {
			sum += m.Quantity
		}
	}
	return sum, nil
}

// GetReturn implements Reader.
func (s *MemoryStore) GetReturn(_ context.Context, id int64) (ReturnEntry, error) {
	return s.read().returnEntry(id)
}

// ListReturnsByDelivery implements Reader.
func (s *MemoryStore) ListReturnsByDelivery(_ context.Context, deliveryID int64) ([]ReturnEntry, error) {
	return s.read().returnsByDelivery(deliveryID), nil
}

func (s *memState) order(id int64) (PurchaseOrder, error) {
	o, ok := s.orders[id]
	if !ok {
		return PurchaseOrder{}, shared.NewNotFound("order", id)
	}
	return copyOrder(o), nil
}

func (s *memState) delivery(id int64) (Delivery, error) {
	d, ok := s.deliveries[id]
	if !ok {
		return Delivery{}, shared.NewNotFound("delivery", id)
	}
	return copyDelivery(d), nil
}

func (s *memState) deliveriesByOrder(orderID int64) []Delivery {
	var out []Delivery
	for _, d := range s.deliveries {
		if d.OrderID == orderID {
			out = append(out, copyDelivery(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memState) returnEntry(id int64) (ReturnEntry, error) {
	r, ok := s.returns[id]
	if !ok {
		return ReturnEntry{}, shared.NewNotFound("return", id)
	}
	return s.withResolution(r), nil
}

func (s *memState) withResolution(r ReturnEntry) ReturnEntry {
	if res, ok := s.resolutions[r.ID]; ok {
		r.Resolution = &res
	} else {
		r.Resolution = nil
	}
	return r
}

func (s *memState) returnsByDelivery(deliveryID int64) []ReturnEntry {
	var out []ReturnEntry
	for _, r := range s.returns {
		if r.DeliveryID == deliveryID {
			out = append(out, s.withResolution(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type memTx struct {
	state *memState
}

func (tx *memTx) LockOrder(_ context.Context, id int64) (PurchaseOrder, error) {
	return tx.state.order(id)
}

func (tx *memTx) LockDelivery(_ context.Context, id int64) (Delivery, error) {
	return tx.state.delivery(id)
}

func (tx *memTx) LockReturn(_ context.Context, id int64) (ReturnEntry, error) {
	return tx.state.returnEntry(id)
}

func (tx *memTx) LockProducts(_ context.Context, ids []int64) (map[int64]Product, error) {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	out := make(map[int64]Product, len(sorted))
	for _, id := range slices.Compact(sorted) {
		p, ok := tx.state.products[id]
		if !ok {
			return nil, shared.NewNotFound("product", id)
		}
		out[id] = p
	}
	return out, nil
}

func (tx *memTx) ListDeliveriesByOrder(_ context.Context, orderID int64) ([]Delivery, error) {
	return tx.state.deliveriesByOrder(orderID), nil
}

func (tx *memTx) ListReturnsByDelivery(_ context.Context, deliveryID int64) ([]ReturnEntry, error) {
	return tx.state.returnsByDelivery(deliveryID), nil
}

func (tx *memTx) InsertOrder(_ context.Context, order PurchaseOrder) (PurchaseOrder, error) {
	order = copyOrder(order)
	order.ID = tx.state.next("order")
	for i := range order.Lines {
		order.Lines[i].ID = tx.state.next("order_line")
		order.Lines[i].OrderID = order.ID
	}
	tx.state.orders[order.ID] = order
	return copyOrder(order), nil
}

func (tx *memTx) UpdateOrderStatus(_ context.Context, id int64, status OrderStatus, at time.Time) error {
	o, ok := tx.state.orders[id]
	if !ok {
		return shared.NewNotFound("order", id)
	}
	o.Status = status
	o.UpdatedAt = at
	tx.state.orders[id] = o
	return nil
}

func (tx *memTx) InsertOrderLine(_ context.Context, line OrderLineItem) (OrderLineItem, error) {
	o, ok := tx.state.orders[line.OrderID]
	if !ok {
		return OrderLineItem{}, shared.NewNotFound("order", line.OrderID)
	}
	line.ID = tx.state.next("order_line")
	o.Lines = append(o.Lines, line)
	tx.state.orders[o.ID] = o
	return line, nil
}

func (tx *memTx) UpdateOrderLine(_ context.Context, line OrderLineItem) error {
	o, ok := tx.state.orders[line.OrderID]
	if !ok {
		return shared.NewNotFound("order", line.OrderID)
	}
	for i := range o.Lines {
		if o.Lines[i].ID == line.ID {
			o.Lines[i] = line
			return nil
		}
	}
	return shared.NewNotFound("order_line", line.ID)
}

func (tx *memTx) InsertDelivery(_ context.Context, delivery Delivery) (Delivery, error) {
	if _, ok := tx.state.orders[delivery.OrderID]; !ok {
		return Delivery{}, shared.NewNotFound("order", delivery.OrderID)
	}
	delivery = copyDelivery(delivery)
	delivery.ID = tx.state.next("delivery")
	for i := range delivery.Lines {
		delivery.Lines[i].ID = tx.state.next("delivery_line")
		delivery.Lines[i].DeliveryID = delivery.ID
	}
	tx.state.deliveries[delivery.ID] = delivery
	return copyDelivery(delivery), nil
}

func (tx *memTx) UpdateDelivery(_ context.Context, delivery Delivery) error {
	d, ok := tx.state.deliveries[delivery.ID]
	if !ok {
		return shared.NewNotFound("delivery", delivery.ID)
	}
	d.Status = delivery.Status
	d.ReturnStatus = delivery.ReturnStatus
	d.Notes = delivery.Notes
	d.FieldReportImages = slices.Clone(delivery.FieldReportImages)
	d.FailureReason = delivery.FailureReason
	d.UpdatedAt = delivery.UpdatedAt
	tx.state.deliveries[d.ID] = d
	return nil
}

func (tx *memTx) UpdateDeliveryLine(_ context.Context, line DeliveryLineItem) error {
	d, ok := tx.state.deliveries[line.DeliveryID]
	if !ok {
		return shared.NewNotFound("delivery", line.DeliveryID)
	}
	for i := range d.Lines {
		if d.Lines[i].ID == line.ID {
			d.Lines[i] = line
			return nil
		}
	}
	return shared.NewNotFound("delivery_line", line.ID)
}

func (tx *memTx) InsertProduct(_ context.Context, product Product) (Product, error) {
	product.ID = tx.state.next("product")
	tx.state.products[product.ID] = product
	return product, nil
}

func (tx *memTx) SetProductQuantity(_ context.Context, id, quantity int64, at time.Time) error {
	p, ok := tx.state.products[id]
	if !ok {
		return shared.NewNotFound("product", id)
	}
	if quantity < 0 {
		return &shared.StockError{ProductID: id, Requested: p.QuantityOnHand - quantity, OnHand: p.QuantityOnHand}
	}
	p.QuantityOnHand = quantity
	p.UpdatedAt = at
	tx.state.products[id] = p
	return nil
}

func (tx *memTx) InsertRestock(_ context.Context, restock RestockTransaction) (RestockTransaction, error) {
	restock.ID = tx.state.next("restock")
	tx.state.restocks = append(tx.state.restocks, restock)
	return restock, nil
}

func (tx *memTx) InsertMovement(_ context.Context, movement StockMovement) (StockMovement, error) {
	movement.ID = tx.state.next("movement")
	tx.state.movements = append(tx.state.movements, movement)
	return movement, nil
}

func (tx *memTx) InsertReturn(_ context.Context, entry ReturnEntry) (ReturnEntry, error) {
	entry.ID = tx.state.next("return")
	entry.Resolution = nil
	tx.state.returns[entry.ID] = entry
	return entry, nil
}

func (tx *memTx) InsertResolution(_ context.Context, resolution ReturnResolution) error {
	if _, ok := tx.state.returns[resolution.ReturnID]; !ok {
		return shared.NewNotFound("return", resolution.ReturnID)
	}
	if _, exists := tx.state.resolutions[resolution.ReturnID]; exists {
		return shared.NewValidation("return_id", "already resolved")
	}
	tx.state.resolutions[resolution.ReturnID] = resolution
	return nil
}
