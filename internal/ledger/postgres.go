package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/fulfillment/internal/platform/db"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// Repository persists the ledger in PostgreSQL.
type Repository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewRepository constructs Repository. Row lock waits longer than lockTimeout
// fail with shared.ErrBusy.
func NewRepository(pool *pgxpool.Pool, lockTimeout time.Duration) *Repository {
	return &Repository{pool: pool, lockTimeout: lockTimeout}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx implements Store.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	err := db.WithTx(ctx, r.pool, r.lockTimeout, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
	if err != nil && db.IsContention(err) {
		return &shared.BusyError{Resource: "ledger", Cause: err}
	}
	return err
}

const (
	orderColumns    = `id, customer_name, address, sale_type, status, created_by, created_at, updated_at`
	lineColumns     = `id, purchase_order_id, product_id, agreed_price, quantity_ordered, quantity_removed, line_order`
	deliveryColumns = `id, purchase_order_id, delivery_man_id, status, return_status, notes, field_report_images, failure_reason, created_at, updated_at`
	dLineColumns    = `id, delivery_id, product_id, quantity_assigned, quantity_delivered, no_of_damages, intact_quantity`
	productColumns  = `id, name, category_id, original_price, quantity_on_hand, reorder_level, created_at, updated_at`
	movementColumns = `id, product_id, kind, quantity, balance_after, ref_module, ref_id, batch_id, actor_id, created_at`
	returnColumns   = `r.id, r.delivery_id, r.delivery_line_id, r.product_id, r.quantity, r.opened_at, res.resolution, res.resolved_by, res.resolved_at, res.note`
)

func notFound(err error, entity string, id int64) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return shared.NewNotFound(entity, id)
	}
	return err
}

func loadOrder(ctx context.Context, q querier, id int64, forUpdate bool) (PurchaseOrder, error) {
	sql := `SELECT ` + orderColumns + ` FROM purchase_orders WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var o PurchaseOrder
	err := q.QueryRow(ctx, sql, id).Scan(&o.ID, &o.CustomerName, &o.Address, &o.SaleType, &o.Status, &o.CreatedBy, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return PurchaseOrder{}, notFound(err, "order", id)
	}
	rows, err := q.Query(ctx, `SELECT `+lineColumns+` FROM order_line_items WHERE purchase_order_id = $1 ORDER BY line_order, id`, id)
	if err != nil {
		return PurchaseOrder{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var l OrderLineItem
		if err := rows.Scan(&l.ID, &l.OrderID, &l.ProductID, &l.AgreedPrice, &l.QuantityOrdered, &l.QuantityRemoved, &l.LineOrder); err != nil {
			return PurchaseOrder{}, err
		}
		o.Lines = append(o.Lines, l)
	}
	return o, rows.Err()
}

func scanDelivery(row pgx.Row) (Delivery, error) {
	var d Delivery
	err := row.Scan(&d.ID, &d.OrderID, &d.DeliveryManID, &d.Status, &d.ReturnStatus, &d.Notes, &d.FieldReportImages, &d.FailureReason, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

func attachDeliveryLines(ctx context.Context, q querier, deliveries []Delivery) error {
	if len(deliveries) == 0 {
		return nil
	}
	ids := make([]int64, len(deliveries))
	index := make(map[int64]int, len(deliveries))
	for i, d := range deliveries {
		ids[i] = d.ID
		index[d.ID] = i
	}
	rows, err := q.Query(ctx, `SELECT `+dLineColumns+` FROM delivery_line_items WHERE delivery_id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var l DeliveryLineItem
		if err := rows.Scan(&l.ID, &l.DeliveryID, &l.ProductID, &l.QuantityAssigned, &l.QuantityDelivered, &l.Damages, &l.Intact); err != nil {
			return err
		}
		i := index[l.DeliveryID]
		deliveries[i].Lines = append(deliveries[i].Lines, l)
	}
	return rows.Err()
}

func loadDelivery(ctx context.Context, q querier, id int64, forUpdate bool) (Delivery, error) {
	sql := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	d, err := scanDelivery(q.QueryRow(ctx, sql, id))
	if err != nil {
		return Delivery{}, notFound(err, "delivery", id)
	}
	list := []Delivery{d}
	if err := attachDeliveryLines(ctx, q, list); err != nil {
		return Delivery{}, err
	}
	return list[0], nil
}

func listDeliveries(ctx context.Context, q querier, orderID int64) ([]Delivery, error) {
	rows, err := q.Query(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE purchase_order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	var out []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := attachDeliveryLines(ctx, q, out); err != nil {
		return nil, err
	}
	return out, nil
}

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.Name, &p.CategoryID, &p.OriginalPrice, &p.QuantityOnHand, &p.ReorderLevel, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func collectProducts(rows pgx.Rows) ([]Product, error) {
	defer rows.Close()
	var out []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanReturn(row pgx.Row) (ReturnEntry, error) {
	var (
		r          ReturnEntry
		resolution *string
		resolvedBy *int64
		resolvedAt *time.Time
		note       *string
	)
	if err := row.Scan(&r.ID, &r.DeliveryID, &r.DeliveryLineID, &r.ProductID, &r.Quantity, &r.OpenedAt, &resolution, &resolvedBy, &resolvedAt, &note); err != nil {
		return ReturnEntry{}, err
	}
	if resolution != nil {
		res := ReturnResolution{ReturnID: r.ID, Resolution: Resolution(*resolution)}
		if resolvedBy != nil {
			res.ResolvedBy = *resolvedBy
		}
		if resolvedAt != nil {
			res.ResolvedAt = *resolvedAt
		}
		if note != nil {
			res.Note = *note
		}
		r.Resolution = &res
	}
	return r, nil
}

const returnFrom = ` FROM delivery_returns r LEFT JOIN return_resolutions res ON res.return_id = r.id`

func loadReturn(ctx context.Context, q querier, id int64, forUpdate bool) (ReturnEntry, error) {
	sql := `SELECT ` + returnColumns + returnFrom + ` WHERE r.id = $1`
	if forUpdate {
		sql += ` FOR UPDATE OF r`
	}
	r, err := scanReturn(q.QueryRow(ctx, sql, id))
	if err != nil {
		return ReturnEntry{}, notFound(err, "return", id)
	}
	return r, nil
}

func listReturns(ctx context.Context, q querier, deliveryID int64) ([]ReturnEntry, error) {
	rows, err := q.Query(ctx, `SELECT `+returnColumns+returnFrom+` WHERE r.delivery_id = $1 ORDER BY r.id`, deliveryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ReturnEntry
	for rows.Next() {
		r, err := scanReturn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetOrder implements Reader.
func (r *Repository) GetOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	return loadOrder(ctx, r.pool, id, false)
}

// GetDelivery implements Reader.
func (r *Repository) GetDelivery(ctx context.Context, id int64) (Delivery, error) {
	return loadDelivery(ctx, r.pool, id, false)
}

// ListDeliveriesByOrder implements Reader.
func (r *Repository) ListDeliveriesByOrder(ctx context.Context, orderID int64) ([]Delivery, error) {
	return listDeliveries(ctx, r.pool, orderID)
}

// GetProduct implements Reader.
func (r *Repository) GetProduct(ctx context.Context, id int64) (Product, error) {
	p, err := scanProduct(r.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		return Product{}, notFound(err, "product", id)
	}
	return p, nil
}

// ListProducts implements Reader.
func (r *Repository) ListProducts(ctx context.Context) ([]Product, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+productColumns+` FROM products ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return collectProducts(rows)
}

// ListReorderCandidates implements Reader.
func (r *Repository) ListReorderCandidates(ctx context.Context, limit, offset int) ([]Product, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM products WHERE quantity_on_hand < reorder_level`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+productColumns+` FROM products WHERE quantity_on_hand < reorder_level ORDER BY id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	products, err := collectProducts(rows)
	if err != nil {
		return nil, 0, err
	}
	return products, total, nil
}

// ListRestocks implements Reader.
func (r *Repository) ListRestocks(ctx context.Context, productID int64) ([]RestockTransaction, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, product_id, user_id, quantity, created_at FROM restock_transactions WHERE product_id = $1 ORDER BY id`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RestockTransaction
	for rows.Next() {
		var rt RestockTransaction
		if err := rows.Scan(&rt.ID, &rt.ProductID, &rt.UserID, &rt.Quantity, &rt.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}

// ListMovements implements Reader. Newest movements come first.
func (r *Repository) ListMovements(ctx context.Context, productID int64, limit int) ([]StockMovement, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT `+movementColumns+` FROM stock_movements WHERE product_id = $1 ORDER BY id DESC LIMIT $2`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StockMovement
	for rows.Next() {
		var m StockMovement
		if err := rows.Scan(&m.ID, &m.ProductID, &m.Kind, &m.Quantity, &m.BalanceAfter, &m.RefModule, &m.RefID, &m.BatchID, &m.ActorID, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SumMovements implements Reader.
func (r *Repository) SumMovements(ctx context.Context, productID int64) (int64, error) {
	var sum int64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(quantity), 0)::BIGINT FROM stock_movements WHERE product_id = $1`, productID).Scan(&sum)
	return sum, err
}

// GetReturn implements Reader.
func (r *Repository) GetReturn(ctx context.Context, id int64) (ReturnEntry, error) {
	return loadReturn(ctx, r.pool, id, false)
}

// ListReturnsByDelivery implements Reader.
func (r *Repository) ListReturnsByDelivery(ctx context.Context, deliveryID int64) ([]ReturnEntry, error) {
	return listReturns(ctx, r.pool, deliveryID)
}

func (t *txRepo) LockOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	return loadOrder(ctx, t.tx, id, true)
}

func (t *txRepo) LockDelivery(ctx context.Context, id int64) (Delivery, error) {
	return loadDelivery(ctx, t.tx, id, true)
}

func (t *txRepo) LockReturn(ctx context.Context, id int64) (ReturnEntry, error) {
	return loadReturn(ctx, t.tx, id, true)
}

func (t *txRepo) LockProducts(ctx context.Context, ids []int64) (map[int64]Product, error) {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	rows, err := t.tx.Query(ctx, `SELECT `+productColumns+` FROM products WHERE id = ANY($1) ORDER BY id FOR UPDATE`, sorted)
	if err != nil {
		return nil, err
	}
	products, err := collectProducts(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]Product, len(products))
	for _, p := range products {
		out[p.ID] = p
	}
	for _, id := range sorted {
		if _, ok := out[id]; !ok {
			return nil, shared.NewNotFound("product", id)
		}
	}
	return out, nil
}

func (t *txRepo) ListDeliveriesByOrder(ctx context.Context, orderID int64) ([]Delivery, error) {
	return listDeliveries(ctx, t.tx, orderID)
}

func (t *txRepo) ListReturnsByDelivery(ctx context.Context, deliveryID int64) ([]ReturnEntry, error) {
	return listReturns(ctx, t.tx, deliveryID)
}

func (t *txRepo) InsertOrder(ctx context.Context, order PurchaseOrder) (PurchaseOrder, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO purchase_orders (customer_name, address, sale_type, status, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		order.CustomerName, order.Address, order.SaleType, order.Status, order.CreatedBy, order.CreatedAt, order.UpdatedAt).Scan(&order.ID)
	if err != nil {
		return PurchaseOrder{}, fmt.Errorf("ledger: insert order: %w", err)
	}
	lines := make([]OrderLineItem, 0, len(order.Lines))
	for _, line := range order.Lines {
		line.OrderID = order.ID
		inserted, err := t.InsertOrderLine(ctx, line)
		if err != nil {
			return PurchaseOrder{}, err
		}
		lines = append(lines, inserted)
	}
	order.Lines = lines
	return order, nil
}

func (t *txRepo) UpdateOrderStatus(ctx context.Context, id int64, status OrderStatus, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE purchase_orders SET status = $2, updated_at = $3 WHERE id = $1`, id, status, at)
	if err != nil {
		return fmt.Errorf("ledger: update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.NewNotFound("order", id)
	}
	return nil
}

func (t *txRepo) InsertOrderLine(ctx context.Context, line OrderLineItem) (OrderLineItem, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO order_line_items (purchase_order_id, product_id, agreed_price, quantity_ordered, quantity_removed, line_order)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		line.OrderID, line.ProductID, line.AgreedPrice, line.QuantityOrdered, line.QuantityRemoved, line.LineOrder).Scan(&line.ID)
	if err != nil {
		return OrderLineItem{}, fmt.Errorf("ledger: insert order line: %w", err)
	}
	return line, nil
}

func (t *txRepo) UpdateOrderLine(ctx context.Context, line OrderLineItem) error {
	tag, err := t.tx.Exec(ctx, `UPDATE order_line_items SET agreed_price = $2, quantity_ordered = $3, quantity_removed = $4, line_order = $5 WHERE id = $1`,
		line.ID, line.AgreedPrice, line.QuantityOrdered, line.QuantityRemoved, line.LineOrder)
	if err != nil {
		return fmt.Errorf("ledger: update order line: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.NewNotFound("order_line", line.ID)
	}
	return nil
}

func (t *txRepo) InsertDelivery(ctx context.Context, d Delivery) (Delivery, error) {
	images := d.FieldReportImages
	if images == nil {
		images = []string{}
	}
	err := t.tx.QueryRow(ctx, `INSERT INTO deliveries (purchase_order_id, delivery_man_id, status, return_status, notes, field_report_images, failure_reason, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		d.OrderID, d.DeliveryManID, d.Status, d.ReturnStatus, d.Notes, images, d.FailureReason, d.CreatedAt, d.UpdatedAt).Scan(&d.ID)
	if err != nil {
		return Delivery{}, fmt.Errorf("ledger: insert delivery: %w", err)
	}
	for i := range d.Lines {
		line := &d.Lines[i]
		line.DeliveryID = d.ID
		err := t.tx.QueryRow(ctx, `INSERT INTO delivery_line_items (delivery_id, product_id, quantity_assigned, quantity_delivered, no_of_damages, intact_quantity)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
			line.DeliveryID, line.ProductID, line.QuantityAssigned, line.QuantityDelivered, line.Damages, line.Intact).Scan(&line.ID)
		if err != nil {
			return Delivery{}, fmt.Errorf("ledger: insert delivery line: %w", err)
		}
	}
	return d, nil
}

func (t *txRepo) UpdateDelivery(ctx context.Context, d Delivery) error {
	images := d.FieldReportImages
	if images == nil {
		images = []string{}
	}
	tag, err := t.tx.Exec(ctx, `UPDATE deliveries SET status = $2, return_status = $3, notes = $4, field_report_images = $5, failure_reason = $6, updated_at = $7 WHERE id = $1`,
		d.ID, d.Status, d.ReturnStatus, d.Notes, images, d.FailureReason, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ledger: update delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.NewNotFound("delivery", d.ID)
	}
	return nil
}

func (t *txRepo) UpdateDeliveryLine(ctx context.Context, line DeliveryLineItem) error {
	tag, err := t.tx.Exec(ctx, `UPDATE delivery_line_items SET quantity_delivered = $2, no_of_damages = $3, intact_quantity = $4 WHERE id = $1`,
		line.ID, line.QuantityDelivered, line.Damages, line.Intact)
	if err != nil {
		return fmt.Errorf("ledger: update delivery line: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.NewNotFound("delivery_line", line.ID)
	}
	return nil
}

func (t *txRepo) InsertProduct(ctx context.Context, p Product) (Product, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO products (name, category_id, original_price, quantity_on_hand, reorder_level, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		p.Name, p.CategoryID, p.OriginalPrice, p.QuantityOnHand, p.ReorderLevel, p.CreatedAt, p.UpdatedAt).Scan(&p.ID)
	if err != nil {
		return Product{}, fmt.Errorf("ledger: insert product: %w", err)
	}
	return p, nil
}

func (t *txRepo) SetProductQuantity(ctx context.Context, id, quantity int64, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE products SET quantity_on_hand = $2, updated_at = $3 WHERE id = $1`, id, quantity, at)
	if err != nil {
		if db.IsCheckViolation(err) {
			return &shared.StockError{ProductID: id, Requested: -quantity}
		}
		return fmt.Errorf("ledger: set product quantity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.NewNotFound("product", id)
	}
	return nil
}

func (t *txRepo) InsertRestock(ctx context.Context, rt RestockTransaction) (RestockTransaction, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO restock_transactions (product_id, user_id, quantity, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		rt.ProductID, rt.UserID, rt.Quantity, rt.CreatedAt).Scan(&rt.ID)
	if err != nil {
		return RestockTransaction{}, fmt.Errorf("ledger: insert restock: %w", err)
	}
	return rt, nil
}

func (t *txRepo) InsertMovement(ctx context.Context, m StockMovement) (StockMovement, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO stock_movements (product_id, kind, quantity, balance_after, ref_module, ref_id, batch_id, actor_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		m.ProductID, m.Kind, m.Quantity, m.BalanceAfter, m.RefModule, m.RefID, m.BatchID, m.ActorID, m.CreatedAt).Scan(&m.ID)
	if err != nil {
		return StockMovement{}, fmt.Errorf("ledger: insert movement: %w", err)
	}
	return m, nil
}

func (t *txRepo) InsertReturn(ctx context.Context, e ReturnEntry) (ReturnEntry, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO delivery_returns (delivery_id, delivery_line_id, product_id, quantity, opened_at) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		e.DeliveryID, e.DeliveryLineID, e.ProductID, e.Quantity, e.OpenedAt).Scan(&e.ID)
	if err != nil {
		return ReturnEntry{}, fmt.Errorf("ledger: insert return: %w", err)
	}
	e.Resolution = nil
	return e, nil
}

func (t *txRepo) InsertResolution(ctx context.Context, res ReturnResolution) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO return_resolutions (return_id, resolution, resolved_by, resolved_at, note) VALUES ($1, $2, $3, $4, $5)`,
		res.ReturnID, res.Resolution, res.ResolvedBy, res.ResolvedAt, res.Note)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return shared.NewValidation("return_id", "already resolved")
		}
		return fmt.Errorf("ledger: insert resolution: %w", err)
	}
	return nil
}
