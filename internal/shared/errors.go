package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates malformed input rejected before any mutation.
	ErrValidation = errors.New("validation failed")
	// ErrInsufficientRemainingQuantity occurs when a delivery asks for more than the order still owes.
	ErrInsufficientRemainingQuantity = errors.New("insufficient remaining quantity")
	// ErrInsufficientStock occurs when a deduction would drive quantity on hand negative.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrQuantityMismatch occurs when intact plus damaged differs from the assigned quantity.
	ErrQuantityMismatch = errors.New("quantity mismatch")
	// ErrCancellationNotAllowed occurs when a delivery is past the cancellable state.
	ErrCancellationNotAllowed = errors.New("cancellation not allowed")
	// ErrInvalidTransition occurs when a status change is requested from the wrong state.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrLineItemLocked occurs when editing a line item already referenced by a delivery.
	ErrLineItemLocked = errors.New("line item locked")
	// ErrBusy indicates the serialization boundary could not be acquired in time.
	ErrBusy = errors.New("resource busy")
)

// IsRetryable reports whether the caller may retry the same command unchanged.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBusy)
}

// Detailer is implemented by errors carrying identifiers for API clients.
type Detailer interface {
	Details() map[string]any
}

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string
	ID     int64
}

// NewNotFound builds a NotFoundError.
func NewNotFound(entity string, id int64) error {
	return &NotFoundError{Entity: entity, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// Details implements Detailer.
func (e *NotFoundError) Details() map[string]any {
	return map[string]any{"entity": e.Entity, "id": e.ID}
}

// ValidationError aggregates field level problems.
type ValidationError struct {
	Fields map[string]string
}

// NewValidation returns a ValidationError for a single field.
func NewValidation(field, reason string) error {
	return &ValidationError{Fields: map[string]string{field: reason}}
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 1 {
		for field, reason := range e.Fields {
			return fmt.Sprintf("validation failed: %s %s", field, reason)
		}
	}
	return fmt.Sprintf("validation failed: %d fields", len(e.Fields))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Details implements Detailer.
func (e *ValidationError) Details() map[string]any {
	out := make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		out[k] = v
	}
	return out
}

// RemainingQuantityError reports the largest quantity still assignable for a product.
type RemainingQuantityError struct {
	ProductID int64
	Requested int64
	Max       int64
}

func (e *RemainingQuantityError) Error() string {
	return fmt.Sprintf("product %d: requested %d exceeds remaining %d", e.ProductID, e.Requested, e.Max)
}

func (e *RemainingQuantityError) Unwrap() error { return ErrInsufficientRemainingQuantity }

// Details implements Detailer.
func (e *RemainingQuantityError) Details() map[string]any {
	return map[string]any{"product_id": e.ProductID, "requested": e.Requested, "max_allowed": e.Max}
}

// StockError reports a deduction that would leave negative stock.
type StockError struct {
	ProductID int64
	Requested int64
	OnHand    int64
}

func (e *StockError) Error() string {
	return fmt.Sprintf("product %d: requested %d but only %d on hand", e.ProductID, e.Requested, e.OnHand)
}

func (e *StockError) Unwrap() error { return ErrInsufficientStock }

// Details implements Detailer.
func (e *StockError) Details() map[string]any {
	return map[string]any{"product_id": e.ProductID, "requested": e.Requested, "on_hand": e.OnHand}
}

// QuantityMismatchError reports an inconsistent field report line.
type QuantityMismatchError struct {
	ProductID int64
	Assigned  int64
	Intact    int64
	Damaged   int64
	Delivered int64
}

func (e *QuantityMismatchError) Error() string {
	return fmt.Sprintf("product %d: intact %d + damaged %d must equal assigned %d", e.ProductID, e.Intact, e.Damaged, e.Assigned)
}

func (e *QuantityMismatchError) Unwrap() error { return ErrQuantityMismatch }

// Details implements Detailer.
func (e *QuantityMismatchError) Details() map[string]any {
	return map[string]any{
		"product_id": e.ProductID,
		"assigned":   e.Assigned,
		"intact":     e.Intact,
		"damaged":    e.Damaged,
		"delivered":  e.Delivered,
	}
}

// StateError reports an entity whose current state forbids the command.
// Err is ErrCancellationNotAllowed or ErrInvalidTransition.
type StateError struct {
	Err          error
	Entity       string
	ID           int64
	Status       string
	ReturnStatus string
}

func (e *StateError) Error() string {
	if e.ReturnStatus != "" {
		return fmt.Sprintf("%s %d (status %s, return status %s): %v", e.Entity, e.ID, e.Status, e.ReturnStatus, e.Err)
	}
	return fmt.Sprintf("%s %d (status %s): %v", e.Entity, e.ID, e.Status, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }

// Details implements Detailer.
func (e *StateError) Details() map[string]any {
	d := map[string]any{"entity": e.Entity, "id": e.ID, "status": e.Status}
	if e.ReturnStatus != "" {
		d["return_status"] = e.ReturnStatus
	}
	return d
}

// LineItemLockedError names the order line that can no longer change.
type LineItemLockedError struct {
	OrderID   int64
	ProductID int64
}

func (e *LineItemLockedError) Error() string {
	return fmt.Sprintf("order %d: line item for product %d already dispatched", e.OrderID, e.ProductID)
}

func (e *LineItemLockedError) Unwrap() error { return ErrLineItemLocked }

// Details implements Detailer.
func (e *LineItemLockedError) Details() map[string]any {
	return map[string]any{"order_id": e.OrderID, "product_id": e.ProductID}
}

// BusyError wraps a lock acquisition failure.
type BusyError struct {
	Resource string
	Cause    error
}

func (e *BusyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s busy: %v", e.Resource, e.Cause)
	}
	return fmt.Sprintf("%s busy", e.Resource)
}

func (e *BusyError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrBusy}
	}
	return []error{ErrBusy, e.Cause}
}

// Details implements Detailer.
func (e *BusyError) Details() map[string]any {
	return map[string]any{"resource": e.Resource}
}
