// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// RetryAfterSeconds is advertised on 503 responses for busy resources.
const RetryAfterSeconds = "1"

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var details map[string]any
	var detailer shared.Detailer
	if errors.As(err, &detailer) {
		details = detailer.Details()
	}
	switch {
	case errors.Is(err, shared.ErrNotFound):
		ProblemWithDetails(w, http.StatusNotFound, "Not Found", err.Error(), details)
	case errors.Is(err, shared.ErrValidation):
		ProblemWithDetails(w, http.StatusBadRequest, "Validation Failed", err.Error(), details)
	case errors.Is(err, shared.ErrInsufficientRemainingQuantity):
		ProblemWithDetails(w, http.StatusUnprocessableEntity, "Insufficient Remaining Quantity", err.Error(), details)
	case errors.Is(err, shared.ErrInsufficientStock):
		ProblemWithDetails(w, http.StatusUnprocessableEntity, "Insufficient Stock", err.Error(), details)
	case errors.Is(err, shared.ErrQuantityMismatch):
		ProblemWithDetails(w, http.StatusUnprocessableEntity, "Quantity Mismatch", err.Error(), details)
	case errors.Is(err, shared.ErrCancellationNotAllowed):
		ProblemWithDetails(w, http.StatusConflict, "Cancellation Not Allowed", err.Error(), details)
	case errors.Is(err, shared.ErrInvalidTransition):
		ProblemWithDetails(w, http.StatusConflict, "Invalid Transition", err.Error(), details)
	case errors.Is(err, shared.ErrLineItemLocked):
		ProblemWithDetails(w, http.StatusConflict, "Line Item Locked", err.Error(), details)
	case errors.Is(err, shared.ErrIdempotencyConflict):
		Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, shared.ErrBusy):
		w.Header().Set("Retry-After", RetryAfterSeconds)
		ProblemWithDetails(w, http.StatusServiceUnavailable, "Busy", err.Error(), details)
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
