package shared

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTypedErrorsUnwrapToSentinels(t *testing.T) {
	cases := []struct {
		err      error
		sentinel error
	}{
		{NewNotFound("order", 7), ErrNotFound},
		{NewValidation("quantity", "must be positive"), ErrValidation},
		{&RemainingQuantityError{ProductID: 1, Requested: 70, Max: 60}, ErrInsufficientRemainingQuantity},
		{&StockError{ProductID: 1, Requested: 5, OnHand: 2}, ErrInsufficientStock},
		{&QuantityMismatchError{ProductID: 1, Assigned: 10, Intact: 4, Damaged: 5}, ErrQuantityMismatch},
		{&StateError{Err: ErrCancellationNotAllowed, Entity: "delivery", ID: 3, Status: "PendingReport"}, ErrCancellationNotAllowed},
		{&LineItemLockedError{OrderID: 1, ProductID: 2}, ErrLineItemLocked},
		{&BusyError{Resource: OrderLockKey(1)}, ErrBusy},
	}
	for _, tc := range cases {
		wrapped := fmt.Errorf("command: %w", tc.err)
		require.ErrorIs(t, wrapped, tc.sentinel)
		var detailer Detailer
		require.True(t, errors.As(wrapped, &detailer))
		require.NotEmpty(t, detailer.Details())
	}
}

func TestRemainingQuantityErrorCarriesMax(t *testing.T) {
	err := fmt.Errorf("create delivery: %w", &RemainingQuantityError{ProductID: 9, Requested: 70, Max: 60})
	var rq *RemainingQuantityError
	require.ErrorAs(t, err, &rq)
	require.Equal(t, int64(60), rq.Max)
	require.Equal(t, int64(60), rq.Details()["max_allowed"])
}

func TestIsRetryable(t *testing.T) {
	require.True(t, IsRetryable(&BusyError{Resource: "x", Cause: errors.New("timeout")}))
	require.False(t, IsRetryable(&StockError{ProductID: 1}))
	require.False(t, IsRetryable(nil))
}

func TestPaginationOffset(t *testing.T) {
	p := NewPagination(3, 10, 45)
	require.Equal(t, 5, p.TotalPages)
	require.Equal(t, 20, p.Offset())
	p = NewPagination(0, 0, 0)
	require.Equal(t, 1, p.Page)
	require.Equal(t, DefaultPerPage, p.PerPage)
	require.Equal(t, 0, p.Offset())
}
