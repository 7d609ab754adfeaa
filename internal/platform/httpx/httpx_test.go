package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

func TestRespondErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{shared.NewNotFound("order", 1), http.StatusNotFound},
		{shared.NewValidation("qty", "bad"), http.StatusBadRequest},
		{&shared.RemainingQuantityError{ProductID: 1, Requested: 70, Max: 60}, http.StatusUnprocessableEntity},
		{&shared.StockError{ProductID: 1}, http.StatusUnprocessableEntity},
		{&shared.QuantityMismatchError{ProductID: 1}, http.StatusUnprocessableEntity},
		{&shared.StateError{Err: shared.ErrCancellationNotAllowed, Entity: "delivery", ID: 1, Status: "Delivered"}, http.StatusConflict},
		{&shared.StateError{Err: shared.ErrInvalidTransition, Entity: "delivery", ID: 1, Status: "Delivered"}, http.StatusConflict},
		{&shared.LineItemLockedError{OrderID: 1, ProductID: 2}, http.StatusConflict},
		{&shared.BusyError{Resource: "order"}, http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		RespondError(rec, fmt.Errorf("wrapped: %w", tc.err))
		require.Equal(t, tc.status, rec.Code, tc.err.Error())
	}
}

func TestRespondErrorCarriesDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, &shared.RemainingQuantityError{ProductID: 4, Requested: 70, Max: 60})

	var body ProblemDetail
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "Insufficient Remaining Quantity", body.Title)
	require.EqualValues(t, 60, body.Errors["max_allowed"])
	require.EqualValues(t, 4, body.Errors["product_id"])
}

func TestBusySetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, &shared.BusyError{Resource: "order"})
	require.Equal(t, RetryAfterSeconds, rec.Header().Get("Retry-After"))
}

type sample struct {
	Quantity int64 `json:"quantity" validate:"gt=0"`
}

func TestBindValidates(t *testing.T) {
	v := validator.New()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"quantity":0}`))
	var s sample
	err := Bind(httptest.NewRecorder(), req, v, &s)
	require.ErrorIs(t, err, shared.ErrValidation)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"quantity":3,"extra":1}`))
	err = Bind(httptest.NewRecorder(), req, v, &s)
	require.ErrorIs(t, err, shared.ErrValidation)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"quantity":3}`))
	require.NoError(t, Bind(httptest.NewRecorder(), req, v, &s))
	require.Equal(t, int64(3), s.Quantity)
}
