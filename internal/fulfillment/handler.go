package fulfillment

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fulfillment/internal/ledger"
	"github.com/odyssey-erp/fulfillment/internal/platform/httpx"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// Handler wires order and delivery endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler builds the fulfillment handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers fulfillment routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/orders", h.handleCreateOrder)
	r.Get("/orders/{id}", h.handleGetOrder)
	r.Put("/orders/{id}", h.handleEditOrder)
	r.Put("/orders/{id}/cancel", h.handleCancelOrder)
	r.Get("/orders/{id}/deliveries", h.handleListDeliveries)
	r.Post("/deliveries", h.handleCreateDelivery)
	r.Get("/deliveries/{id}", h.handleGetDelivery)
	r.Post("/deliveries/{id}/field-report", h.handleFieldReport)
	r.Post("/deliveries/{id}/accept", h.handleAccept)
	r.Put("/deliveries/{id}/cancel", h.handleCancelDelivery)
	r.Put("/deliveries/{id}/fail", h.handleFail)
}

type orderLineRequest struct {
	ProductID   int64           `json:"product_id" validate:"required,gt=0"`
	Quantity    int64           `json:"quantity" validate:"required,gt=0"`
	AgreedPrice decimal.Decimal `json:"agreed_price"`
}

type createOrderRequest struct {
	CustomerName string             `json:"customer_name" validate:"required,max=200"`
	Address      string             `json:"address" validate:"max=500"`
	SaleType     string             `json:"sale_type" validate:"omitempty,oneof=Delivery WalkIn"`
	Lines        []orderLineRequest `json:"line_items" validate:"required,min=1,dive"`
}

type editOrderRequest struct {
	NewLineItems      []orderLineRequest `json:"new_line_items" validate:"dive"`
	RemovedProductIDs []int64            `json:"removed_product_ids" validate:"dive,gt=0"`
}

type deliveryItemRequest struct {
	ProductID int64 `json:"product_id" validate:"required,gt=0"`
	Quantity  int64 `json:"quantity"`
}

type createDeliveryRequest struct {
	OrderID       int64                 `json:"order_id" validate:"required,gt=0"`
	DeliveryManID int64                 `json:"delivery_man_id" validate:"required,gt=0"`
	Notes         string                `json:"notes" validate:"max=1000"`
	LineItems     []deliveryItemRequest `json:"line_items" validate:"required,min=1,dive"`
}

type reportLineRequest struct {
	ProductID         int64 `json:"product_id" validate:"required,gt=0"`
	QuantityDelivered int64 `json:"quantity_delivered" validate:"gte=0"`
	Damages           int64 `json:"no_of_damages" validate:"gte=0"`
	Intact            int64 `json:"intact_quantity" validate:"gte=0"`
}

type fieldReportRequest struct {
	Notes     string              `json:"notes" validate:"max=1000"`
	Images    []string            `json:"images" validate:"max=20,dive,required"`
	LineItems []reportLineRequest `json:"line_items" validate:"required,min=1,dive"`
}

type failRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type orderLineResponse struct {
	ID              int64           `json:"id"`
	ProductID       int64           `json:"product_id"`
	AgreedPrice     decimal.Decimal `json:"agreed_price"`
	QuantityOrdered int64           `json:"quantity_ordered"`
	QuantityRemoved int64           `json:"quantity_removed"`
	Total           decimal.Decimal `json:"total"`
}

type orderResponse struct {
	ID           int64               `json:"id"`
	CustomerName string              `json:"customer_name"`
	Address      string              `json:"address"`
	SaleType     string              `json:"sale_type"`
	Status       string              `json:"status"`
	CreatedBy    int64               `json:"created_by"`
	CreatedAt    string              `json:"created_at"`
	Total        decimal.Decimal     `json:"total"`
	Lines        []orderLineResponse `json:"line_items"`
}

type deliveryLineResponse struct {
	ID                int64 `json:"id"`
	ProductID         int64 `json:"product_id"`
	QuantityAssigned  int64 `json:"quantity_assigned"`
	QuantityDelivered int64 `json:"quantity_delivered"`
	Damages           int64 `json:"no_of_damages"`
	Intact            int64 `json:"intact_quantity"`
}

type deliveryResponse struct {
	ID                int64                  `json:"id"`
	OrderID           int64                  `json:"purchase_order_id"`
	DeliveryManID     int64                  `json:"delivery_man_id"`
	Status            string                 `json:"status"`
	ReturnStatus      string                 `json:"return_status"`
	Notes             string                 `json:"notes,omitempty"`
	FieldReportImages []string               `json:"field_report_images"`
	FailureReason     string                 `json:"failure_reason,omitempty"`
	CreatedAt         string                 `json:"created_at"`
	UpdatedAt         string                 `json:"updated_at"`
	Lines             []deliveryLineResponse `json:"line_items"`
}

func toOrderResponse(o ledger.PurchaseOrder) orderResponse {
	out := orderResponse{
		ID:           o.ID,
		CustomerName: o.CustomerName,
		Address:      o.Address,
		SaleType:     string(o.SaleType),
		Status:       string(o.Status),
		CreatedBy:    o.CreatedBy,
		CreatedAt:    o.CreatedAt.Format(time.RFC3339),
		Total:        o.Total(),
		Lines:        make([]orderLineResponse, len(o.Lines)),
	}
	for i, l := range o.Lines {
		out.Lines[i] = orderLineResponse{
			ID:              l.ID,
			ProductID:       l.ProductID,
			AgreedPrice:     l.AgreedPrice,
			QuantityOrdered: l.QuantityOrdered,
			QuantityRemoved: l.QuantityRemoved,
			Total:           l.Total(),
		}
	}
	return out
}

func toDeliveryResponse(d ledger.Delivery) deliveryResponse {
	out := deliveryResponse{
		ID:                d.ID,
		OrderID:           d.OrderID,
		DeliveryManID:     d.DeliveryManID,
		Status:            string(d.Status),
		ReturnStatus:      string(d.ReturnStatus),
		Notes:             d.Notes,
		FieldReportImages: d.FieldReportImages,
		FailureReason:     d.FailureReason,
		CreatedAt:         d.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         d.UpdatedAt.Format(time.RFC3339),
		Lines:             make([]deliveryLineResponse, len(d.Lines)),
	}
	if out.FieldReportImages == nil {
		out.FieldReportImages = []string{}
	}
	for i, l := range d.Lines {
		out.Lines[i] = deliveryLineResponse{
			ID:                l.ID,
			ProductID:         l.ProductID,
			QuantityAssigned:  l.QuantityAssigned,
			QuantityDelivered: l.QuantityDelivered,
			Damages:           l.Damages,
			Intact:            l.Intact,
		}
	}
	return out
}

func toOrderLines(in []orderLineRequest) []OrderLineInput {
	out := make([]OrderLineInput, len(in))
	for i, l := range in {
		out[i] = OrderLineInput{ProductID: l.ProductID, Quantity: l.Quantity, AgreedPrice: l.AgreedPrice}
	}
	return out
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if !shared.IsRetryable(err) {
		h.logger.Warn("fulfillment request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func (h *Handler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := httpx.Bind(w, r, h.validator, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	order, err := h.service.CreateOrder(r.Context(), CreateOrderInput{
		CustomerName: req.CustomerName,
		Address:      req.Address,
		SaleType:     ledger.SaleType(req.SaleType),
		ActorID:      shared.ActorFromContext(r.Context()),
		Lines:        toOrderLines(req.Lines),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toOrderResponse(order))
}

func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	order, err := h.service.GetOrder(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) handleEditOrder(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req editOrderRequest
	if err := httpx.Bind(w, r, h.validator, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	order, err := h.service.EditOrder(r.Context(), EditOrderInput{
		OrderID:           id,
		ActorID:           shared.ActorFromContext(r.Context()),
		Lines:             toOrderLines(req.NewLineItems),
		RemovedProductIDs: req.RemovedProductIDs,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	order, err := h.service.CancelOrder(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	deliveries, err := h.service.ListDeliveries(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]deliveryResponse, len(deliveries))
	for i, d := range deliveries {
		out[i] = toDeliveryResponse(d)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"order_id": id, "deliveries": out})
}

func (h *Handler) handleCreateDelivery(w http.ResponseWriter, r *http.Request) {
	var req createDeliveryRequest
	if err := httpx.Bind(w, r, h.validator, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	items := make([]DeliveryItem, len(req.LineItems))
	for i, item := range req.LineItems {
		items[i] = DeliveryItem{ProductID: item.ProductID, Quantity: item.Quantity}
	}
	delivery, err := h.service.CreateDelivery(r.Context(), CreateDeliveryInput{
		OrderID:       req.OrderID,
		DeliveryManID: req.DeliveryManID,
		ActorID:       shared.ActorFromContext(r.Context()),
		Notes:         req.Notes,
		Items:         items,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toDeliveryResponse(delivery))
}

func (h *Handler) handleGetDelivery(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	delivery, err := h.service.GetDelivery(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toDeliveryResponse(delivery))
}

func (h *Handler) handleFieldReport(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req fieldReportRequest
	if err := httpx.Bind(w, r, h.validator, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	lines := make([]ReportLine, len(req.LineItems))
	for i, l := range req.LineItems {
		lines[i] = ReportLine{ProductID: l.ProductID, QuantityDelivered: l.QuantityDelivered, Damages: l.Damages, Intact: l.Intact}
	}
	delivery, err := h.service.SubmitFieldReport(r.Context(), FieldReportInput{
		DeliveryID: id,
		ActorID:    shared.ActorFromContext(r.Context()),
		Notes:      req.Notes,
		Images:     req.Images,
		Lines:      lines,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toDeliveryResponse(delivery))
}

func (h *Handler) handleAccept(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	delivery, err := h.service.AcceptDelivery(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toDeliveryResponse(delivery))
}

func (h *Handler) handleCancelDelivery(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.service.CancelDelivery(r.Context(), id, shared.ActorFromContext(r.Context())); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleFail(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req failRequest
	if err := httpx.Bind(w, r, h.validator, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	delivery, err := h.service.FailDelivery(r.Context(), FailDeliveryInput{
		DeliveryID: id,
		ActorID:    shared.ActorFromContext(r.Context()),
		Reason:     req.Reason,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toDeliveryResponse(delivery))
}
