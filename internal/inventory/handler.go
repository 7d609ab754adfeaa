package inventory

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

// Handler wires HTTP endpoints for inventory module.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/products", h.handleCreateProduct)
	r.Get("/products/{id}", h.handleGetProduct)
	r.Get("/products/{id}/stock-card", h.handleStockCard)
	r.Get("/products/{id}/stock-check", h.handleStockCheck)
	r.Post("/restock", h.handleRestock)
	r.Post("/restock/batch", h.handleRestockBatch)
}

type productRequest struct {
	Name            string          `json:"name" validate:"required"`
	CategoryID      int64           `json:"category_id" validate:"gte=0"`
	OriginalPrice   decimal.Decimal `json:"original_price"`
	ReorderLevel    int64           `json:"reorder_level" validate:"gte=0"`
	InitialQuantity int64           `json:"initial_quantity" validate:"gte=0"`
}

type restockRequest struct {
	ProductID int64 `json:"product_id" validate:"required,gt=0"`
	Quantity  int64 `json:"quantity" validate:"required,gt=0"`
}

type restockBatchRequest struct {
	Items []restockRequest `json:"items" validate:"required,min=1,dive"`
}

type productResponse struct {
	ID             int64           `json:"id"`
	Name           string          `json:"name"`
	CategoryID     int64           `json:"category_id"`
	OriginalPrice  decimal.Decimal `json:"original_price"`
	QuantityOnHand int64           `json:"quantity_on_hand"`
	ReorderLevel   int64           `json:"reorder_level"`
	BelowReorder   bool            `json:"below_reorder"`
}

type restockResponse struct {
	ID        int64  `json:"id"`
	ProductID int64  `json:"product_id"`
	UserID    int64  `json:"user_id"`
	Quantity  int64  `json:"quantity"`
	CreatedAt string `json:"created_at"`
}

type movementResponse struct {
	ID           int64  `json:"id"`
	Kind         string `json:"kind"`
	Quantity     int64  `json:"quantity"`
	BalanceAfter int64  `json:"balance_after"`
	RefModule    string `json:"ref_module"`
	RefID        int64  `json:"ref_id"`
	BatchID      string `json:"batch_id"`
	CreatedAt    string `json:"created_at"`
}

func toProductResponse(p ledger.Product) productResponse {
	return productResponse{
		ID:             p.ID,
		Name:           p.Name,
		CategoryID:     p.CategoryID,
		OriginalPrice:  p.OriginalPrice,
		QuantityOnHand: p.QuantityOnHand,
		ReorderLevel:   p.ReorderLevel,
		BelowReorder:   p.BelowReorder(),
	}
}

func toRestockResponse(r ledger.RestockTransaction) restockResponse {
	return restockResponse{ID: r.ID, ProductID: r.ProductID, UserID: r.UserID, Quantity: r.Quantity, CreatedAt: r.CreatedAt.Format(time.RFC3339)}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if !shared.IsRetryable(err) {
		h.logger.Warn("inventory request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func (h *Handler) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req productRequest
	if err := httpx.Bind(w, r, h.validator, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	product, err := h.service.CreateProduct(r.Context(), ProductInput{
		Name:            req.Name,
		CategoryID:      req.CategoryID,
		OriginalPrice:   req.OriginalPrice,
		ReorderLevel:    req.ReorderLevel,
		InitialQuantity: req.InitialQuantity,
		ActorID:         shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toProductResponse(product))
}

func (h *Handler) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	product, err := h.service.GetProduct(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toProductResponse(product))
}

func (h *Handler) handleStockCard(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	movements, err := h.service.StockCard(r.Context(), id, httpx.IntQuery(r, "limit", 0))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]movementResponse, 0, len(movements))
	for _, m := range movements {
		out = append(out, movementResponse{
			ID:           m.ID,
			Kind:         string(m.Kind),
			Quantity:     m.Quantity,
			BalanceAfter: m.BalanceAfter,
			RefModule:    m.RefModule,
			RefID:        m.RefID,
			BatchID:      m.BatchID.String(),
			CreatedAt:    m.CreatedAt.Format(time.RFC3339),
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"product_id": id, "movements": out})
}

func (h *Handler) handleStockCheck(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	check, err := h.service.VerifyStock(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, check)
}

func (h *Handler) handleRestock(w http.ResponseWriter, r *http.Request) {
	var req restockRequest
	if err := httpx.Bind(w, r, h.validator, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	restock, err := h.service.Restock(r.Context(), RestockInput{
		ProductID:      req.ProductID,
		UserID:         shared.ActorFromContext(r.Context()),
		Quantity:       req.Quantity,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toRestockResponse(restock))
}

func (h *Handler) handleRestockBatch(w http.ResponseWriter, r *http.Request) {
	var req restockBatchRequest
	if err := httpx.Bind(w, r, h.validator, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	items := make([]RestockItem, len(req.Items))
	for i, item := range req.Items {
		items[i] = RestockItem{ProductID: item.ProductID, Quantity: item.Quantity}
	}
	results, err := h.service.RestockBatch(r.Context(), shared.ActorFromContext(r.Context()), items)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]restockResponse, len(results))
	for i, rt := range results {
		out[i] = toRestockResponse(rt)
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"restocks": out})
}
