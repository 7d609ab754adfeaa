package returns

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/fulfillment/internal/ledger"
	"github.com/odyssey-erp/fulfillment/internal/platform/httpx"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// Handler exposes return reconciliation over HTTP.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs the returns handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers return routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/deliveries/{id}/returns", h.handleList)
	r.Post("/returns/{id}/resolve", h.handleResolve)
}

type resolveRequest struct {
	Resolution string `json:"resolution" validate:"required,oneof=Restocked WrittenOff Refunded"`
	Note       string `json:"note" validate:"max=500"`
}

type resolutionResponse struct {
	Resolution string `json:"resolution"`
	ResolvedBy int64  `json:"resolved_by"`
	ResolvedAt string `json:"resolved_at"`
	Note       string `json:"note,omitempty"`
}

type returnResponse struct {
	ID         int64               `json:"id"`
	DeliveryID int64               `json:"delivery_id"`
	ProductID  int64               `json:"product_id"`
	Quantity   int64               `json:"quantity"`
	OpenedAt   string              `json:"opened_at"`
	Resolution *resolutionResponse `json:"resolution,omitempty"`
}

func toReturnResponse(e ledger.ReturnEntry) returnResponse {
	out := returnResponse{
		ID:         e.ID,
		DeliveryID: e.DeliveryID,
		ProductID:  e.ProductID,
		Quantity:   e.Quantity,
		OpenedAt:   e.OpenedAt.Format(time.RFC3339),
	}
	if e.Resolution != nil {
		out.Resolution = &resolutionResponse{
			Resolution: string(e.Resolution.Resolution),
			ResolvedBy: e.Resolution.ResolvedBy,
			ResolvedAt: e.Resolution.ResolvedAt.Format(time.RFC3339),
			Note:       e.Resolution.Note,
		}
	}
	return out
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if !shared.IsRetryable(err) {
		h.logger.Warn("returns request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	entries, err := h.service.List(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]returnResponse, len(entries))
	for i, e := range entries {
		out[i] = toReturnResponse(e)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"delivery_id": id, "returns": out})
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req resolveRequest
	if err := httpx.Bind(w, r, h.validator, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	result, err := h.service.Resolve(r.Context(), ResolveInput{
		ReturnID:   id,
		Resolution: ledger.Resolution(req.Resolution),
		ActorID:    shared.ActorFromContext(r.Context()),
		Note:       req.Note,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"return":           toReturnResponse(result.Return),
		"return_status":    result.ReturnStatus,
		"order_status":     result.OrderStatus,
		"already_resolved": result.AlreadyResolved,
	})
}
