package query

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/fulfillment/internal/platform/httpx"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// Handler exposes read models.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the query handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers read-only routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/orders/{id}/remaining-balance", h.handleRemaining)
	r.Get("/orders/{id}/summary", h.handleSummary)
	r.Get("/reorder-candidates", h.handleReorder)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if !shared.IsRetryable(err) {
		h.logger.Warn("query request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func (h *Handler) handleRemaining(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	balance, err := h.service.RemainingBalance(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, balance)
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	summary, err := h.service.OrderSummary(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) handleReorder(w http.ResponseWriter, r *http.Request) {
	page, err := h.service.ReorderCandidates(r.Context(), httpx.IntQuery(r, "page", 1), httpx.IntQuery(r, "per_page", shared.DefaultPerPage))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, page)
}
