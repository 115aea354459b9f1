package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/portal/internal/auth"
	"github.com/dukerupert/portal/internal/portal/model"
	"github.com/dukerupert/portal/internal/portal/store"
)

// CheckoutSessions creates hosted payment pages.
type CheckoutSessions interface {
	Configured() bool
	CreateCheckoutSession(order *model.Order, plan *model.Plan, customerEmail string) (id, url string, err error)
}

type CheckoutHandler struct {
	sessions   CheckoutSessions
	planStore  *store.PlanStore
	orderStore *store.OrderStore
	logger     *slog.Logger
}

func NewCheckoutHandler(cs CheckoutSessions, ps *store.PlanStore, ords *store.OrderStore, logger *slog.Logger) *CheckoutHandler {
	return &CheckoutHandler{
		sessions:   cs,
		planStore:  ps,
		orderStore: ords,
		logger:     logger,
	}
}

// CreateCheckoutSession records a PENDING order for a plan and returns the
// payment page URL.
func (h *CheckoutHandler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil || !h.sessions.Configured() {
		writeError(w, http.StatusServiceUnavailable, "checkout is not available")
		return
	}
	var req struct {
		Plan string `json:"plan"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	plan, err := h.planStore.GetBySlug(strings.TrimSpace(req.Plan))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load plan")
		return
	}
	if plan == nil || !plan.Active {
		writeError(w, http.StatusNotFound, "plan not found")
		return
	}

	p, _ := auth.FromContext(r.Context())
	order, err := h.orderStore.Create(p.UserID, plan)
	if err != nil {
		h.logger.Error("create order", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create order")
		return
	}

	sessionID, url, err := h.sessions.CreateCheckoutSession(order, plan, p.Email)
	if err != nil {
		h.logger.Error("create checkout session", "order", order.Reference, "error", err)
		if uerr := h.orderStore.UpdateStatus(order.ID, model.OrderFailed); uerr != nil {
			h.logger.Error("fail order", "error", uerr)
		}
		writeError(w, http.StatusBadGateway, "failed to create checkout session")
		return
	}
	if err := h.orderStore.SetStripeSession(order.ID, sessionID); err != nil {
		h.logger.Error("store checkout session", "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"url":       url,
		"reference": order.Reference,
	})
}
