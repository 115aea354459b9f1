package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukerupert/portal/internal/auth"
	"github.com/dukerupert/portal/internal/portal/model"
	"github.com/dukerupert/portal/internal/portal/otp"
	"github.com/dukerupert/portal/internal/portal/store"
)

// PortalHandler serves the signed-in customer's own records.
type PortalHandler struct {
	userStore    *store.UserStore
	subStore     *store.SubscriptionStore
	planStore    *store.PlanStore
	portStore    *store.PortStore
	orderStore   *store.OrderStore
	ticketStore  *store.TicketStore
	otp          *otp.Service
	revealWindow time.Duration
	logger       *slog.Logger
}

func NewPortalHandler(
	us *store.UserStore,
	ss *store.SubscriptionStore,
	ps *store.PlanStore,
	pts *store.PortStore,
	ords *store.OrderStore,
	ts *store.TicketStore,
	otpSvc *otp.Service,
	revealWindow time.Duration,
	logger *slog.Logger,
) *PortalHandler {
	if revealWindow <= 0 {
		revealWindow = otp.DefaultRevealWindow
	}
	return &PortalHandler{
		userStore:    us,
		subStore:     ss,
		planStore:    ps,
		portStore:    pts,
		orderStore:   ords,
		ticketStore:  ts,
		otp:          otpSvc,
		revealWindow: revealWindow,
		logger:       logger,
	}
}

// currentSubscription prefers an ACTIVE subscription and falls back to the
// most recent one of any status.
func (h *PortalHandler) currentSubscription(customerID int64) (*model.Subscription, error) {
	sub, err := h.subStore.FindActiveByCustomerID(customerID)
	if err != nil || sub != nil {
		return sub, err
	}
	return h.subStore.FindLatestByCustomerID(customerID)
}

func (h *PortalHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	customerID := auth.UserID(r.Context())
	user, err := h.userStore.GetByID(customerID)
	if err != nil || user == nil {
		writeError(w, http.StatusUnauthorized, "account not found")
		return
	}

	resp := map[string]any{"user": user}

	sub, err := h.currentSubscription(customerID)
	if err != nil {
		h.logger.Error("dashboard subscription", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load subscription")
		return
	}
	resp["subscription"] = sub
	if sub != nil {
		plan, err := h.planStore.GetByID(sub.PlanID)
		if err != nil {
			h.logger.Error("dashboard plan", "error", err, "plan_id", sub.PlanID)
		}
		resp["plan"] = plan
		resp["days_remaining"] = daysRemaining(sub, time.Now())
		if sub.AssignedPortID != nil {
			port, err := h.portStore.GetByID(*sub.AssignedPortID)
			if err != nil {
				h.logger.Error("dashboard port", "error", err, "port_id", *sub.AssignedPortID)
			}
			resp["port"] = port
		}
	}

	tickets, err := h.ticketStore.List(&customerID, "")
	if err != nil {
		h.logger.Error("dashboard tickets", "error", err)
	}
	open := 0
	for _, t := range tickets {
		if t.Status != model.TicketClosed {
			open++
		}
	}
	resp["open_tickets"] = open
	writeJSON(w, http.StatusOK, resp)
}

func daysRemaining(sub *model.Subscription, now time.Time) int {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	d := int(sub.EndDate.Sub(today).Hours() / 24)
	return max(d, 0)
}

// Subscription returns the customer's subscription history, newest first,
// with the plan of the current one.
func (h *PortalHandler) Subscription(w http.ResponseWriter, r *http.Request) {
	customerID := auth.UserID(r.Context())
	sub, err := h.currentSubscription(customerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load subscription")
		return
	}
	history, err := h.subStore.ListByCustomerID(customerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load subscriptions")
		return
	}
	if history == nil {
		history = []model.Subscription{}
	}

	resp := map[string]any{"subscription": sub, "history": history}
	if sub != nil {
		plan, err := h.planStore.GetByID(sub.PlanID)
		if err != nil {
			h.logger.Error("subscription plan", "error", err, "plan_id", sub.PlanID)
		}
		resp["plan"] = plan
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *PortalHandler) Orders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orderStore.ListByCustomerID(auth.UserID(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *PortalHandler) Plans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.planStore.ListActive()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list plans")
		return
	}
	if plans == nil {
		plans = []model.Plan{}
	}
	writeJSON(w, http.StatusOK, plans)
}

// ownPort returns the port assigned to the principal's ACTIVE subscription.
// Expired and cancelled customers keep their history but not their instance.
func (h *PortalHandler) ownPort(r *http.Request) (*model.Port, error) {
	sub, err := h.subStore.FindActiveByCustomerID(auth.UserID(r.Context()))
	if err != nil || sub == nil {
		return nil, err
	}
	return h.portStore.FindBySubscriptionID(sub.ID)
}

func (h *PortalHandler) credentialsUnlocked(r *http.Request) (bool, error) {
	p, _ := auth.FromContext(r.Context())
	return h.otp.RecentlyVerified(r.Context(), p.Email, otp.PurposeCredentials, h.revealWindow)
}

// MyPort describes the customer's instance. Database credentials are never
// part of this response; see MyPortCredentials.
func (h *PortalHandler) MyPort(w http.ResponseWriter, r *http.Request) {
	port, err := h.ownPort(r)
	if err != nil {
		h.logger.Error("my port", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load port")
		return
	}
	if port == nil {
		writeError(w, http.StatusNotFound, "no instance has been assigned yet")
		return
	}
	unlocked, err := h.credentialsUnlocked(r)
	if err != nil {
		h.logger.Error("reveal check", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":            true,
		"port":               port,
		"credentials_locked": !unlocked,
	})
}

// MyPortCredentials returns the credential bundle only after a credentials
// code was verified within the reveal window.
func (h *PortalHandler) MyPortCredentials(w http.ResponseWriter, r *http.Request) {
	port, err := h.ownPort(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load port")
		return
	}
	if port == nil {
		writeError(w, http.StatusNotFound, "no instance has been assigned yet")
		return
	}
	unlocked, err := h.credentialsUnlocked(r)
	if err != nil {
		h.logger.Error("reveal check", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to check verification")
		return
	}
	if !unlocked {
		writeError(w, http.StatusForbidden, "verification required")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	h.logger.Info("credentials revealed", "user_id", auth.UserID(r.Context()), "port_id", port.ID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "credentials": port.Credentials()})
}

// principalEmail checks that a request body's email belongs to the caller.
func principalEmail(r *http.Request, email string) bool {
	p, ok := auth.FromContext(r.Context())
	return ok && strings.EqualFold(strings.TrimSpace(email), p.Email)
}

// SendOTP issues a credentials code: {email, purpose} -> {success, expires_in}.
func (h *PortalHandler) SendOTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email   string `json:"email"`
		Purpose string `json:"purpose"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Purpose == "" {
		req.Purpose = otp.PurposeCredentials
	}
	if req.Purpose != otp.PurposeCredentials {
		writeError(w, http.StatusBadRequest, otp.ErrInvalidPurpose.Error())
		return
	}
	if !principalEmail(r, req.Email) {
		writeError(w, http.StatusForbidden, "email does not match the signed-in account")
		return
	}

	res, err := h.otp.Send(r.Context(), req.Email, req.Purpose)
	if errors.Is(err, otp.ErrCooldown) {
		writeCooldown(w, res)
		return
	}
	if err != nil {
		h.logger.Error("send otp", "error", err)
		writeError(w, http.StatusBadGateway, "failed to send code")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"expires_in": int(res.ExpiresIn.Seconds()),
	})
}

// VerifyOTP checks a credentials code: {email, otp} -> {success} or
// {success: false, error}.
func (h *PortalHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		OTP   string `json:"otp"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !principalEmail(r, req.Email) {
		writeError(w, http.StatusForbidden, "email does not match the signed-in account")
		return
	}
	if err := h.otp.Verify(r.Context(), req.Email, otp.PurposeCredentials, req.OTP); err != nil {
		writeOTPError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
