package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/portal/internal/auth"
	"github.com/dukerupert/portal/internal/portal/allocation"
	"github.com/dukerupert/portal/internal/portal/model"
	"github.com/dukerupert/portal/internal/portal/store"
	"github.com/dukerupert/portal/internal/portal/sweep"
)

// Sweeper runs and reports the subscription expiry sweep.
type Sweeper interface {
	RunOnce(ctx context.Context) (*sweep.Result, error)
	Status() sweep.Status
}

type AdminHandler struct {
	alloc         *allocation.Service
	portStore     *store.PortStore
	subStore      *store.SubscriptionStore
	logStore      *store.AllocationLogStore
	userStore     *store.UserStore
	planStore     *store.PlanStore
	settingsStore *store.SettingsStore
	sweeper       Sweeper
	logger        *slog.Logger
}

func NewAdminHandler(
	alloc *allocation.Service,
	ports *store.PortStore,
	subs *store.SubscriptionStore,
	logs *store.AllocationLogStore,
	users *store.UserStore,
	plans *store.PlanStore,
	settings *store.SettingsStore,
	sweeper Sweeper,
	logger *slog.Logger,
) *AdminHandler {
	return &AdminHandler{
		alloc:         alloc,
		portStore:     ports,
		subStore:      subs,
		logStore:      logs,
		userStore:     users,
		planStore:     plans,
		settingsStore: settings,
		sweeper:       sweeper,
		logger:        logger,
	}
}

// allocationError maps allocation sentinels onto HTTP statuses.
func (h *AdminHandler) allocationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, allocation.ErrPortNotFound),
		errors.Is(err, allocation.ErrSubscriptionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, allocation.ErrPortUnavailable),
		errors.Is(err, allocation.ErrPortAssigned),
		errors.Is(err, allocation.ErrPortNotAssigned),
		errors.Is(err, allocation.ErrNoAvailablePorts),
		errors.Is(err, allocation.ErrDuplicateURL),
		errors.Is(err, allocation.ErrSubscriptionInactive),
		errors.Is(err, allocation.ErrAlreadyAssigned),
		errors.Is(err, allocation.ErrNotAssigned):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, allocation.ErrInvalidPort),
		errors.Is(err, allocation.ErrInvalidStatus),
		errors.Is(err, allocation.ErrInvalidTransition):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("allocation operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// --- Ports ---

type portRequest struct {
	InstanceURL       string           `json:"instance_url"`
	PortNumber        *int             `json:"port_number"`
	DBHost            string           `json:"db_host"`
	DBName            string           `json:"db_name"`
	DBUsername        string           `json:"db_username"`
	DBPassword        string           `json:"db_password"`
	Status            model.PortStatus `json:"status"`
	ServerRegion      string           `json:"server_region"`
	SetupInstructions string           `json:"setup_instructions"`
}

func (req portRequest) input() store.PortInput {
	return store.PortInput{
		InstanceURL:       req.InstanceURL,
		PortNumber:        req.PortNumber,
		DBHost:            req.DBHost,
		DBName:            req.DBName,
		DBUsername:        req.DBUsername,
		DBPassword:        req.DBPassword,
		Status:            req.Status,
		ServerRegion:      req.ServerRegion,
		SetupInstructions: req.SetupInstructions,
	}
}

func (h *AdminHandler) ListPorts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ports, err := h.portStore.List(store.PortFilter{
		Status: model.PortStatus(q.Get("status")),
		Region: q.Get("region"),
		Search: q.Get("search"),
		Limit:  queryInt(r, "limit"),
		Offset: queryInt(r, "offset"),
	})
	if err != nil {
		h.logger.Error("list ports", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list ports")
		return
	}
	if ports == nil {
		ports = []model.Port{}
	}
	writeJSON(w, http.StatusOK, ports)
}

func (h *AdminHandler) CreatePort(w http.ResponseWriter, r *http.Request) {
	var req portRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Status != "" && !req.Status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	port, err := h.alloc.CreatePort(r.Context(), req.input(), auth.ActorID(r.Context()))
	if err != nil {
		h.allocationError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, port)
}

// GetPort returns a port together with its credential bundle. Only admins
// reach this route.
func (h *AdminHandler) GetPort(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	port, err := h.portStore.GetByID(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load port")
		return
	}
	if port == nil {
		writeError(w, http.StatusNotFound, "port not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"port": port, "credentials": port.Credentials()})
}

func (h *AdminHandler) UpdatePort(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var req portRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	port, err := h.alloc.UpdatePort(r.Context(), id, req.input())
	if err != nil {
		h.allocationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, port)
}

func (h *AdminHandler) DeletePort(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := h.alloc.DeletePort(r.Context(), id, auth.ActorID(r.Context())); err != nil {
		h.allocationError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) AssignPort(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var req struct {
		SubscriptionID int64 `json:"subscription_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	port, err := h.alloc.Assign(r.Context(), id, req.SubscriptionID, auth.ActorID(r.Context()))
	if err != nil {
		h.allocationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, port)
}

func (h *AdminHandler) ReleasePort(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var req struct {
		Notes string `json:"notes"`
	}
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}
	if err := h.alloc.Release(r.Context(), id, auth.ActorID(r.Context()), req.Notes); err != nil {
		h.allocationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *AdminHandler) SetPortStatus(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var req struct {
		Status model.PortStatus `json:"status"`
		Notes  string           `json:"notes"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	port, err := h.alloc.ChangeStatus(r.Context(), id, req.Status, auth.ActorID(r.Context()), req.Notes)
	if err != nil {
		h.allocationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, port)
}

func (h *AdminHandler) PortLogs(w http.ResponseWriter, r *http.Request) {
	h.logsBy(w, r, h.logStore.FindByPortID)
}

// SubscriptionLogs returns the allocation history of one subscription.
func (h *AdminHandler) SubscriptionLogs(w http.ResponseWriter, r *http.Request) {
	h.logsBy(w, r, h.logStore.FindBySubscriptionID)
}

// UserLogs returns the allocation history of one customer across all their
// subscriptions.
func (h *AdminHandler) UserLogs(w http.ResponseWriter, r *http.Request) {
	h.logsBy(w, r, h.logStore.FindByCustomerID)
}

func (h *AdminHandler) logsBy(w http.ResponseWriter, r *http.Request, find func(id int64, limit int) ([]model.PortAllocationLog, error)) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	logs, err := find(id, queryInt(r, "limit"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load logs")
		return
	}
	if logs == nil {
		logs = []model.PortAllocationLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

// PortStats reports how many ports are in each status.
func (h *AdminHandler) PortStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.portStore.CountByStatus()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count ports")
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// --- Subscriptions ---

func (h *AdminHandler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.subStore.List(store.SubscriptionFilter{
		CustomerID: queryInt64(r, "customer_id"),
		Status:     model.SubscriptionStatus(r.URL.Query().Get("status")),
		Limit:      queryInt(r, "limit"),
		Offset:     queryInt(r, "offset"),
	})
	if err != nil {
		h.logger.Error("list subscriptions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}
	if subs == nil {
		subs = []model.Subscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}

// AssignNext gives the subscription the oldest available port.
func (h *AdminHandler) AssignNext(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	port, err := h.alloc.AssignNext(r.Context(), id, auth.ActorID(r.Context()))
	if err != nil {
		h.allocationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, port)
}

func (h *AdminHandler) Reassign(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var req struct {
		PortID int64 `json:"port_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	port, err := h.alloc.Reassign(r.Context(), id, req.PortID, auth.ActorID(r.Context()))
	if err != nil {
		h.allocationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, port)
}

func (h *AdminHandler) Unassign(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var req struct {
		Notes string `json:"notes"`
	}
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}
	if err := h.alloc.Unassign(r.Context(), id, auth.ActorID(r.Context()), req.Notes); err != nil {
		h.allocationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *AdminHandler) Extend(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var req struct {
		Months int `json:"months"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Months <= 0 {
		writeError(w, http.StatusBadRequest, "months must be positive")
		return
	}
	sub, err := h.alloc.Extend(r.Context(), id, req.Months)
	if err != nil {
		h.allocationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *AdminHandler) SetSubscriptionStatus(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var req struct {
		Status model.SubscriptionStatus `json:"status"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	sub, err := h.alloc.SetSubscriptionStatus(r.Context(), id, req.Status)
	if err != nil {
		h.allocationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// --- Allocation log ---

// Logs lists the allocation log with optional filters and the unpaged total.
func (h *AdminHandler) Logs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.LogFilter{
		PortID:         queryInt64(r, "port_id"),
		SubscriptionID: queryInt64(r, "subscription_id"),
		CustomerID:     queryInt64(r, "customer_id"),
		Action:         model.AllocationAction(strings.ToUpper(q.Get("action"))),
		PerformedBy:    queryInt64(r, "performed_by"),
		DateFrom:       queryDate(r, "date_from"),
		DateTo:         queryDate(r, "date_to"),
		Search:         q.Get("search"),
		Limit:          queryInt(r, "limit"),
		Offset:         queryInt(r, "offset"),
	}
	logs, err := h.logStore.FindAllWithRelations(f)
	if err != nil {
		h.logger.Error("list allocation logs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list logs")
		return
	}
	total, err := h.logStore.Count(f)
	if err != nil {
		h.logger.Error("count allocation logs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list logs")
		return
	}
	if logs == nil {
		logs = []model.PortAllocationLogView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs, "total": total})
}

// --- Sweep ---

func (h *AdminHandler) RunSweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.sweeper.RunOnce(r.Context())
	if err != nil {
		h.logger.Error("manual sweep", "error", err)
		writeError(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"expired":     len(res.Expired),
		"duration_ms": res.Duration.Milliseconds(),
	})
}

func (h *AdminHandler) SweepStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sweeper.Status())
}

// --- Users ---

func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.userStore.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	if users == nil {
		users = []model.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *AdminHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string     `json:"email"`
		Name  string     `json:"name"`
		Role  model.Role `json:"role"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Role == "" {
		req.Role = model.RoleCustomer
	}
	if req.Role != model.RoleCustomer && req.Role != model.RoleAdmin {
		writeError(w, http.StatusBadRequest, "invalid role")
		return
	}
	if !strings.Contains(req.Email, "@") {
		writeError(w, http.StatusBadRequest, "a valid email is required")
		return
	}
	existing, err := h.userStore.GetByEmail(req.Email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "a user with this email already exists")
		return
	}
	user, err := h.userStore.Create(req.Email, req.Name, req.Role)
	if err != nil {
		h.logger.Error("create user", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// --- Plans ---

func (h *AdminHandler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name                string   `json:"name"`
		Slug                string   `json:"slug"`
		Description         string   `json:"description"`
		PriceCents          int64    `json:"price_cents"`
		Currency            string   `json:"currency"`
		BillingPeriodMonths int      `json:"billing_period_months"`
		StripePriceID       *string  `json:"stripe_price_id"`
		Features            []string `json:"features"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.Slug == "" || req.BillingPeriodMonths <= 0 {
		writeError(w, http.StatusBadRequest, "name, slug and a positive billing period are required")
		return
	}
	plan, err := h.planStore.Create(store.PlanInput{
		Name:                req.Name,
		Slug:                req.Slug,
		Description:         req.Description,
		PriceCents:          req.PriceCents,
		Currency:            req.Currency,
		BillingPeriodMonths: req.BillingPeriodMonths,
		StripePriceID:       req.StripePriceID,
		Active:              true,
		Features:            req.Features,
	})
	if err != nil {
		h.logger.Error("create plan", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create plan")
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

func (h *AdminHandler) SetPlanActive(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var req struct {
		Active bool `json:"active"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.planStore.SetActive(id, req.Active); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update plan")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// --- Settings ---

// hiddenSettings are never returned or accepted by the API.
var hiddenSettings = map[string]bool{
	store.SettingCredentialSalt: true,
	store.SettingVAPIDKeys:      true,
}

func (h *AdminHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	all, err := h.settingsStore.GetAll()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load settings")
		return
	}
	for k := range hiddenSettings {
		delete(all, k)
	}
	writeJSON(w, http.StatusOK, all)
}

func (h *AdminHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if !decodeJSON(w, r, &req) {
		return
	}
	for k := range req {
		if hiddenSettings[k] {
			writeError(w, http.StatusBadRequest, "setting "+k+" cannot be changed")
			return
		}
	}
	if err := h.settingsStore.SetMultiple(req); err != nil {
		h.logger.Error("update settings", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save settings")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
