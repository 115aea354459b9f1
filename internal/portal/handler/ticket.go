package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/portal/internal/auth"
	"github.com/dukerupert/portal/internal/notify"
	"github.com/dukerupert/portal/internal/portal/model"
	"github.com/dukerupert/portal/internal/portal/store"
)

type TicketHandler struct {
	ticketStore *store.TicketStore
	userStore   *store.UserStore
	notifier    notify.Notifier
	logger      *slog.Logger
}

func NewTicketHandler(ts *store.TicketStore, us *store.UserStore, notifier notify.Notifier, logger *slog.Logger) *TicketHandler {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &TicketHandler{ticketStore: ts, userStore: us, notifier: notifier, logger: logger}
}

// List returns the caller's tickets, or every ticket for admins.
func (h *TicketHandler) List(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())
	var customerID *int64
	if !p.IsAdmin() {
		customerID = &p.UserID
	} else {
		customerID = queryInt64(r, "customer_id")
	}
	tickets, err := h.ticketStore.List(customerID, model.TicketStatus(r.URL.Query().Get("status")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list tickets")
		return
	}
	if tickets == nil {
		tickets = []model.Ticket{}
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (h *TicketHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subject  string `json:"subject"`
		Body     string `json:"body"`
		Priority string `json:"priority"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Subject = strings.TrimSpace(req.Subject)
	req.Body = strings.TrimSpace(req.Body)
	if req.Subject == "" || req.Body == "" {
		writeError(w, http.StatusBadRequest, "subject and body are required")
		return
	}

	customerID := auth.UserID(r.Context())
	ticket, err := h.ticketStore.Create(customerID, req.Subject, req.Body, strings.ToUpper(req.Priority))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if customer, _ := h.userStore.GetByID(customerID); customer != nil {
		h.notifier.TicketCreated(r.Context(), customer, ticket)
	}
	writeJSON(w, http.StatusCreated, ticket)
}

// load returns the ticket if the caller may see it. It writes the response
// and returns nil otherwise.
func (h *TicketHandler) load(w http.ResponseWriter, r *http.Request) *model.Ticket {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return nil
	}
	ticket, err := h.ticketStore.GetByID(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load ticket")
		return nil
	}
	p, _ := auth.FromContext(r.Context())
	if ticket == nil || (!p.IsAdmin() && ticket.CustomerID != p.UserID) {
		writeError(w, http.StatusNotFound, "ticket not found")
		return nil
	}
	return ticket
}

func (h *TicketHandler) Get(w http.ResponseWriter, r *http.Request) {
	ticket := h.load(w, r)
	if ticket == nil {
		return
	}
	replies, err := h.ticketStore.Replies(ticket.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load replies")
		return
	}
	if replies == nil {
		replies = []model.TicketReply{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ticket": ticket, "replies": replies})
}

// Reply adds a reply. Replies by admins are staff replies and notify the
// customer; customer replies notify support.
func (h *TicketHandler) Reply(w http.ResponseWriter, r *http.Request) {
	ticket := h.load(w, r)
	if ticket == nil {
		return
	}
	var req struct {
		Body string `json:"body"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Body = strings.TrimSpace(req.Body)
	if req.Body == "" {
		writeError(w, http.StatusBadRequest, "body is required")
		return
	}
	if ticket.Status == model.TicketClosed {
		writeError(w, http.StatusConflict, "ticket is closed")
		return
	}

	p, _ := auth.FromContext(r.Context())
	reply, err := h.ticketStore.AddReply(ticket.ID, p.UserID, req.Body, p.IsAdmin())
	if err != nil {
		h.logger.Error("add ticket reply", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to add reply")
		return
	}
	if customer, _ := h.userStore.GetByID(ticket.CustomerID); customer != nil {
		h.notifier.TicketReplied(r.Context(), customer, ticket, reply)
	}
	writeJSON(w, http.StatusCreated, reply)
}

// UpdateStatus lets staff close or reopen a ticket.
func (h *TicketHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	ticket := h.load(w, r)
	if ticket == nil {
		return
	}
	var req struct {
		Status model.TicketStatus `json:"status"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !req.Status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	if err := h.ticketStore.UpdateStatus(ticket.ID, req.Status); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update ticket")
		return
	}
	ticket.Status = req.Status
	writeJSON(w, http.StatusOK, ticket)
}
