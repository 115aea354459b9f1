package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/dukerupert/portal/internal/notify"
	"github.com/dukerupert/portal/internal/portal/allocation"
	"github.com/dukerupert/portal/internal/portal/model"
	"github.com/dukerupert/portal/internal/portal/store"
)

// EventVerifier checks a webhook signature and decodes the event.
type EventVerifier interface {
	ConstructWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error)
}

// Assigner hands a newly purchased subscription its first port.
type Assigner interface {
	AssignNext(ctx context.Context, subscriptionID int64, performedBy *int64) (*model.Port, error)
}

type WebhookHandler struct {
	db       *sql.DB
	events   EventVerifier
	assigner Assigner
	notifier notify.Notifier
	logger   *slog.Logger
}

func NewWebhookHandler(db *sql.DB, ev EventVerifier, assigner Assigner, notifier notify.Notifier, logger *slog.Logger) *WebhookHandler {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &WebhookHandler{
		db:       db,
		events:   ev,
		assigner: assigner,
		notifier: notifier,
		logger:   logger,
	}
}

func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 65536))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	event, err := h.events.ConstructWebhookEvent(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("webhook signature rejected", "error", err)
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		err = h.handleCheckoutPaid(r.Context(), event)
	case "checkout.session.expired", "checkout.session.async_payment_failed":
		err = h.handleCheckoutFailed(event)
	}
	if err != nil {
		h.logger.Error("webhook", "type", event.Type, "error", err)
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *WebhookHandler) handleCheckoutPaid(ctx context.Context, event stripe.Event) error {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return fmt.Errorf("unmarshal checkout session: %w", err)
	}
	if sess.PaymentStatus != "" && sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		h.logger.Info("checkout awaiting payment", "session", sess.ID, "payment_status", sess.PaymentStatus)
		return nil
	}
	if sess.ClientReferenceID == "" {
		h.logger.Warn("checkout session missing order reference", "session", sess.ID)
		return nil
	}

	sub, err := h.FulfilOrder(ctx, sess.ClientReferenceID)
	if err != nil || sub == nil {
		return err
	}

	port, err := h.assigner.AssignNext(ctx, sub.ID, nil)
	switch {
	case errors.Is(err, allocation.ErrNoAvailablePorts):
		h.logger.Warn("no port available, subscription awaits allocation", "subscription_id", sub.ID)
	case err != nil:
		h.logger.Error("auto assign", "subscription_id", sub.ID, "error", err)
	default:
		h.logger.Info("port auto-assigned", "subscription_id", sub.ID, "port_id", port.ID)
	}
	return nil
}

// FulfilOrder marks the order PAID and creates its PENDING_ALLOCATION
// subscription in one transaction. An order that is already settled yields
// (nil, nil) so redelivered events are ignored.
func (h *WebhookHandler) FulfilOrder(ctx context.Context, reference string) (*model.Subscription, error) {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	orders := store.NewOrderStore(tx)
	order, err := orders.GetByReference(reference)
	if err != nil {
		return nil, err
	}
	if order == nil {
		h.logger.Warn("webhook for unknown order", "reference", reference)
		return nil, nil
	}
	paid, err := orders.MarkPaid(order.ID)
	if err != nil {
		return nil, err
	}
	if !paid {
		h.logger.Info("order already settled", "reference", reference, "status", order.Status)
		return nil, nil
	}

	sub, err := store.NewSubscriptionStore(tx).Create(store.SubscriptionInput{
		CustomerID: order.CustomerID,
		PlanID:     order.PlanID,
		Status:     model.SubPendingAllocation,
		OrderID:    &order.ID,
	})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	order.Status = model.OrderPaid
	h.logger.Info("order paid", "reference", reference, "subscription_id", sub.ID)

	customer, _ := store.NewUserStore(h.db).GetByID(order.CustomerID)
	plan, _ := store.NewPlanStore(h.db).GetByID(order.PlanID)
	if customer != nil && plan != nil {
		h.notifier.SubscriptionPurchased(ctx, customer, plan, order)
	}
	return sub, nil
}

func (h *WebhookHandler) handleCheckoutFailed(event stripe.Event) error {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return fmt.Errorf("unmarshal checkout session: %w", err)
	}
	orders := store.NewOrderStore(h.db)
	order, err := orders.GetByReference(sess.ClientReferenceID)
	if err != nil || order == nil || order.Status != model.OrderPending {
		return err
	}
	h.logger.Info("checkout failed", "reference", order.Reference)
	return orders.UpdateStatus(order.ID, model.OrderFailed)
}
