package handler

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dukerupert/portal/internal/portal/model"
)

type fakeSessions struct {
	configured bool
	err        error
	order      *model.Order
}

func (f *fakeSessions) Configured() bool { return f.configured }

func (f *fakeSessions) CreateCheckoutSession(order *model.Order, _ *model.Plan, _ string) (string, string, error) {
	f.order = order
	if f.err != nil {
		return "", "", f.err
	}
	return "cs_test_1", "https://checkout.stripe.com/c/pay/cs_test_1", nil
}

func TestCheckoutNotConfigured(t *testing.T) {
	e := setup(t)
	h := NewCheckoutHandler(&fakeSessions{}, e.plans, e.orders, e.logger)

	rec := httptest.NewRecorder()
	h.CreateCheckoutSession(rec, as(jsonRequest("POST", "/api/checkout", map[string]string{"plan": "monthly"}), e.customer))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestCheckoutCreatesPendingOrder(t *testing.T) {
	e := setup(t)
	fs := &fakeSessions{configured: true}
	h := NewCheckoutHandler(fs, e.plans, e.orders, e.logger)

	rec := httptest.NewRecorder()
	h.CreateCheckoutSession(rec, as(jsonRequest("POST", "/api/checkout", map[string]string{"plan": "monthly"}), e.customer))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	body := decode(t, rec)
	if body["url"] != "https://checkout.stripe.com/c/pay/cs_test_1" {
		t.Errorf("url = %v", body["url"])
	}

	order, err := e.orders.GetByReference(body["reference"].(string))
	if err != nil || order == nil {
		t.Fatalf("order lookup: %v, %v", order, err)
	}
	if order.Status != model.OrderPending {
		t.Errorf("status = %s, want PENDING", order.Status)
	}
	if order.AmountCents != 4900 || order.CustomerID != e.customer.ID {
		t.Errorf("order = %+v", order)
	}
	if order.StripeSessionID == nil || *order.StripeSessionID != "cs_test_1" {
		t.Errorf("stripe session = %v, want cs_test_1", order.StripeSessionID)
	}
}

func TestCheckoutUnknownPlan(t *testing.T) {
	e := setup(t)
	h := NewCheckoutHandler(&fakeSessions{configured: true}, e.plans, e.orders, e.logger)

	rec := httptest.NewRecorder()
	h.CreateCheckoutSession(rec, as(jsonRequest("POST", "/api/checkout", map[string]string{"plan": "lifetime"}), e.customer))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCheckoutSessionFailureFailsOrder(t *testing.T) {
	e := setup(t)
	fs := &fakeSessions{configured: true, err: errors.New("stripe down")}
	h := NewCheckoutHandler(fs, e.plans, e.orders, e.logger)

	rec := httptest.NewRecorder()
	h.CreateCheckoutSession(rec, as(jsonRequest("POST", "/api/checkout", map[string]string{"plan": "monthly"}), e.customer))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	order, _ := e.orders.GetByID(fs.order.ID)
	if order.Status != model.OrderFailed {
		t.Errorf("status = %s, want FAILED", order.Status)
	}
}
