package stripe

import (
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"
	checksession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dukerupert/portal/internal/portal/model"
)

type Config struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
}

type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	stripe.Key = cfg.SecretKey
	return &Client{cfg: cfg}
}

// Configured reports whether checkout can be offered.
func (c *Client) Configured() bool {
	return c.cfg.SecretKey != ""
}

// CheckoutParams builds the session request for one order. Plans with a
// Stripe price use it; others are priced inline from the order amount. The
// order reference travels as client_reference_id so the webhook can find it.
func (c *Client) CheckoutParams(order *model.Order, plan *model.Plan, customerEmail string) *stripe.CheckoutSessionParams {
	item := &stripe.CheckoutSessionLineItemParams{Quantity: stripe.Int64(1)}
	if plan.StripePriceID != nil && *plan.StripePriceID != "" {
		item.Price = stripe.String(*plan.StripePriceID)
	} else {
		item.PriceData = &stripe.CheckoutSessionLineItemPriceDataParams{
			Currency:   stripe.String(strings.ToLower(order.Currency)),
			UnitAmount: stripe.Int64(order.AmountCents),
			ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
				Name: stripe.String(plan.Name),
			},
		}
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems:         []*stripe.CheckoutSessionLineItemParams{item},
		ClientReferenceID: stripe.String(order.Reference),
		CustomerEmail:     stripe.String(customerEmail),
		SuccessURL:        stripe.String(c.cfg.SuccessURL),
		CancelURL:         stripe.String(c.cfg.CancelURL),
	}
	params.AddMetadata("order_reference", order.Reference)
	params.AddMetadata("plan", plan.Slug)
	return params
}

// CreateCheckoutSession creates a Stripe checkout session and returns its ID
// and URL.
func (c *Client) CreateCheckoutSession(order *model.Order, plan *model.Plan, customerEmail string) (string, string, error) {
	sess, err := checksession.New(c.CheckoutParams(order, plan, customerEmail))
	if err != nil {
		return "", "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.ID, sess.URL, nil
}

// ConstructWebhookEvent verifies the signature and returns the parsed event.
func (c *Client) ConstructWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	return webhook.ConstructEvent(payload, sigHeader, c.cfg.WebhookSecret)
}
