// Package notify dispatches customer mail, web push and admin feed events.
// Delivery is fire-and-forget: callers never wait on it and failures are
// only logged.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/portal/internal/portal/model"
	"github.com/dukerupert/portal/internal/push"
	"github.com/dukerupert/portal/internal/websocket"
)

// Notifier is the outbound notification surface used by the portal services.
type Notifier interface {
	SubscriptionPurchased(ctx context.Context, customer *model.User, plan *model.Plan, order *model.Order)
	InstanceProvisioned(ctx context.Context, customer *model.User, port *model.Port)
	SubscriptionExpired(ctx context.Context, customer *model.User, sub *model.Subscription, plan *model.Plan)
	TicketCreated(ctx context.Context, customer *model.User, ticket *model.Ticket)
	TicketReplied(ctx context.Context, recipient *model.User, ticket *model.Ticket, reply *model.TicketReply)
	PortEvent(ctx context.Context, entry *model.PortAllocationLog, instanceURL string)
}

// Mailer is the subset of email.Client the dispatcher sends through.
type Mailer interface {
	SendSubscriptionPurchased(ctx context.Context, toEmail, planName, orderRef string) error
	SendInstanceProvisioned(ctx context.Context, toEmail, instanceURL string) error
	SendSubscriptionExpired(ctx context.Context, toEmail, planName string, endDate time.Time) error
	SendTicketCreated(ctx context.Context, toEmail string, ticketID int64, subject string) error
	SendTicketReply(ctx context.Context, toEmail string, ticketID int64, subject, reply string) error
}

// Publisher receives admin feed events.
type Publisher interface {
	Publish(ev websocket.Event)
}

// Pusher fans a web push notification out to subscribed devices.
type Pusher interface {
	PushToUser(ctx context.Context, userID int64, kind string, p push.Payload) (int, error)
	PushToAdmins(ctx context.Context, kind string, p push.Payload) (int, error)
}

const sendTimeout = 30 * time.Second

type Dispatcher struct {
	mailer       Mailer
	feed         Publisher
	pusher       Pusher
	supportEmail string
	logger       *slog.Logger
	wg           sync.WaitGroup
}

type Option func(*Dispatcher)

// WithPusher enables web push delivery.
func WithPusher(p Pusher) Option {
	return func(d *Dispatcher) { d.pusher = p }
}

// NewDispatcher returns a Dispatcher. mailer and feed may be nil to disable
// that channel. supportEmail receives copies of new tickets when set.
func NewDispatcher(mailer Mailer, feed Publisher, supportEmail string, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		mailer:       mailer,
		feed:         feed,
		supportEmail: supportEmail,
		logger:       logger.With("component", "notify"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Wait blocks until in-flight deliveries finish. Used at shutdown and in tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) mail(ctx context.Context, kind, to string, send func(context.Context) error) {
	if d.mailer == nil || to == "" {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
		defer cancel()
		if err := send(ctx); err != nil {
			d.logger.Error("notification failed", "kind", kind, "to", to, "error", err)
			return
		}
		d.logger.Debug("notification sent", "kind", kind, "to", to)
	}()
}

func (d *Dispatcher) push(ctx context.Context, kind string, send func(context.Context) (int, error)) {
	if d.pusher == nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
		defer cancel()
		n, err := send(ctx)
		if err != nil {
			d.logger.Error("push failed", "kind", kind, "delivered", n, "error", err)
			return
		}
		d.logger.Debug("push sent", "kind", kind, "delivered", n)
	}()
}

func (d *Dispatcher) publish(ev websocket.Event) {
	if d.feed == nil {
		return
	}
	d.feed.Publish(ev)
}

func (d *Dispatcher) SubscriptionPurchased(ctx context.Context, customer *model.User, plan *model.Plan, order *model.Order) {
	d.mail(ctx, "subscription_purchased", customer.Email, func(ctx context.Context) error {
		return d.mailer.SendSubscriptionPurchased(ctx, customer.Email, plan.Name, order.Reference)
	})
	d.push(ctx, model.NotifSubscriptionPurchased, func(ctx context.Context) (int, error) {
		return d.pusher.PushToAdmins(ctx, model.NotifSubscriptionPurchased, push.Payload{
			Title: "New subscription",
			Body:  customer.Email + " purchased " + plan.Name,
			URL:   "/admin/subscriptions",
			Tag:   "order-" + order.Reference,
		})
	})
	d.publish(websocket.Event{Type: "SUBSCRIPTION_PURCHASED", CustomerID: customer.ID, Summary: plan.Name})
}

func (d *Dispatcher) InstanceProvisioned(ctx context.Context, customer *model.User, port *model.Port) {
	d.mail(ctx, "instance_provisioned", customer.Email, func(ctx context.Context) error {
		return d.mailer.SendInstanceProvisioned(ctx, customer.Email, port.InstanceURL)
	})
	d.push(ctx, model.NotifInstanceProvisioned, func(ctx context.Context) (int, error) {
		return d.pusher.PushToUser(ctx, customer.ID, model.NotifInstanceProvisioned, push.Payload{
			Title: "Your instance is ready",
			Body:  port.InstanceURL,
			URL:   "/account",
		})
	})
}

func (d *Dispatcher) SubscriptionExpired(ctx context.Context, customer *model.User, sub *model.Subscription, plan *model.Plan) {
	d.mail(ctx, "subscription_expired", customer.Email, func(ctx context.Context) error {
		return d.mailer.SendSubscriptionExpired(ctx, customer.Email, plan.Name, sub.EndDate)
	})
	d.push(ctx, model.NotifSubscriptionExpired, func(ctx context.Context) (int, error) {
		p := push.Payload{
			Title: "Subscription expired",
			Body:  plan.Name + " ended on " + sub.EndDate.Format(model.DateLayout),
			URL:   "/plans",
			Tag:   fmt.Sprintf("expired-%d", sub.ID),
		}
		if _, err := d.pusher.PushToUser(ctx, customer.ID, model.NotifSubscriptionExpired, p); err != nil {
			return 0, err
		}
		p.Body = customer.Email + ": " + p.Body
		p.URL = "/admin/subscriptions"
		return d.pusher.PushToAdmins(ctx, model.NotifSubscriptionExpired, p)
	})
	d.publish(websocket.Event{
		Type:           "SUBSCRIPTION_EXPIRED",
		SubscriptionID: sub.ID,
		CustomerID:     customer.ID,
		Summary:        plan.Name,
	})
}

func (d *Dispatcher) TicketCreated(ctx context.Context, customer *model.User, ticket *model.Ticket) {
	d.mail(ctx, "ticket_created", customer.Email, func(ctx context.Context) error {
		return d.mailer.SendTicketCreated(ctx, customer.Email, ticket.ID, ticket.Subject)
	})
	d.mail(ctx, "ticket_created_staff", d.supportEmail, func(ctx context.Context) error {
		return d.mailer.SendTicketCreated(ctx, d.supportEmail, ticket.ID, ticket.Subject)
	})
	d.push(ctx, model.NotifTicketCreated, func(ctx context.Context) (int, error) {
		return d.pusher.PushToAdmins(ctx, model.NotifTicketCreated, push.Payload{
			Title: fmt.Sprintf("New ticket #%d", ticket.ID),
			Body:  ticket.Subject,
			URL:   fmt.Sprintf("/admin/tickets/%d", ticket.ID),
		})
	})
	d.publish(websocket.Event{Type: "TICKET_CREATED", CustomerID: customer.ID, Summary: ticket.Subject})
}

func (d *Dispatcher) TicketReplied(ctx context.Context, recipient *model.User, ticket *model.Ticket, reply *model.TicketReply) {
	to := recipient.Email
	if !reply.IsStaff {
		to = d.supportEmail
	}
	d.mail(ctx, "ticket_reply", to, func(ctx context.Context) error {
		return d.mailer.SendTicketReply(ctx, to, ticket.ID, ticket.Subject, reply.Body)
	})
	d.push(ctx, model.NotifTicketReply, func(ctx context.Context) (int, error) {
		p := push.Payload{
			Title: fmt.Sprintf("Reply on ticket #%d", ticket.ID),
			Body:  ticket.Subject,
			Tag:   fmt.Sprintf("ticket-%d", ticket.ID),
		}
		if reply.IsStaff {
			p.URL = fmt.Sprintf("/tickets/%d", ticket.ID)
			return d.pusher.PushToUser(ctx, recipient.ID, model.NotifTicketReply, p)
		}
		p.URL = fmt.Sprintf("/admin/tickets/%d", ticket.ID)
		return d.pusher.PushToAdmins(ctx, model.NotifTicketReply, p)
	})
}

func (d *Dispatcher) PortEvent(ctx context.Context, entry *model.PortAllocationLog, instanceURL string) {
	ev := websocket.Event{
		Type:    string(entry.Action),
		PortID:  entry.PortID,
		Summary: instanceURL,
		At:      entry.Timestamp,
	}
	if entry.SubscriptionID != nil {
		ev.SubscriptionID = *entry.SubscriptionID
	}
	if entry.CustomerID != nil {
		ev.CustomerID = *entry.CustomerID
	}
	d.publish(ev)
}

// Nop discards every notification.
type Nop struct{}

func (Nop) SubscriptionPurchased(context.Context, *model.User, *model.Plan, *model.Order)      {}
func (Nop) InstanceProvisioned(context.Context, *model.User, *model.Port)                      {}
func (Nop) SubscriptionExpired(context.Context, *model.User, *model.Subscription, *model.Plan) {}
func (Nop) TicketCreated(context.Context, *model.User, *model.Ticket)                          {}
func (Nop) TicketReplied(context.Context, *model.User, *model.Ticket, *model.TicketReply)      {}
func (Nop) PortEvent(context.Context, *model.PortAllocationLog, string)                        {}

var (
	_ Notifier = (*Dispatcher)(nil)
	_ Notifier = Nop{}
)
