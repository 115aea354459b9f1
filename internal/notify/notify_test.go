package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/portal/internal/portal/model"
	"github.com/dukerupert/portal/internal/push"
	"github.com/dukerupert/portal/internal/websocket"
)

type sentMail struct {
	kind string
	to   string
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *fakeMailer) record(kind, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{kind, to})
	return m.err
}

func (m *fakeMailer) SendSubscriptionPurchased(_ context.Context, to, _, _ string) error {
	return m.record("purchased", to)
}
func (m *fakeMailer) SendInstanceProvisioned(_ context.Context, to, _ string) error {
	return m.record("provisioned", to)
}
func (m *fakeMailer) SendSubscriptionExpired(_ context.Context, to, _ string, _ time.Time) error {
	return m.record("expired", to)
}
func (m *fakeMailer) SendTicketCreated(_ context.Context, to string, _ int64, _ string) error {
	return m.record("ticket_created", to)
}
func (m *fakeMailer) SendTicketReply(_ context.Context, to string, _ int64, _, _ string) error {
	return m.record("ticket_reply", to)
}

type fakeFeed struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (f *fakeFeed) Publish(ev websocket.Event) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
}

type sentPush struct {
	userID int64 // 0 for admins
	kind   string
	title  string
}

type fakePusher struct {
	mu   sync.Mutex
	sent []sentPush
}

func (p *fakePusher) PushToUser(_ context.Context, userID int64, kind string, payload push.Payload) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, sentPush{userID, kind, payload.Title})
	return 1, nil
}

func (p *fakePusher) PushToAdmins(_ context.Context, kind string, payload push.Payload) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, sentPush{0, kind, payload.Title})
	return 1, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatcherInstanceProvisioned(t *testing.T) {
	mailer := &fakeMailer{}
	d := NewDispatcher(mailer, nil, "", testLogger())

	d.InstanceProvisioned(context.Background(), &model.User{ID: 1, Email: "alice@example.com"}, &model.Port{InstanceURL: "https://a.example.com"})
	d.Wait()

	if len(mailer.sent) != 1 || mailer.sent[0] != (sentMail{"provisioned", "alice@example.com"}) {
		t.Errorf("sent = %+v", mailer.sent)
	}
}

func TestDispatcherTicketCreatedCopiesSupport(t *testing.T) {
	mailer := &fakeMailer{}
	feed := &fakeFeed{}
	d := NewDispatcher(mailer, feed, "support@example.com", testLogger())

	d.TicketCreated(context.Background(), &model.User{ID: 1, Email: "alice@example.com"}, &model.Ticket{ID: 5, Subject: "Help"})
	d.Wait()

	if len(mailer.sent) != 2 {
		t.Fatalf("sent = %d, want 2", len(mailer.sent))
	}
	if len(feed.events) != 1 || feed.events[0].Type != "TICKET_CREATED" {
		t.Errorf("events = %+v", feed.events)
	}
}

func TestDispatcherCustomerReplyGoesToSupport(t *testing.T) {
	mailer := &fakeMailer{}
	d := NewDispatcher(mailer, nil, "support@example.com", testLogger())

	customer := &model.User{ID: 1, Email: "alice@example.com"}
	d.TicketReplied(context.Background(), customer, &model.Ticket{ID: 5}, &model.TicketReply{Body: "still broken"})
	d.TicketReplied(context.Background(), customer, &model.Ticket{ID: 5}, &model.TicketReply{Body: "fixed", IsStaff: true})
	d.Wait()

	got := map[string]bool{}
	for _, m := range mailer.sent {
		got[m.to] = true
	}
	if !got["support@example.com"] || !got["alice@example.com"] {
		t.Errorf("recipients = %v", got)
	}
}

func TestDispatcherSwallowsMailErrors(t *testing.T) {
	mailer := &fakeMailer{err: errors.New("postmark down")}
	d := NewDispatcher(mailer, nil, "", testLogger())

	d.SubscriptionPurchased(context.Background(), &model.User{Email: "alice@example.com"}, &model.Plan{Name: "Monthly"}, &model.Order{Reference: "ORD-1"})
	d.Wait()

	if len(mailer.sent) != 1 {
		t.Errorf("sent = %d, want 1", len(mailer.sent))
	}
}

func TestDispatcherPortEvent(t *testing.T) {
	feed := &fakeFeed{}
	d := NewDispatcher(nil, feed, "", testLogger())

	subID, custID := int64(9), int64(4)
	d.PortEvent(context.Background(), &model.PortAllocationLog{
		PortID:         3,
		SubscriptionID: &subID,
		CustomerID:     &custID,
		Action:         model.ActionAssigned,
	}, "https://a.example.com")

	if len(feed.events) != 1 {
		t.Fatalf("events = %d, want 1", len(feed.events))
	}
	ev := feed.events[0]
	if ev.Type != "ASSIGNED" || ev.PortID != 3 || ev.SubscriptionID != 9 || ev.CustomerID != 4 {
		t.Errorf("event = %+v", ev)
	}
}

func TestDispatcherCancelledContextStillDelivers(t *testing.T) {
	mailer := &fakeMailer{}
	d := NewDispatcher(mailer, nil, "", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.InstanceProvisioned(ctx, &model.User{Email: "alice@example.com"}, &model.Port{})
	d.Wait()

	if len(mailer.sent) != 1 {
		t.Errorf("sent = %d, want 1", len(mailer.sent))
	}
}

func TestDispatcherPushes(t *testing.T) {
	pusher := &fakePusher{}
	d := NewDispatcher(nil, nil, "", testLogger(), WithPusher(pusher))

	customer := &model.User{ID: 7, Email: "alice@example.com"}
	ctx := context.Background()
	d.InstanceProvisioned(ctx, customer, &model.Port{InstanceURL: "https://a.example.com"})
	d.Wait()
	d.TicketReplied(ctx, customer, &model.Ticket{ID: 5}, &model.TicketReply{IsStaff: true})
	d.Wait()
	d.TicketReplied(ctx, customer, &model.Ticket{ID: 5}, &model.TicketReply{})
	d.Wait()
	d.SubscriptionExpired(ctx, customer, &model.Subscription{ID: 2, EndDate: time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)}, &model.Plan{Name: "Monthly"})
	d.Wait()

	want := []sentPush{
		{7, model.NotifInstanceProvisioned, "Your instance is ready"},
		{7, model.NotifTicketReply, "Reply on ticket #5"},
		{0, model.NotifTicketReply, "Reply on ticket #5"},
		{7, model.NotifSubscriptionExpired, "Subscription expired"},
		{0, model.NotifSubscriptionExpired, "Subscription expired"},
	}
	if len(pusher.sent) != len(want) {
		t.Fatalf("pushes = %+v, want %d", pusher.sent, len(want))
	}
	for i := range want {
		if pusher.sent[i] != want[i] {
			t.Errorf("push %d = %+v, want %+v", i, pusher.sent[i], want[i])
		}
	}
}
