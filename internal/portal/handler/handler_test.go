package handler

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/dukerupert/portal/internal/auth"
	"github.com/dukerupert/portal/internal/notify"
	"github.com/dukerupert/portal/internal/portal/allocation"
	"github.com/dukerupert/portal/internal/portal/database"
	"github.com/dukerupert/portal/internal/portal/model"
	"github.com/dukerupert/portal/internal/portal/otp"
	"github.com/dukerupert/portal/internal/portal/store"
)

type codeSender struct {
	mu    sync.Mutex
	codes map[string]string
}

func (s *codeSender) SendOTP(_ context.Context, to, code, purpose string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.codes == nil {
		s.codes = make(map[string]string)
	}
	s.codes[to+"/"+purpose] = code
	return nil
}

func (s *codeSender) code(email, purpose string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codes[email+"/"+purpose]
}

type recordingNotifier struct {
	notify.Nop
	mu        sync.Mutex
	purchased []string
	created   []int64
	replies   []string
}

func (n *recordingNotifier) SubscriptionPurchased(_ context.Context, _ *model.User, _ *model.Plan, order *model.Order) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.purchased = append(n.purchased, order.Reference)
}

func (n *recordingNotifier) TicketCreated(_ context.Context, _ *model.User, ticket *model.Ticket) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created = append(n.created, ticket.ID)
}

func (n *recordingNotifier) TicketReplied(_ context.Context, recipient *model.User, _ *model.Ticket, reply *model.TicketReply) {
	n.mu.Lock()
	defer n.mu.Unlock()
	who := "customer"
	if reply.IsStaff {
		who = "staff"
	}
	n.replies = append(n.replies, who+":"+recipient.Email)
}

type env struct {
	db       *sql.DB
	logger   *slog.Logger
	users    *store.UserStore
	sessions *store.SessionStore
	plans    *store.PlanStore
	ports    *store.PortStore
	subs     *store.SubscriptionStore
	orders   *store.OrderStore
	tickets  *store.TicketStore
	logs     *store.AllocationLogStore
	settings *store.SettingsStore
	otp      *otp.Service
	sender   *codeSender
	alloc    *allocation.Service
	notifier *recordingNotifier

	customer *model.User
	admin    *model.User
	plan     *model.Plan
}

func setup(t *testing.T) *env {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := &env{
		db:       db,
		logger:   logger,
		users:    store.NewUserStore(db),
		sessions: store.NewSessionStore(db),
		plans:    store.NewPlanStore(db),
		ports:    store.NewPortStore(db, nil),
		subs:     store.NewSubscriptionStore(db),
		orders:   store.NewOrderStore(db),
		tickets:  store.NewTicketStore(db),
		logs:     store.NewAllocationLogStore(db),
		settings: store.NewSettingsStore(db),
		sender:   &codeSender{},
		notifier: &recordingNotifier{},
	}
	e.otp = otp.NewService(store.NewOTPStore(db), e.sender, logger, otp.WithHashCost(bcrypt.MinCost))
	e.alloc = allocation.NewService(db, e.ports, e.notifier, logger)

	if e.customer, err = e.users.Create("alice@example.com", "Alice", model.RoleCustomer); err != nil {
		t.Fatalf("create customer: %v", err)
	}
	if e.admin, err = e.users.Create("ops@example.com", "Ops", model.RoleAdmin); err != nil {
		t.Fatalf("create admin: %v", err)
	}
	e.plan, err = e.plans.Create(store.PlanInput{
		Name:                "Monthly",
		Slug:                "monthly",
		PriceCents:          4900,
		Currency:            "USD",
		BillingPeriodMonths: 1,
		Active:              true,
		Features:            []string{"Managed database"},
	})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	return e
}

func (e *env) port(t *testing.T, url string) *model.Port {
	t.Helper()
	p, err := e.ports.Create(store.PortInput{
		InstanceURL: url,
		DBHost:      "db.internal",
		DBName:      "app",
		DBUsername:  "app_user",
		DBPassword:  "hunter2",
	})
	if err != nil {
		t.Fatalf("create port: %v", err)
	}
	return p
}

func (e *env) subscription(t *testing.T, customerID int64, status model.SubscriptionStatus) *model.Subscription {
	t.Helper()
	s, err := e.subs.Create(store.SubscriptionInput{
		CustomerID: customerID,
		PlanID:     e.plan.ID,
		StartDate:  time.Now().UTC(),
		Status:     status,
	})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	return s
}

func as(r *http.Request, u *model.User) *http.Request {
	return r.WithContext(auth.WithPrincipal(r.Context(), auth.Principal{
		UserID: u.ID,
		Email:  u.Email,
		Name:   u.Name,
		Role:   u.Role,
	}))
}

func jsonRequest(method, target string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	r := httptest.NewRequest(method, target, &buf)
	r.Header.Set("Content-Type", "application/json")
	return r
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}
