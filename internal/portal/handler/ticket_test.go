package handler

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dukerupert/portal/internal/portal/model"
)

func createTicket(t *testing.T, h *TicketHandler, u *model.User) int64 {
	t.Helper()
	rec := httptest.NewRecorder()
	h.Create(rec, as(jsonRequest("POST", "/api/tickets", map[string]string{
		"subject": "Cannot connect",
		"body":    "Connection refused on port 5432",
	}), u))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201: %s", rec.Code, rec.Body)
	}
	return int64(decode(t, rec)["id"].(float64))
}

func withID(r *http.Request, id int64) *http.Request {
	r.SetPathValue("id", fmt.Sprint(id))
	return r
}

func TestTicketCreateNotifies(t *testing.T) {
	e := setup(t)
	h := NewTicketHandler(e.tickets, e.users, e.notifier, e.logger)

	id := createTicket(t, h, e.customer)
	if len(e.notifier.created) != 1 || e.notifier.created[0] != id {
		t.Errorf("created notices = %v, want [%d]", e.notifier.created, id)
	}
}

func TestTicketCreateValidation(t *testing.T) {
	e := setup(t)
	h := NewTicketHandler(e.tickets, e.users, e.notifier, e.logger)

	rec := httptest.NewRecorder()
	h.Create(rec, as(jsonRequest("POST", "/api/tickets", map[string]string{"subject": " "}), e.customer))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.Create(rec, as(jsonRequest("POST", "/api/tickets", map[string]string{"subject": "s", "body": "b", "priority": "whenever"}), e.customer))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad priority status = %d, want 400", rec.Code)
	}
}

func TestTicketOwnership(t *testing.T) {
	e := setup(t)
	h := NewTicketHandler(e.tickets, e.users, e.notifier, e.logger)
	id := createTicket(t, h, e.customer)

	other, err := e.users.Create("bob@example.com", "Bob", model.RoleCustomer)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	rec := httptest.NewRecorder()
	h.Get(rec, withID(as(httptest.NewRequest("GET", "/api/tickets/x", nil), other), id))
	if rec.Code != http.StatusNotFound {
		t.Errorf("other customer status = %d, want 404", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.Get(rec, withID(as(httptest.NewRequest("GET", "/api/tickets/x", nil), e.admin), id))
	if rec.Code != http.StatusOK {
		t.Errorf("admin status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.List(rec, as(httptest.NewRequest("GET", "/api/tickets", nil), other))
	if rec.Body.String() != "[]\n" {
		t.Errorf("other customer list = %s, want []", rec.Body)
	}
}

func TestTicketReplies(t *testing.T) {
	e := setup(t)
	h := NewTicketHandler(e.tickets, e.users, e.notifier, e.logger)
	id := createTicket(t, h, e.customer)

	rec := httptest.NewRecorder()
	h.Reply(rec, withID(as(jsonRequest("POST", "/admin/api/tickets/x/replies", map[string]string{"body": "Try again now"}), e.admin), id))
	if rec.Code != http.StatusCreated {
		t.Fatalf("staff reply status = %d, want 201: %s", rec.Code, rec.Body)
	}
	ticket, _ := e.tickets.GetByID(id)
	if ticket.Status != model.TicketAnswered {
		t.Errorf("status = %s, want ANSWERED", ticket.Status)
	}

	rec = httptest.NewRecorder()
	h.Reply(rec, withID(as(jsonRequest("POST", "/api/tickets/x/replies", map[string]string{"body": "Works, thanks"}), e.customer), id))
	if rec.Code != http.StatusCreated {
		t.Fatalf("customer reply status = %d, want 201", rec.Code)
	}

	want := []string{"staff:alice@example.com", "customer:alice@example.com"}
	if fmt.Sprint(e.notifier.replies) != fmt.Sprint(want) {
		t.Errorf("reply notices = %v, want %v", e.notifier.replies, want)
	}

	rec = httptest.NewRecorder()
	h.Get(rec, withID(as(httptest.NewRequest("GET", "/api/tickets/x", nil), e.customer), id))
	replies, _ := decode(t, rec)["replies"].([]any)
	if len(replies) != 2 {
		t.Errorf("replies = %d, want 2", len(replies))
	}
}

func TestTicketClosedRejectsReplies(t *testing.T) {
	e := setup(t)
	h := NewTicketHandler(e.tickets, e.users, e.notifier, e.logger)
	id := createTicket(t, h, e.customer)

	rec := httptest.NewRecorder()
	h.UpdateStatus(rec, withID(as(jsonRequest("PUT", "/admin/api/tickets/x/status", map[string]string{"status": "CLOSED"}), e.admin), id))
	if rec.Code != http.StatusOK {
		t.Fatalf("close status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.Reply(rec, withID(as(jsonRequest("POST", "/api/tickets/x/replies", map[string]string{"body": "hello?"}), e.customer), id))
	if rec.Code != http.StatusConflict {
		t.Errorf("reply to closed status = %d, want 409", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.UpdateStatus(rec, withID(as(jsonRequest("PUT", "/admin/api/tickets/x/status", map[string]string{"status": "DONE"}), e.admin), id))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid status = %d, want 400", rec.Code)
	}
}
