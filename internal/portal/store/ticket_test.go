package store

import (
	"testing"

	"github.com/dukerupert/portal/internal/portal/model"
)

func TestTicketCreateAndReply(t *testing.T) {
	db := setupTestDB(t)
	customer := mustCreateUser(t, db, "alice@example.com")
	admin, _ := NewUserStore(db).Create("admin@example.com", "Admin", model.RoleAdmin)
	ts := NewTicketStore(db)

	tk, err := ts.Create(customer.ID, "Cannot connect", "Connection refused on port 5432", "")
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	if tk.Status != model.TicketOpen || tk.Priority != "NORMAL" {
		t.Errorf("ticket = %+v", tk)
	}

	if _, err := ts.AddReply(tk.ID, admin.ID, "Please retry now", true); err != nil {
		t.Fatalf("staff reply: %v", err)
	}
	got, _ := ts.GetByID(tk.ID)
	if got.Status != model.TicketAnswered {
		t.Errorf("status after staff reply = %q, want ANSWERED", got.Status)
	}

	reply, err := ts.AddReply(tk.ID, customer.ID, "Still broken", false)
	if err != nil {
		t.Fatalf("customer reply: %v", err)
	}
	if reply.IsStaff {
		t.Error("customer reply marked as staff")
	}
	got, _ = ts.GetByID(tk.ID)
	if got.Status != model.TicketOpen {
		t.Errorf("status after customer reply = %q, want OPEN", got.Status)
	}

	replies, _ := ts.Replies(tk.ID)
	if len(replies) != 2 || !replies[0].IsStaff {
		t.Errorf("replies = %+v", replies)
	}
}

func TestTicketClosedStaysClosed(t *testing.T) {
	db := setupTestDB(t)
	customer := mustCreateUser(t, db, "alice@example.com")
	ts := NewTicketStore(db)
	tk, _ := ts.Create(customer.ID, "Billing", "Question", "LOW")

	if err := ts.UpdateStatus(tk.ID, model.TicketClosed); err != nil {
		t.Fatalf("close: %v", err)
	}
	ts.AddReply(tk.ID, customer.ID, "thanks", false)
	got, _ := ts.GetByID(tk.ID)
	if got.Status != model.TicketClosed {
		t.Errorf("status = %q, want CLOSED", got.Status)
	}
}

func TestTicketValidation(t *testing.T) {
	db := setupTestDB(t)
	customer := mustCreateUser(t, db, "alice@example.com")
	ts := NewTicketStore(db)

	if _, err := ts.Create(customer.ID, "s", "b", "CRITICAL"); err == nil {
		t.Error("expected error for unknown priority")
	}
	tk, _ := ts.Create(customer.ID, "s", "b", "HIGH")
	if err := ts.UpdateStatus(tk.ID, "PENDING"); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestTicketList(t *testing.T) {
	db := setupTestDB(t)
	a := mustCreateUser(t, db, "a@example.com")
	b := mustCreateUser(t, db, "b@example.com")
	ts := NewTicketStore(db)
	ts.Create(a.ID, "one", "x", "")
	ts.Create(a.ID, "two", "x", "")
	closed, _ := ts.Create(b.ID, "three", "x", "")
	ts.UpdateStatus(closed.ID, model.TicketClosed)

	mine, _ := ts.List(&a.ID, "")
	if len(mine) != 2 {
		t.Errorf("customer tickets = %d, want 2", len(mine))
	}
	open, _ := ts.List(nil, model.TicketOpen)
	if len(open) != 2 {
		t.Errorf("open tickets = %d, want 2", len(open))
	}
}
