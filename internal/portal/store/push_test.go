package store

import (
	"testing"

	"github.com/dukerupert/portal/internal/portal/model"
)

func TestPushSubscriptions(t *testing.T) {
	db := setupTestDB(t)
	s := NewPushStore(db)
	alice := mustCreateUser(t, db, "alice@example.com")
	admin, err := NewUserStore(db).Create("ops@example.com", "", model.RoleAdmin)
	if err != nil {
		t.Fatalf("create admin: %v", err)
	}

	sub, err := s.CreateSubscription(alice.ID, "https://push.example.com/a", "p256", "auth", "laptop")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sub.ID == 0 || sub.DeviceName != "laptop" {
		t.Errorf("subscription = %+v", sub)
	}

	// Same endpoint again updates in place.
	again, err := s.CreateSubscription(alice.ID, "https://push.example.com/a", "p256-new", "auth-new", "laptop")
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	if again.ID != sub.ID || again.P256dhKey != "p256-new" {
		t.Errorf("resubscribe = %+v, want id %d with new keys", again, sub.ID)
	}

	if _, err := s.CreateSubscription(admin.ID, "https://push.example.com/b", "p", "a", ""); err != nil {
		t.Fatalf("create admin sub: %v", err)
	}

	admins, err := s.ListByRole(model.RoleAdmin)
	if err != nil {
		t.Fatalf("list by role: %v", err)
	}
	if len(admins) != 1 || admins[0].UserID != admin.ID {
		t.Errorf("admin subscriptions = %+v", admins)
	}

	ok, err := s.DeleteSubscription(sub.ID, admin.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ok {
		t.Error("deleted another user's subscription")
	}
	ok, err = s.DeleteSubscription(sub.ID, alice.ID)
	if err != nil || !ok {
		t.Fatalf("delete own = %v, %v", ok, err)
	}

	if err := s.DeleteByEndpoint("https://push.example.com/b"); err != nil {
		t.Fatalf("delete by endpoint: %v", err)
	}
	left, err := s.ListByUser(admin.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(left) != 0 {
		t.Errorf("remaining = %+v", left)
	}
}

func TestPushPreferences(t *testing.T) {
	db := setupTestDB(t)
	s := NewPushStore(db)
	alice := mustCreateUser(t, db, "alice@example.com")

	enabled, err := s.IsPreferenceEnabled(alice.ID, model.NotifTicketReply)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !enabled {
		t.Error("preferences should default to enabled")
	}

	if err := s.SetPreference(alice.ID, model.NotifTicketReply, false); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.SetPreference(alice.ID, model.NotifTicketReply, false); err != nil {
		t.Fatalf("set again: %v", err)
	}
	enabled, err = s.IsPreferenceEnabled(alice.ID, model.NotifTicketReply)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if enabled {
		t.Error("preference should be disabled")
	}

	prefs, err := s.Preferences(alice.ID, model.RoleCustomer)
	if err != nil {
		t.Fatalf("preferences: %v", err)
	}
	if len(prefs) != len(model.NotificationTypes(model.RoleCustomer)) {
		t.Fatalf("preferences = %+v", prefs)
	}
	for _, p := range prefs {
		want := p.NotificationType != model.NotifTicketReply
		if p.Enabled != want {
			t.Errorf("%s enabled = %v, want %v", p.NotificationType, p.Enabled, want)
		}
	}
}
