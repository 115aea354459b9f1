package allocation

import (
	"context"
	"errors"
	"testing"

	"github.com/dukerupert/portal/internal/portal/model"
)

func TestExtendRenewsExpired(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	sub := f.subscription(t, model.SubActive, "2024-01-01")
	f.subs.UpdateStatus(sub.ID, model.SubExpired)

	got, err := f.svc.Extend(ctx, sub.ID, 3)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if end := got.EndDate.Format(model.DateLayout); end != "2024-05-01" {
		t.Errorf("end_date = %s, want 2024-05-01", end)
	}
	if got.Status != model.SubActive {
		t.Errorf("status = %q, want ACTIVE", got.Status)
	}
}

func TestExtendStillExpired(t *testing.T) {
	f := setup(t)
	sub := f.subscription(t, model.SubActive, "2023-01-01")
	f.subs.UpdateStatus(sub.ID, model.SubExpired)

	got, err := f.svc.Extend(context.Background(), sub.ID, 1)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if got.Status != model.SubExpired {
		t.Errorf("status = %q, want EXPIRED while end date is still past", got.Status)
	}
}

func TestExtendErrors(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	if _, err := f.svc.Extend(ctx, 999, 1); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("missing err = %v", err)
	}
	sub := f.subscription(t, model.SubActive, "2024-03-01")
	if _, err := f.svc.Extend(ctx, sub.ID, 0); err == nil {
		t.Error("expected error for zero months")
	}
	f.svc.SetSubscriptionStatus(ctx, sub.ID, model.SubCancelled)
	if _, err := f.svc.Extend(ctx, sub.ID, 1); !errors.Is(err, ErrSubscriptionInactive) {
		t.Errorf("cancelled err = %v", err)
	}
}

func TestSetSubscriptionStatus(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	sub := f.subscription(t, model.SubActive, "2024-03-01")

	got, err := f.svc.SetSubscriptionStatus(ctx, sub.ID, model.SubCancelled)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != model.SubCancelled {
		t.Errorf("status = %q, want CANCELLED", got.Status)
	}
	if _, err := f.svc.SetSubscriptionStatus(ctx, sub.ID, model.SubActive); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("CANCELLED -> ACTIVE err = %v", err)
	}
	if _, err := f.svc.SetSubscriptionStatus(ctx, sub.ID, "PAUSED"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("unknown status err = %v", err)
	}
}

func TestExpireDue(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	overdue := f.subscription(t, model.SubActive, "2024-01-15")
	current := f.subscription(t, model.SubActive, "2024-03-01")
	port := f.port(t, "https://a.example.com")
	pending := f.subscription(t, model.SubPendingAllocation, "2024-01-01")
	f.svc.Assign(ctx, port.ID, overdue.ID, nil)

	expired, err := f.svc.ExpireDue(ctx)
	if err != nil {
		t.Fatalf("expire due: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != overdue.ID {
		t.Fatalf("expired = %+v, want subscription %d", expired, overdue.ID)
	}
	if len(f.notifier.expired) != 1 {
		t.Errorf("expiry notices = %d, want 1", len(f.notifier.expired))
	}

	for id, want := range map[int64]model.SubscriptionStatus{
		overdue.ID: model.SubExpired,
		current.ID: model.SubActive,
		pending.ID: model.SubPendingAllocation,
	} {
		s, _ := f.subs.GetByID(id)
		if s.Status != want {
			t.Errorf("subscription %d status = %q, want %q", id, s.Status, want)
		}
	}

	p, _ := f.ports.GetByID(port.ID)
	if p.Status != model.PortAssigned {
		t.Errorf("port status = %q, want ASSIGNED to survive expiry", p.Status)
	}

	again, _ := f.svc.ExpireDue(ctx)
	if len(again) != 0 {
		t.Errorf("second sweep expired %d, want 0", len(again))
	}
}
