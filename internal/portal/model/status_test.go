package model

import (
	"slices"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to SubscriptionStatus
		want     bool
	}{
		{SubPendingAllocation, SubActive, true},
		{SubActive, SubExpired, true},
		{SubExpired, SubActive, true},
		{SubCancelled, SubActive, false},
		{SubActive, SubPendingAllocation, false},
		{SubActive, SubActive, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestValidTransitionsFrom(t *testing.T) {
	got := ValidTransitionsFrom(SubActive)
	want := []SubscriptionStatus{SubCancelled, SubExpired}
	if !slices.Equal(got, want) {
		t.Errorf("ValidTransitionsFrom(ACTIVE) = %v, want %v", got, want)
	}
	if got := ValidTransitionsFrom(SubCancelled); len(got) != 0 {
		t.Errorf("ValidTransitionsFrom(CANCELLED) = %v, want none", got)
	}
}

func TestStatusValid(t *testing.T) {
	if PortStatus("ASSIGN").Valid() {
		t.Error("typo'd port status should be invalid")
	}
	if !PortDisabled.Valid() {
		t.Error("DISABLED should be valid")
	}
	if SubscriptionStatus("active").Valid() {
		t.Error("lowercase subscription status should be invalid")
	}
	if AllocationAction("MOVED").Known() {
		t.Error("MOVED should not be a known action")
	}
}

func TestPortLinkConsistent(t *testing.T) {
	subID := int64(7)
	now := time.Now()

	p := Port{Status: PortAssigned, AssignedSubscriptionID: &subID, AssignedAt: &now}
	if !p.LinkConsistent() {
		t.Error("assigned port with link should be consistent")
	}

	p = Port{Status: PortAssigned}
	if p.LinkConsistent() {
		t.Error("assigned port without link should be inconsistent")
	}

	p = Port{Status: PortAvailable, AssignedSubscriptionID: &subID}
	if p.LinkConsistent() {
		t.Error("available port with subscription id should be inconsistent")
	}
}

func TestSubscriptionExpired(t *testing.T) {
	end, _ := time.Parse(DateLayout, "2024-04-15")
	s := Subscription{EndDate: end}

	if s.Expired(time.Date(2024, 4, 15, 23, 0, 0, 0, time.UTC)) {
		t.Error("subscription should not be expired on its end date")
	}
	if !s.Expired(time.Date(2024, 4, 16, 0, 0, 0, 0, time.UTC)) {
		t.Error("subscription should be expired the day after its end date")
	}
}
