package model

import "slices"

type PortStatus string

const (
	PortAvailable PortStatus = "AVAILABLE"
	PortReserved  PortStatus = "RESERVED"
	PortAssigned  PortStatus = "ASSIGNED"
	PortDisabled  PortStatus = "DISABLED"
)

func (s PortStatus) Valid() bool {
	switch s {
	case PortAvailable, PortReserved, PortAssigned, PortDisabled:
		return true
	}
	return false
}

// Assignable reports whether a port in this status may be handed to a subscription.
func (s PortStatus) Assignable() bool {
	switch s {
	case PortAvailable, PortReserved:
		return true
	case PortAssigned, PortDisabled:
		return false
	}
	return false
}

type SubscriptionStatus string

const (
	SubActive            SubscriptionStatus = "ACTIVE"
	SubExpired           SubscriptionStatus = "EXPIRED"
	SubCancelled         SubscriptionStatus = "CANCELLED"
	SubPendingAllocation SubscriptionStatus = "PENDING_ALLOCATION"
)

func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubActive, SubExpired, SubCancelled, SubPendingAllocation:
		return true
	}
	return false
}

// Transition is a subscription status change.
type Transition struct {
	From SubscriptionStatus
	To   SubscriptionStatus
}

var validTransitions = map[Transition]bool{
	{SubPendingAllocation, SubActive}:    true, // port assigned
	{SubPendingAllocation, SubCancelled}: true,
	{SubActive, SubExpired}:              true, // end date passed
	{SubActive, SubCancelled}:            true,
	{SubExpired, SubActive}:              true, // renewal
}

// CanTransition checks if a subscription may move from one status to another.
func CanTransition(from, to SubscriptionStatus) bool {
	return validTransitions[Transition{from, to}]
}

// ValidTransitionsFrom returns all valid target statuses from the given status.
func ValidTransitionsFrom(from SubscriptionStatus) []SubscriptionStatus {
	targets := make([]SubscriptionStatus, 0)
	for t := range validTransitions {
		if t.From == from {
			targets = append(targets, t.To)
		}
	}
	slices.Sort(targets)
	return targets
}

// AllocationAction names a port lifecycle event in the allocation log.
type AllocationAction string

const (
	ActionCreated       AllocationAction = "CREATED"
	ActionAssigned      AllocationAction = "ASSIGNED"
	ActionReassigned    AllocationAction = "REASSIGNED"
	ActionReleased      AllocationAction = "RELEASED"
	ActionUnassigned    AllocationAction = "UNASSIGNED"
	ActionStatusChanged AllocationAction = "STATUS_CHANGED"
	ActionDeleted       AllocationAction = "DELETED"
)

// Known reports whether the action is one this application writes. Rows read
// back from storage may carry other values.
func (a AllocationAction) Known() bool {
	switch a {
	case ActionCreated, ActionAssigned, ActionReassigned, ActionReleased,
		ActionUnassigned, ActionStatusChanged, ActionDeleted:
		return true
	}
	return false
}
