// Package allocation pairs ports with subscriptions. Every operation that
// touches both a port and a subscription runs in one transaction, so the
// port's link fields and the subscription's assigned port never disagree.
package allocation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukerupert/portal/internal/metrics"
	"github.com/dukerupert/portal/internal/notify"
	"github.com/dukerupert/portal/internal/portal/model"
	"github.com/dukerupert/portal/internal/portal/store"
)

var (
	ErrPortNotFound         = errors.New("port not found")
	ErrPortUnavailable      = errors.New("port is not available")
	ErrPortAssigned         = errors.New("port is assigned to a subscription")
	ErrPortNotAssigned      = errors.New("port is not assigned")
	ErrNoAvailablePorts     = errors.New("no available ports")
	ErrDuplicateURL         = errors.New("a port with this instance URL already exists")
	ErrInvalidPort          = errors.New("invalid port")
	ErrInvalidStatus        = errors.New("invalid status change")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrSubscriptionInactive = errors.New("subscription is not active")
	ErrAlreadyAssigned      = errors.New("subscription already has a port")
	ErrNotAssigned          = errors.New("subscription has no port")
	ErrInvalidTransition    = errors.New("invalid subscription status transition")
)

type Service struct {
	db       *sql.DB
	ports    *store.PortStore
	subs     *store.SubscriptionStore
	logs     *store.AllocationLogStore
	users    *store.UserStore
	plans    *store.PlanStore
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Service)

// WithClock overrides the time source used for assignment timestamps and
// date comparisons.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(db *sql.DB, ports *store.PortStore, notifier notify.Notifier, logger *slog.Logger, opts ...Option) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	s := &Service{
		db:       db,
		ports:    ports,
		subs:     store.NewSubscriptionStore(db),
		logs:     store.NewAllocationLogStore(db),
		users:    store.NewUserStore(db),
		plans:    store.NewPlanStore(db),
		notifier: notifier,
		logger:   logger.With("component", "allocation"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// inTx runs fn with tx-bound stores and commits when it returns nil.
func (s *Service) inTx(ctx context.Context, fn func(ports *store.PortStore, subs *store.SubscriptionStore) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(s.ports.WithTx(tx), s.subs.WithTx(tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Assign gives portID to subscriptionID. A PENDING_ALLOCATION subscription
// becomes ACTIVE in the same transaction.
func (s *Service) Assign(ctx context.Context, portID, subscriptionID int64, performedBy *int64) (*model.Port, error) {
	var sub *model.Subscription
	err := s.inTx(ctx, func(ports *store.PortStore, subs *store.SubscriptionStore) error {
		var err error
		sub, err = s.assign(ports, subs, portID, subscriptionID)
		return err
	})
	if err != nil {
		return nil, err
	}

	port, err := s.ports.GetByID(portID)
	if err != nil {
		return nil, err
	}
	s.record(ctx, "ASSIGNED", func() (*model.PortAllocationLog, error) {
		return s.logs.LogAssignment(portID, sub.ID, sub.CustomerID, performedBy, "")
	}, port.InstanceURL)
	s.provisioned(ctx, sub.CustomerID, port)
	return port, nil
}

// AssignNext assigns the oldest available port. Candidates lost to a
// concurrent assignment are skipped.
func (s *Service) AssignNext(ctx context.Context, subscriptionID int64, performedBy *int64) (*model.Port, error) {
	candidates, err := s.ports.ListAvailable(10)
	if err != nil {
		return nil, err
	}
	for _, c := range candidates {
		port, err := s.Assign(ctx, c.ID, subscriptionID, performedBy)
		if errors.Is(err, ErrPortUnavailable) {
			continue
		}
		return port, err
	}
	return nil, ErrNoAvailablePorts
}

func (s *Service) assign(ports *store.PortStore, subs *store.SubscriptionStore, portID, subscriptionID int64) (*model.Subscription, error) {
	sub, err := subs.GetByID(subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrSubscriptionNotFound
	}
	if sub.AssignedPortID != nil {
		return nil, ErrAlreadyAssigned
	}
	switch sub.Status {
	case model.SubActive, model.SubPendingAllocation:
	case model.SubExpired, model.SubCancelled:
		return nil, ErrSubscriptionInactive
	}

	port, err := ports.GetByID(portID)
	if err != nil {
		return nil, err
	}
	if port == nil {
		return nil, ErrPortNotFound
	}
	ok, err := ports.AssignToSubscription(portID, sub.ID, s.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		metrics.AllocationConflicts.Inc()
		return nil, ErrPortUnavailable
	}
	if err := subs.AssignPort(sub.ID, portID); err != nil {
		return nil, err
	}
	if sub.Status == model.SubPendingAllocation {
		if _, err := subs.TransitionStatus(sub.ID, model.SubPendingAllocation, model.SubActive); err != nil {
			return nil, err
		}
		sub.Status = model.SubActive
	}
	sub.AssignedPortID = &portID
	return sub, nil
}

// Reassign moves a subscription from its current port to newPortID. The old
// port returns to AVAILABLE.
func (s *Service) Reassign(ctx context.Context, subscriptionID, newPortID int64, performedBy *int64) (*model.Port, error) {
	var sub *model.Subscription
	var oldPortID int64
	err := s.inTx(ctx, func(ports *store.PortStore, subs *store.SubscriptionStore) error {
		var err error
		sub, err = subs.GetByID(subscriptionID)
		if err != nil {
			return err
		}
		if sub == nil {
			return ErrSubscriptionNotFound
		}
		if sub.AssignedPortID == nil {
			return ErrNotAssigned
		}
		oldPortID = *sub.AssignedPortID
		if oldPortID == newPortID {
			return ErrAlreadyAssigned
		}

		newPort, err := ports.GetByID(newPortID)
		if err != nil {
			return err
		}
		if newPort == nil {
			return ErrPortNotFound
		}
		ok, err := ports.AssignToSubscription(newPortID, sub.ID, s.now())
		if err != nil {
			return err
		}
		if !ok {
			metrics.AllocationConflicts.Inc()
			return ErrPortUnavailable
		}
		if _, err := ports.Release(oldPortID); err != nil {
			return err
		}
		return subs.AssignPort(sub.ID, newPortID)
	})
	if err != nil {
		return nil, err
	}

	port, err := s.ports.GetByID(newPortID)
	if err != nil {
		return nil, err
	}
	old, _ := s.ports.GetByID(oldPortID)
	oldURL := ""
	if old != nil {
		oldURL = old.InstanceURL
	}
	s.record(ctx, "RELEASED", func() (*model.PortAllocationLog, error) {
		return s.logs.LogRelease(oldPortID, &sub.ID, &sub.CustomerID, performedBy, fmt.Sprintf("reassigned to port %d", newPortID))
	}, oldURL)
	s.record(ctx, "REASSIGNED", func() (*model.PortAllocationLog, error) {
		return s.logs.LogReassignment(newPortID, sub.ID, sub.CustomerID, performedBy, fmt.Sprintf("moved from port %d", oldPortID))
	}, port.InstanceURL)
	s.provisioned(ctx, sub.CustomerID, port)
	return port, nil
}

// Release frees an assigned port and clears the owning subscription's link.
func (s *Service) Release(ctx context.Context, portID int64, performedBy *int64, notes string) error {
	var port *model.Port
	var sub *model.Subscription
	err := s.inTx(ctx, func(ports *store.PortStore, subs *store.SubscriptionStore) error {
		var err error
		port, err = ports.GetByID(portID)
		if err != nil {
			return err
		}
		if port == nil {
			return ErrPortNotFound
		}
		if port.Status != model.PortAssigned {
			return ErrPortNotAssigned
		}
		if _, err := ports.Release(portID); err != nil {
			return err
		}
		if port.AssignedSubscriptionID == nil {
			return nil
		}
		sub, err = subs.GetByID(*port.AssignedSubscriptionID)
		if err != nil {
			return err
		}
		if sub != nil && sub.AssignedPortID != nil && *sub.AssignedPortID == portID {
			return subs.ClearPort(sub.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	var subID, customerID *int64
	if sub != nil {
		subID, customerID = &sub.ID, &sub.CustomerID
	} else {
		subID = port.AssignedSubscriptionID
	}
	s.record(ctx, "RELEASED", func() (*model.PortAllocationLog, error) {
		return s.logs.LogRelease(portID, subID, customerID, performedBy, notes)
	}, port.InstanceURL)
	return nil
}

// Unassign is Release keyed by subscription.
func (s *Service) Unassign(ctx context.Context, subscriptionID int64, performedBy *int64, notes string) error {
	var sub *model.Subscription
	var port *model.Port
	err := s.inTx(ctx, func(ports *store.PortStore, subs *store.SubscriptionStore) error {
		var err error
		sub, err = subs.GetByID(subscriptionID)
		if err != nil {
			return err
		}
		if sub == nil {
			return ErrSubscriptionNotFound
		}
		if sub.AssignedPortID == nil {
			return ErrNotAssigned
		}
		port, err = ports.GetByID(*sub.AssignedPortID)
		if err != nil {
			return err
		}
		if port != nil && port.AssignedSubscriptionID != nil && *port.AssignedSubscriptionID == sub.ID {
			if _, err := ports.Release(port.ID); err != nil {
				return err
			}
		}
		return subs.ClearPort(sub.ID)
	})
	if err != nil {
		return err
	}

	url := ""
	if port != nil {
		url = port.InstanceURL
	}
	s.record(ctx, "UNASSIGNED", func() (*model.PortAllocationLog, error) {
		return s.logs.LogUnassignment(*sub.AssignedPortID, &sub.ID, &sub.CustomerID, performedBy, notes)
	}, url)
	return nil
}

// ChangeStatus moves a port between AVAILABLE, RESERVED and DISABLED. Moves
// into or out of ASSIGNED must go through Assign and Release.
func (s *Service) ChangeStatus(ctx context.Context, portID int64, status model.PortStatus, performedBy *int64, notes string) (*model.Port, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidStatus, status)
	}
	if status == model.PortAssigned {
		return nil, fmt.Errorf("%w: use assign to mark a port ASSIGNED", ErrInvalidStatus)
	}

	port, err := s.ports.GetByID(portID)
	if err != nil {
		return nil, err
	}
	if port == nil {
		return nil, ErrPortNotFound
	}
	if port.Status == model.PortAssigned {
		return nil, ErrPortAssigned
	}
	if port.Status == status {
		return port, nil
	}

	from := port.Status
	ok, err := s.ports.ChangeStatusFrom(portID, from, status)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: port changed concurrently", ErrInvalidStatus)
	}
	port.Status = status
	s.record(ctx, "STATUS_CHANGED", func() (*model.PortAllocationLog, error) {
		return s.logs.LogStatusChange(portID, from, status, performedBy, notes)
	}, port.InstanceURL)
	return port, nil
}

// CreatePort registers a new port after checking the instance URL is unused.
func (s *Service) CreatePort(ctx context.Context, in store.PortInput, performedBy *int64) (*model.Port, error) {
	in.InstanceURL = strings.TrimSpace(in.InstanceURL)
	if in.InstanceURL == "" {
		return nil, fmt.Errorf("%w: instance URL is required", ErrInvalidPort)
	}
	if in.Status == model.PortAssigned {
		return nil, fmt.Errorf("%w: new ports cannot start ASSIGNED", ErrInvalidPort)
	}
	exists, err := s.ports.PortExists(in.InstanceURL, 0)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrDuplicateURL
	}

	port, err := s.ports.Create(in)
	if err != nil {
		return nil, err
	}
	s.record(ctx, "CREATED", func() (*model.PortAllocationLog, error) {
		return s.logs.LogCreation(port.ID, performedBy, "")
	}, port.InstanceURL)
	return port, nil
}

// UpdatePort edits a port's descriptive and credential fields.
func (s *Service) UpdatePort(ctx context.Context, portID int64, in store.PortInput) (*model.Port, error) {
	in.InstanceURL = strings.TrimSpace(in.InstanceURL)
	if in.InstanceURL == "" {
		return nil, fmt.Errorf("%w: instance URL is required", ErrInvalidPort)
	}
	exists, err := s.ports.PortExists(in.InstanceURL, portID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrDuplicateURL
	}
	ok, err := s.ports.Update(portID, in)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrPortNotFound
	}
	return s.ports.GetByID(portID)
}

// DeletePort removes an unassigned port. The DELETED entry is written first
// so the audit trail outlives the row.
func (s *Service) DeletePort(ctx context.Context, portID int64, performedBy *int64) error {
	port, err := s.ports.GetByID(portID)
	if err != nil {
		return err
	}
	if port == nil {
		return ErrPortNotFound
	}
	if port.Status == model.PortAssigned {
		return ErrPortAssigned
	}
	s.record(ctx, "DELETED", func() (*model.PortAllocationLog, error) {
		return s.logs.LogDeletion(portID, performedBy, port.InstanceURL)
	}, port.InstanceURL)
	return s.ports.Delete(portID)
}

// record writes an audit entry after the state change has committed. A failed
// write is logged and otherwise ignored.
func (s *Service) record(ctx context.Context, action string, write func() (*model.PortAllocationLog, error), instanceURL string) {
	metrics.Allocations.WithLabelValues(action).Inc()
	entry, err := write()
	if err != nil {
		s.logger.Error("allocation log write failed", "action", action, "error", err)
		return
	}
	s.logger.Info("port event", "action", action, "port_id", entry.PortID, "instance_url", instanceURL)
	s.notifier.PortEvent(ctx, entry, instanceURL)
}

func (s *Service) provisioned(ctx context.Context, customerID int64, port *model.Port) {
	customer, err := s.users.GetByID(customerID)
	if err != nil || customer == nil {
		s.logger.Warn("provisioning notice skipped", "customer_id", customerID, "error", err)
		return
	}
	s.notifier.InstanceProvisioned(ctx, customer, port)
}
