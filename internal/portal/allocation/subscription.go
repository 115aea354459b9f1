package allocation

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukerupert/portal/internal/metrics"
	"github.com/dukerupert/portal/internal/portal/model"
	"github.com/dukerupert/portal/internal/portal/store"
)

// Extend adds months to a subscription's end date. An EXPIRED subscription
// whose new end date is today or later is renewed to ACTIVE in the same
// transaction.
func (s *Service) Extend(ctx context.Context, subscriptionID int64, months int) (*model.Subscription, error) {
	if months <= 0 {
		return nil, fmt.Errorf("extend by %d months: must be positive", months)
	}
	var sub *model.Subscription
	err := s.inTx(ctx, func(_ *store.PortStore, subs *store.SubscriptionStore) error {
		var err error
		sub, err = subs.GetByID(subscriptionID)
		if err != nil {
			return err
		}
		if sub == nil {
			return ErrSubscriptionNotFound
		}
		if sub.Status == model.SubCancelled {
			return ErrSubscriptionInactive
		}
		end, err := subs.ExtendEndDate(subscriptionID, months)
		if err != nil {
			return err
		}
		sub.EndDate = end
		if sub.Status == model.SubExpired && !sub.Expired(s.now()) {
			if _, err := subs.TransitionStatus(sub.ID, model.SubExpired, model.SubActive); err != nil {
				return err
			}
			sub.Status = model.SubActive
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.subs.GetByID(subscriptionID)
}

// SetSubscriptionStatus applies an admin status change, enforcing the
// subscription transition table.
func (s *Service) SetSubscriptionStatus(ctx context.Context, subscriptionID int64, to model.SubscriptionStatus) (*model.Subscription, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	sub, err := s.subs.GetByID(subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrSubscriptionNotFound
	}
	if sub.Status == to {
		return sub, nil
	}
	if !model.CanTransition(sub.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sub.Status, to)
	}
	ok, err := s.subs.TransitionStatus(sub.ID, sub.Status, to)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: subscription changed concurrently", ErrInvalidTransition)
	}
	s.logger.Info("subscription status changed", "subscription_id", sub.ID, "from", sub.Status, "to", to)
	return s.subs.GetByID(subscriptionID)
}

// ExpireDue moves every ACTIVE subscription whose end date has passed to
// EXPIRED and notifies the customer. Assigned ports are kept; releasing them
// is an operator decision.
func (s *Service) ExpireDue(ctx context.Context) ([]model.Subscription, error) {
	due, err := s.subs.FindExpired(s.now())
	if err != nil {
		return nil, err
	}

	var expired []model.Subscription
	var errs []error
	for i := range due {
		sub := &due[i]
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		ok, err := s.subs.TransitionStatus(sub.ID, model.SubActive, model.SubExpired)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire subscription %d: %w", sub.ID, err))
			continue
		}
		if !ok {
			continue
		}
		sub.Status = model.SubExpired
		expired = append(expired, *sub)
		metrics.SubscriptionsExpired.Inc()
		s.logger.Info("subscription expired", "subscription_id", sub.ID, "customer_id", sub.CustomerID,
			"end_date", sub.EndDate.Format(model.DateLayout))
		s.expiredNotice(ctx, sub)
	}
	return expired, errors.Join(errs...)
}

func (s *Service) expiredNotice(ctx context.Context, sub *model.Subscription) {
	customer, err := s.users.GetByID(sub.CustomerID)
	if err != nil || customer == nil {
		s.logger.Warn("expiry notice skipped", "subscription_id", sub.ID, "error", err)
		return
	}
	plan, err := s.plans.GetByID(sub.PlanID)
	if err != nil || plan == nil {
		s.logger.Warn("expiry notice skipped", "subscription_id", sub.ID, "error", err)
		return
	}
	s.notifier.SubscriptionExpired(ctx, customer, sub, plan)
}
