package push

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dukerupert/portal/internal/portal/model"
	"github.com/dukerupert/portal/internal/portal/store"
)

type sender interface {
	Send(ctx context.Context, sub *model.PushSubscription, payload Payload) error
}

// Fanout sends one notification kind to every subscribed device of a user or
// of all admins, honouring per-user preferences. Expired subscriptions are
// removed as they are discovered.
type Fanout struct {
	sender sender
	store  *store.PushStore
	logger *slog.Logger
}

func NewFanout(svc *Service, ps *store.PushStore, logger *slog.Logger) *Fanout {
	return newFanout(svc, ps, logger)
}

func newFanout(s sender, ps *store.PushStore, logger *slog.Logger) *Fanout {
	return &Fanout{sender: s, store: ps, logger: logger.With("component", "push")}
}

// PushToUser returns the number of devices reached.
func (f *Fanout) PushToUser(ctx context.Context, userID int64, kind string, p Payload) (int, error) {
	subs, err := f.store.ListByUser(userID)
	if err != nil {
		return 0, err
	}
	return f.deliver(ctx, subs, kind, p)
}

// PushToAdmins returns the number of devices reached.
func (f *Fanout) PushToAdmins(ctx context.Context, kind string, p Payload) (int, error) {
	subs, err := f.store.ListByRole(model.RoleAdmin)
	if err != nil {
		return 0, err
	}
	return f.deliver(ctx, subs, kind, p)
}

func (f *Fanout) deliver(ctx context.Context, subs []model.PushSubscription, kind string, p Payload) (int, error) {
	enabled := make(map[int64]bool)
	sent := 0
	var errs []error
	for i := range subs {
		sub := &subs[i]
		on, seen := enabled[sub.UserID]
		if !seen {
			var err error
			if on, err = f.store.IsPreferenceEnabled(sub.UserID, kind); err != nil {
				return sent, err
			}
			enabled[sub.UserID] = on
		}
		if !on {
			continue
		}

		err := f.sender.Send(ctx, sub, p)
		switch {
		case errors.Is(err, ErrExpired):
			f.logger.Info("removing expired push subscription", "id", sub.ID, "user_id", sub.UserID)
			if err := f.store.DeleteByEndpoint(sub.Endpoint); err != nil {
				errs = append(errs, err)
			}
		case err != nil:
			errs = append(errs, err)
		default:
			sent++
		}
	}
	return sent, errors.Join(errs...)
}
