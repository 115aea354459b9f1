package auth

import (
	"context"

	"github.com/dukerupert/portal/internal/portal/model"
)

type contextKey struct{}

// Principal identifies who a request acts for. Handlers read it from the
// request context instead of any process-wide session state.
type Principal struct {
	UserID    int64
	Email     string
	Name      string
	Role      model.Role
	SessionID int64
}

func (p Principal) IsAdmin() bool {
	return p.Role == model.RoleAdmin
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}

func UserID(ctx context.Context) int64 {
	p, ok := FromContext(ctx)
	if !ok {
		return 0
	}
	return p.UserID
}

// ActorID returns the principal's user id for audit columns, or nil when the
// action is not tied to a signed-in user.
func ActorID(ctx context.Context) *int64 {
	p, ok := FromContext(ctx)
	if !ok || p.UserID == 0 {
		return nil
	}
	id := p.UserID
	return &id
}

func IsAdmin(ctx context.Context) bool {
	p, ok := FromContext(ctx)
	return ok && p.IsAdmin()
}

// SessionCookieName is the cookie carrying the portal session token.
const SessionCookieName = "portal_session"
