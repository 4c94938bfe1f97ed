package auth

import (
	"context"

	"github.com/mitsuri-ai/dispatcher/internal/ratelimit"
)

type contextKey struct{}

// AuthInfo identifies the client behind an authenticated request.
type AuthInfo struct {
	KeyID    string
	ClientID string
	Quota    *ratelimit.Quota
}

// Scope namespaces a client-supplied identifier so that two clients
// reusing the same requester or chat IDs never share limits or cooldowns.
func (a *AuthInfo) Scope(id string) string {
	if a == nil || a.ClientID == "" || id == "" {
		return id
	}
	return a.ClientID + ":" + id
}

func ContextWithAuth(ctx context.Context, info *AuthInfo) context.Context {
	return context.WithValue(ctx, contextKey{}, info)
}

func AuthFromContext(ctx context.Context) (*AuthInfo, bool) {
	info, ok := ctx.Value(contextKey{}).(*AuthInfo)
	return info, ok && info != nil
}
