package auth

import (
	"context"
	"strings"
)

type contextKey string

const userIDKey contextKey = "userID"

// UserIDHeader carries the operator identity set by the upstream auth proxy.
const UserIDHeader = "X-User-ID"

// ContextWithUserID returns a new context that carries the acting operator.
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, userIDKey, strings.TrimSpace(userID))
}

// UserIDFromContext retrieves the acting operator from the context, if any.
func UserIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	userID, ok := ctx.Value(userIDKey).(string)
	if !ok || userID == "" {
		return "", false
	}
	return userID, true
}

// ResolveUserID prefers an explicit id and falls back to the context identity.
func ResolveUserID(ctx context.Context, explicit string) string {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return explicit
	}
	userID, _ := UserIDFromContext(ctx)
	return userID
}
