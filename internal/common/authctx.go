package common

import "context"

type ctxKey string

const userIDKey ctxKey = "auth/user-id"

// WithUserID records the identity the upstream gateway verified for this
// request.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// UserID returns the verified user identifier, if the request carried one.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok
}
