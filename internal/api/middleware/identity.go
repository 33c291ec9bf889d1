package middleware

import (
	"context"
	"net/http"
	"strings"
)

type identityKeyType string

const (
	UserIDKey   identityKeyType = "user_id"
	UsernameKey identityKeyType = "username"
)

// Identity copies the caller identity set by the fronting gateway from the
// X-User-ID and X-Username headers into the request context.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if uid := strings.TrimSpace(r.Header.Get("X-User-ID")); uid != "" {
			ctx = context.WithValue(ctx, UserIDKey, uid)
		}
		if name := strings.TrimSpace(r.Header.Get("X-Username")); name != "" {
			ctx = context.WithValue(ctx, UsernameKey, name)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDKey).(string); ok {
		return v
	}
	return ""
}

func GetUsername(ctx context.Context) string {
	if v, ok := ctx.Value(UsernameKey).(string); ok {
		return v
	}
	return ""
}
