// Package identity supplies the operator id used to stamp intel writes. It
// does not authenticate anyone; the id arrives from the hosting environment.
package identity

import (
	"context"
	"net/http"
	"regexp"
	"strings"
)

const UserHeaderName = "X-User-ID"

type contextKey int

const userIDKey contextKey = iota

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:@-]{1,128}$`)

// Provider answers "who is acting", or false when nobody is signed in.
type Provider interface {
	CurrentUser(ctx context.Context) (string, bool)
}

// Static always reports the same user. An empty id means no user.
type Static string

func (s Static) CurrentUser(context.Context) (string, bool) {
	return string(s), s != ""
}

// Context reads the user placed on the context by Middleware or WithUser.
type Context struct{}

func (Context) CurrentUser(ctx context.Context) (string, bool) {
	id := FromContext(ctx)
	return id, id != ""
}

func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

func sanitizeUserID(id string) string {
	id = strings.TrimSpace(id)
	if !userIDPattern.MatchString(id) {
		return ""
	}
	return id
}

// Middleware copies a well-formed X-User-ID header onto the request context.
// Malformed values are ignored rather than rejected.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := sanitizeUserID(r.Header.Get(UserHeaderName)); id != "" {
			r = r.WithContext(WithUser(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}
