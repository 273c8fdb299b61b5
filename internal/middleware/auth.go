package middleware

import (
	"context"
	"encoding/json"
	"net/http"
)

// Caller identity arrives from the fronting reverse proxy, which terminates
// authentication and stamps these headers on every forwarded request.
const (
	UserHeader = "X-Auth-User"
	RoleHeader = "X-Auth-Role"
)

// Identity is the authenticated caller as asserted by the proxy.
type Identity struct {
	User string
	Role string
}

func (id Identity) Admin() bool {
	return id.Role == "admin"
}

type contextKey string

const identityContextKey contextKey = "identity"

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RequireIdentity rejects requests that carry no caller identity. Requests
// that pass have the identity attached to the context for handlers and the
// audit trail.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get(UserHeader)
		if user == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
			return
		}
		id := Identity{User: user, Role: r.Header.Get(RoleHeader)}
		ctx := context.WithValue(r.Context(), identityContextKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin gates credential administration behind the admin role.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !GetIdentity(r).Admin() {
			writeJSON(w, http.StatusForbidden, map[string]string{"detail": "Admin access required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetIdentity returns the caller identity attached by RequireIdentity, or the
// zero Identity if the request never passed through it.
func GetIdentity(r *http.Request) Identity {
	id, _ := r.Context().Value(identityContextKey).(Identity)
	return id
}
