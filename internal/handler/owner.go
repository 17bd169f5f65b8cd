// internal/handler/owner.go
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
)

// OwnerHeader carries the authenticated user id, set by the auth gateway.
const OwnerHeader = "X-User-ID"

type ownerKey struct{}

// RequireOwner rejects requests without a numeric owner header and stores
// the owner id in the request context.
func RequireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ownerID, err := strconv.ParseInt(r.Header.Get(OwnerHeader), 10, 64)
		if err != nil || ownerID <= 0 {
			WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing or invalid " + OwnerHeader + " header"})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), ownerID)))
	})
}

func WithOwner(ctx context.Context, ownerID int64) context.Context {
	return context.WithValue(ctx, ownerKey{}, ownerID)
}

// OwnerFromContext returns the owner stored by RequireOwner.
func OwnerFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(ownerKey{}).(int64)
	return id, ok
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
