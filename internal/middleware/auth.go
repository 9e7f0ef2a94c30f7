package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pliu/messenger/internal/auth"
)

type contextKey string

const UserIDKey contextKey = "user_id"

// AuthMiddleware requires a valid bearer token and stores its user ID in the
// request context.
func AuthMiddleware(tokens *auth.Issuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := auth.TokenFromRequest(r)
			if token == "" {
				unauthorized(w)
				return
			}

			userID, err := tokens.Verify(token)
			if err != nil {
				unauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), UserIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func UserIDFromContext(ctx context.Context) (int64, bool) {
	userID, ok := ctx.Value(UserIDKey).(int64)
	return userID, ok && userID != 0
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"status": "error", "message": "unauthorized"})
}
