package middleware

import (
	"context"
	"net/http"
	"strings"
)

// Context keys (exported so other packages can read them).
type contextKey string

const (
	IdentityKey contextKey = "identity"
	RoleKey     contextKey = "role"
)

// TokenValidator is what we need from the user service. The interface keeps
// 'middleware' decoupled from 'user'.
type TokenValidator interface {
	ValidateToken(tokenString string) (string, string, error)
	// Returns identity, role, error
}

type AuthMiddleware struct {
	validator TokenValidator
}

func NewAuthMiddleware(v TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: v}
}

// Handle validates the bearer token and injects identity and role into the
// request context. Browser websocket clients cannot set headers, so the
// token may also arrive as a query param.
func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := ""

		authHeader := r.Header.Get("Authorization")
		if authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) == 2 {
				tokenString = parts[1]
			}
		}

		// Fallback: check query param
		if tokenString == "" {
			tokenString = r.URL.Query().Get("token")
		}

		if tokenString == "" {
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return
		}

		identity, role, err := am.validator.ValidateToken(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), IdentityKey, identity)
		ctx = context.WithValue(ctx, RoleKey, role)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
