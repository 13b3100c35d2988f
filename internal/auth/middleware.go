// internal/auth/middleware.go
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"schema-tenancy/internal/model"
)

type contextKey string

const principalKey contextKey = "tenant_principal"

// BearerToken extracts the token from the Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	return tok, tok != ""
}

func WithPrincipal(ctx context.Context, p *model.TenantPrincipal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal extracts the resolved principal from the request context
func GetPrincipal(ctx context.Context) (*model.TenantPrincipal, bool) {
	p, ok := ctx.Value(principalKey).(*model.TenantPrincipal)
	return p, ok && p != nil
}

// Unauthorized writes the uniform auth failure body.
func Unauthorized(w http.ResponseWriter, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}

// AdminKeyMiddleware guards the administrative routes with a shared key.
func AdminKeyMiddleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-Admin-Key")
			if key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				Unauthorized(w, "invalid_admin_key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
