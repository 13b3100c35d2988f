package resolver

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"schema-tenancy/internal/apperr"
	"schema-tenancy/internal/auth"
	"schema-tenancy/internal/namespace"
)

// Middleware verifies the bearer before leasing a connection, then binds one connection per
// request and always releases it (reset to default, or discarded when the reset fails).
func (r *Resolver) Middleware(leases *namespace.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			token, ok := auth.BearerToken(req)
			if !ok {
				auth.Unauthorized(w, apperr.ErrInvalidToken.Code)
				return
			}
			claims, err := r.Verify(token)
			if err != nil {
				r.reject(w, err)
				return
			}

			lease, err := leases.Acquire(req.Context())
			if err != nil {
				r.logger.Error("lease connection", zap.Error(err))
				writeInternal(w)
				return
			}
			defer func() {
				if err := lease.Release(req.Context()); err != nil {
					r.logger.Warn("lease release", zap.Error(err))
				}
			}()

			principal, err := r.Bind(req.Context(), lease, claims)
			if err != nil {
				r.reject(w, err)
				return
			}

			ctx := auth.WithPrincipal(req.Context(), principal)
			ctx = namespace.WithLease(ctx, lease)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

func (r *Resolver) reject(w http.ResponseWriter, err error) {
	switch apperr.KindOf(err) {
	case apperr.KindAuth, apperr.KindValidation:
		auth.Unauthorized(w, apperr.CodeOf(err))
	default:
		r.logger.Error("resolve namespace", zap.Error(err))
		writeInternal(w)
	}
}

func writeInternal(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "internal_error"})
}
