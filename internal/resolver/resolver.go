// Package resolver turns a bearer token into a tenant principal and binds the request's
// leased connection to the tenant's namespace.
package resolver

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"schema-tenancy/internal/apperr"
	"schema-tenancy/internal/auth"
	"schema-tenancy/internal/metrics"
	"schema-tenancy/internal/model"
	"schema-tenancy/internal/namespace"
	"schema-tenancy/internal/rbac"
)

type Verifier interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// Catalog is the registry lookup by namespace; it may be served from cache.
type Catalog interface {
	TenantByNamespace(ctx context.Context, ns string) (*model.Tenant, error)
}

type Resolver struct {
	verifier Verifier
	catalog  Catalog
	timeout  time.Duration
	logger   *zap.Logger
}

func New(verifier Verifier, catalog Catalog, timeout time.Duration, logger *zap.Logger) *Resolver {
	return &Resolver{verifier: verifier, catalog: catalog, timeout: timeout, logger: logger}
}

// ResolveAndBind verifies the token, validates and confirms the claimed namespace, binds
// the lease to it and checks the user exists there. The lease is at its default namespace
// whenever an error is returned.
func (r *Resolver) ResolveAndBind(ctx context.Context, lease *namespace.Lease, bearer string) (*model.TenantPrincipal, error) {
	claims, err := r.Verify(bearer)
	if err != nil {
		return nil, err
	}
	return r.Bind(ctx, lease, claims)
}

// Verify runs the checks that need no database: the token and the namespace syntax.
func (r *Resolver) Verify(bearer string) (claims *auth.Claims, err error) {
	defer func() {
		if err != nil {
			observe(err)
		}
	}()

	// (1) token
	claims, err = r.verifier.ValidateToken(bearer)
	if err != nil {
		return nil, err
	}
	// (2) syntax, before the name gets anywhere near SQL
	if err := namespace.ValidateTenantNamespace(claims.Namespace); err != nil {
		return nil, err
	}
	return claims, nil
}

// Bind confirms verified claims against the catalog and binds the lease. It is bounded by
// the resolver timeout.
func (r *Resolver) Bind(ctx context.Context, lease *namespace.Lease, claims *auth.Claims) (p *model.TenantPrincipal, err error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	defer func() { observe(err) }()

	ns := claims.Namespace
	if err := namespace.ValidateTenantNamespace(ns); err != nil {
		return nil, err
	}

	// (3) registry, then the live catalog
	tenant, err := r.catalog.TenantByNamespace(ctx, ns)
	if err != nil {
		if errors.Is(err, apperr.NotFound) {
			return nil, apperr.ErrUnknownNamespace
		}
		return nil, r.classify(ctx, err)
	}
	if tenant.Namespace != ns {
		return nil, apperr.ErrUnknownNamespace
	}
	if tenant.ID != claims.TenantID {
		return nil, apperr.ErrInvalidToken
	}
	if !tenant.Status.Serving() {
		return nil, apperr.ErrTenantInactive
	}
	exists, err := namespace.Exists(ctx, lease, ns)
	if err != nil {
		return nil, r.classify(ctx, err)
	}
	if !exists {
		r.logger.Warn("catalog tenant without physical namespace",
			zap.Int64("tenant_id", tenant.ID), zap.String("namespace", ns))
		return nil, apperr.ErrUnknownNamespace
	}

	// (4) reset-then-switch
	if err := lease.Bind(ctx, ns); err != nil {
		return nil, r.classify(ctx, err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rErr := lease.Reset(context.WithoutCancel(ctx)); rErr != nil {
			r.logger.Error("reset after failed resolve", zap.String("namespace", ns), zap.Error(rErr))
		}
	}()

	// (5) minimal principal check inside the bound namespace
	ok, err := rbac.PrincipalExists(ctx, lease, claims.UserID)
	if err != nil {
		return nil, r.classify(ctx, err)
	}
	if !ok {
		return nil, apperr.ErrUnknownPrincipal
	}

	return &model.TenantPrincipal{UserID: claims.UserID, Namespace: ns, TenantID: tenant.ID}, nil
}

func observe(err error) {
	outcome := "ok"
	if err != nil {
		outcome = apperr.CodeOf(err)
	}
	metrics.ResolverRequests.WithLabelValues(outcome).Inc()
}

// classify turns infrastructure failures into a timeout auth error when the deadline
// passed, and keeps anything else as an internal error.
func (r *Resolver) classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.WithCause(apperr.ErrResolveTimeout, err)
	}
	return err
}
