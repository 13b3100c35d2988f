package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"

	"schema-tenancy/internal/apperr"
	"schema-tenancy/internal/auth"
	"schema-tenancy/internal/manager"
	"schema-tenancy/internal/metrics"
	"schema-tenancy/internal/model"
	"schema-tenancy/internal/namespace"
	"schema-tenancy/internal/provisioning"
)

// Manager is the control-plane surface the handlers drive; *manager.TenantManager.
type Manager interface {
	CreateTenant(ctx context.Context, req provisioning.Request) (*provisioning.Result, error)
	DeleteTenant(ctx context.Context, tenantID int64) error
	ListTenants(ctx context.Context) ([]model.Tenant, error)
	ChangePlan(ctx context.Context, tenantID, planID int64, businessLineID *int64) (*manager.PlanChange, error)
	MigrateApplication(ctx context.Context, appID int64) (int, error)
	AddRoute(ctx context.Context, tenantID int64, hostname, path string) (*model.Route, error)
	IssueToken(ctx context.Context, tenantKey string, userID int64) (string, error)
	EnsureEntity(ctx context.Context, ex namespace.Executor, ns, name string) ([]string, error)
	Entities() []string
}

// Binder is the tenant-request middleware factory; *resolver.Resolver.
type Binder interface {
	Middleware(leases *namespace.Manager) func(http.Handler) http.Handler
}

type API struct {
	TenantMgr Manager
	Binder    Binder
	Leases    *namespace.Manager
	AdminKey  string
	logger    *zap.Logger
}

func NewAPI(tm Manager, binder Binder, leases *namespace.Manager, adminKey string, logger *zap.Logger) *API {
	return &API{
		TenantMgr: tm,
		Binder:    binder,
		Leases:    leases,
		AdminKey:  adminKey,
		logger:    logger,
	}
}

func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Handle("/metrics", metrics.Handler())
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))

	r.Route("/admin", func(r chi.Router) {
		r.Use(auth.AdminKeyMiddleware(a.AdminKey))

		r.Post("/tenants", a.CreateTenant)
		r.Get("/tenants", a.ListTenants)
		r.Delete("/tenants/{id}", a.DeleteTenant)
		r.Post("/tenants/{id}/subscription", a.ChangeSubscription)
		r.Post("/tenants/{id}/routes", a.AddRoute)
		r.Post("/applications/{id}/migrate", a.MigrateApplication)
		r.Post("/tokens", a.IssueToken)
	})

	// Tenant-scoped: every request runs on a lease bound to the caller's namespace.
	r.Group(func(r chi.Router) {
		r.Use(a.Binder.Middleware(a.Leases))

		r.Get("/me", a.Me)
		r.Get("/entities", a.ListEntities)
		r.Post("/entities/{name}", a.EnsureEntity)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeError maps err onto its HTTP status. Internal errors are logged and never echoed;
// auth errors carry only their code.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	body := errorBody{Error: apperr.CodeOf(err)}
	switch {
	case status >= http.StatusInternalServerError:
		a.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
	case apperr.KindOf(err) != apperr.KindAuth:
		body.Message = err.Error()
	}
	writeJSON(w, status, body)
}
