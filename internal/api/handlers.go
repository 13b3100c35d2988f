package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"schema-tenancy/internal/apperr"
	"schema-tenancy/internal/provisioning"
)

type SubscriptionChange struct {
	PlanID         int64  `json:"plan_id"`
	BusinessLineID *int64 `json:"business_line_id,omitempty"`
}

type RouteRequest struct {
	Hostname string `json:"hostname"`
	Path     string `json:"path,omitempty"`
}

type TokenRequest struct {
	Tenant string `json:"tenant"`
	UserID int64  `json:"user_id"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

type MigrateResponse struct {
	Enqueued int `json:"enqueued"`
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validationf("bad request body: %v", err)
	}
	return nil
}

func idParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validationf("invalid id %q", chi.URLParam(r, "id"))
	}
	return id, nil
}

// @Summary Create a tenant
// @Description Provisions the catalog entry, namespace, baseline tables, admin user, license and RBAC.
// @Description Non-fatal step failures are listed in warnings; the tenant is still created.
// @Tags Tenants
// @Security AdminKey
// @Accept json
// @Produce json
// @Param body body provisioning.Request true "Tenant"
// @Success 201 {object} provisioning.Result
// @Failure 400 {object} errorBody
// @Failure 409 {object} errorBody
// @Router /admin/tenants [post]
func (a *API) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var req provisioning.Request
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	res, err := a.TenantMgr.CreateTenant(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if res.Partial() {
		a.logger.Warn("tenant created with warnings",
			zap.Int64("tenant_id", res.Tenant.ID), zap.Error(res.Err()))
	}
	writeJSON(w, http.StatusCreated, res)
}

// @Summary List tenants
// @Tags Tenants
// @Security AdminKey
// @Produce json
// @Success 200 {array} model.Tenant
// @Router /admin/tenants [get]
func (a *API) ListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := a.TenantMgr.ListTenants(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tenants)
}

// @Summary Delete a tenant
// @Tags Tenants
// @Security AdminKey
// @Param id path int true "Tenant ID"
// @Success 204
// @Failure 404 {object} errorBody
// @Router /admin/tenants/{id} [delete]
func (a *API) DeleteTenant(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.TenantMgr.DeleteTenant(r.Context(), id); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// @Summary Renew or change a tenant's subscription
// @Tags Subscriptions
// @Security AdminKey
// @Accept json
// @Produce json
// @Param id path int true "Tenant ID"
// @Param body body SubscriptionChange true "Target plan"
// @Success 200 {object} manager.PlanChange
// @Router /admin/tenants/{id}/subscription [post]
func (a *API) ChangeSubscription(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var body SubscriptionChange
	if err := decode(r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	if body.PlanID <= 0 {
		a.writeError(w, r, apperr.Validationf("plan_id is required"))
		return
	}

	change, err := a.TenantMgr.ChangePlan(r.Context(), id, body.PlanID, body.BusinessLineID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, change)
}

// @Summary Map a hostname and optional path to a tenant
// @Tags Tenants
// @Security AdminKey
// @Accept json
// @Produce json
// @Param id path int true "Tenant ID"
// @Param body body RouteRequest true "Route"
// @Success 201 {object} model.Route
// @Router /admin/tenants/{id}/routes [post]
func (a *API) AddRoute(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var body RouteRequest
	if err := decode(r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	if body.Hostname == "" {
		a.writeError(w, r, apperr.Validationf("hostname is required"))
		return
	}

	route, err := a.TenantMgr.AddRoute(r.Context(), id, body.Hostname, body.Path)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, route)
}

// @Summary Trigger an application's migration callback for every tenant using it
// @Tags Applications
// @Security AdminKey
// @Produce json
// @Param id path int true "Application ID"
// @Success 202 {object} MigrateResponse
// @Router /admin/applications/{id}/migrate [post]
func (a *API) MigrateApplication(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	n, err := a.TenantMgr.MigrateApplication(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, MigrateResponse{Enqueued: n})
}

// @Summary Issue a bearer token for a tenant user
// @Tags Auth
// @Security AdminKey
// @Accept json
// @Produce json
// @Param body body TokenRequest true "Tenant slug or namespace, and user id"
// @Success 200 {object} TokenResponse
// @Router /admin/tokens [post]
func (a *API) IssueToken(w http.ResponseWriter, r *http.Request) {
	var body TokenRequest
	if err := decode(r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	if body.Tenant == "" || body.UserID <= 0 {
		a.writeError(w, r, apperr.Validationf("tenant and user_id are required"))
		return
	}

	tok, err := a.TenantMgr.IssueToken(r.Context(), body.Tenant, body.UserID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{Token: tok})
}
