package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"schema-tenancy/internal/auth"
	"schema-tenancy/internal/model"
	"schema-tenancy/internal/namespace"
	"schema-tenancy/internal/rbac"
)

type MeResponse struct {
	model.TenantPrincipal
	Roles []model.Role `json:"roles"`
}

type EntityResponse struct {
	Entity  string   `json:"entity"`
	Created []string `json:"created"`
}

// scope returns the principal and bound lease the resolver middleware put on the request.
func scope(r *http.Request) (*model.TenantPrincipal, *namespace.Lease, error) {
	p, ok := auth.GetPrincipal(r.Context())
	if !ok {
		return nil, nil, fmt.Errorf("no principal on request")
	}
	l, ok := namespace.FromContext(r.Context())
	if !ok {
		return nil, nil, fmt.Errorf("no namespace lease on request")
	}
	if l.Current() != p.Namespace {
		return nil, nil, fmt.Errorf("lease bound to %q, principal in %q", l.Current(), p.Namespace)
	}
	return p, l, nil
}

// @Summary Current principal and its roles
// @Tags Tenant
// @Security BearerAuth
// @Produce json
// @Success 200 {object} MeResponse
// @Failure 401 {object} errorBody
// @Router /me [get]
func (a *API) Me(w http.ResponseWriter, r *http.Request) {
	p, lease, err := scope(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	roles, err := rbac.UserRoles(r.Context(), lease, p.UserID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if roles == nil {
		roles = []model.Role{}
	}
	writeJSON(w, http.StatusOK, MeResponse{TenantPrincipal: *p, Roles: roles})
}

// @Summary Entities that can be synthesized on first use
// @Tags Tenant
// @Security BearerAuth
// @Produce json
// @Success 200 {array} string
// @Router /entities [get]
func (a *API) ListEntities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.TenantMgr.Entities())
}

// @Summary Ensure an entity's table exists in the caller's namespace
// @Tags Tenant
// @Security BearerAuth
// @Produce json
// @Param name path string true "Entity name"
// @Success 200 {object} EntityResponse
// @Failure 404 {object} errorBody
// @Router /entities/{name} [post]
func (a *API) EnsureEntity(w http.ResponseWriter, r *http.Request) {
	p, lease, err := scope(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	name := chi.URLParam(r, "name")
	created, err := a.TenantMgr.EnsureEntity(r.Context(), lease, p.Namespace, name)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if created == nil {
		created = []string{}
	}
	writeJSON(w, http.StatusOK, EntityResponse{Entity: name, Created: created})
}
