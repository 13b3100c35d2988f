// internal/model/tenant.go
package model

import (
	"time"
)

type TenantStatus string

const (
	TenantTrial     TenantStatus = "trial"
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
	TenantInactive  TenantStatus = "inactive"
)

func (s TenantStatus) Valid() bool {
	switch s {
	case TenantTrial, TenantActive, TenantSuspended, TenantInactive:
		return true
	}
	return false
}

// Serving reports whether requests for a tenant in this status may be bound.
func (s TenantStatus) Serving() bool {
	return s == TenantTrial || s == TenantActive
}

// Tenant is a Namespace Catalog record. Namespace is immutable once the physical schema exists.
type Tenant struct {
	ID               int64        `db:"id" json:"id"`
	Name             string       `db:"name" json:"name"`
	Slug             string       `db:"slug" json:"slug"`
	Namespace        string       `db:"namespace" json:"namespace"`
	Status           TenantStatus `db:"status" json:"status"`
	Environment      string       `db:"environment" json:"environment"`
	CRMClientID      *int64       `db:"crm_client_id" json:"crm_client_id,omitempty"`
	PlanID           *int64       `db:"plan_id" json:"plan_id,omitempty"`
	BusinessLineID   *int64       `db:"business_line_id" json:"business_line_id,omitempty"`
	AdminPrincipalID *int64       `db:"admin_principal_id" json:"admin_principal_id,omitempty"`
	CreatedAt        time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time    `db:"updated_at" json:"updated_at"`
}

// Route maps an external hostname (and optional sub-path) to one tenant.
type Route struct {
	ID       int64  `db:"id" json:"id"`
	TenantID int64  `db:"tenant_id" json:"tenant_id"`
	Hostname string `db:"hostname" json:"hostname"`
	Path     string `db:"path" json:"path"`
}

// Application is a registered downstream service that keeps tables in tenant namespaces.
type Application struct {
	ID              int64  `db:"id" json:"id"`
	Name            string `db:"name" json:"name"`
	BaseURL         string `db:"base_url" json:"base_url"`
	MigrateEndpoint string `db:"migrate_endpoint" json:"migrate_endpoint"`
	Secret          string `db:"secret" json:"-"`
}

// TenantPrincipal is the request-scoped identity built by the resolver. Never persisted.
type TenantPrincipal struct {
	UserID    int64  `json:"user_id"`
	Namespace string `json:"namespace"`
	TenantID  int64  `json:"tenant_id"`
}
