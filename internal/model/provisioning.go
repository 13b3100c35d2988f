package model

import (
	"time"

	"github.com/google/uuid"
)

type ProvisioningState string

const (
	StateRequested             ProvisioningState = "requested"
	StateNamespacePending      ProvisioningState = "namespace_pending"
	StateNamespaceCreated      ProvisioningState = "namespace_created"
	StateBaselineSchemaApplied ProvisioningState = "baseline_schema_applied"
	StateAdminPrincipalCreated ProvisioningState = "admin_principal_created"
	StateRBACSeeded            ProvisioningState = "rbac_seeded"
	StateCollaboratorsNotified ProvisioningState = "collaborators_notified"
	StateActive                ProvisioningState = "active"
	StateCompensated           ProvisioningState = "compensated"
	StateCompensationFailed    ProvisioningState = "compensation_failed"
)

// Terminal reports whether no further transition is expected from s.
func (s ProvisioningState) Terminal() bool {
	return s == StateActive || s == StateCompensated || s == StateCompensationFailed
}

// StepFailure is a non-fatal provisioning problem reported alongside a created tenant.
type StepFailure struct {
	State         ProvisioningState `json:"state"`
	Step          string            `json:"step"`
	ApplicationID *int64            `json:"application_id,omitempty"`
	Error         string            `json:"error"`
}

// ProvisioningRun is the durable record of one tenant creation attempt.
type ProvisioningRun struct {
	ID        uuid.UUID         `db:"id" json:"id"`
	TenantID  *int64            `db:"tenant_id" json:"tenant_id,omitempty"`
	Namespace string            `db:"namespace" json:"namespace"`
	State     ProvisioningState `db:"state" json:"state"`
	LastError string            `db:"last_error" json:"last_error,omitempty"`
	Warnings  []StepFailure     `db:"warnings" json:"warnings"`
	CreatedAt time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt time.Time         `db:"updated_at" json:"updated_at"`
}
