package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type BillingCycle string

const (
	BillingMonthly  BillingCycle = "monthly"
	BillingYearly   BillingCycle = "yearly"
	BillingLifetime BillingCycle = "lifetime"
)

// Period returns the license validity length for the cycle; zero means open-ended.
func (c BillingCycle) Period() time.Duration {
	switch c {
	case BillingMonthly:
		return 30 * 24 * time.Hour
	case BillingYearly:
		return 365 * 24 * time.Hour
	}
	return 0
}

type SubscriptionPlan struct {
	ID             int64           `db:"id" json:"id"`
	Name           string          `db:"name" json:"name"`
	Price          decimal.Decimal `db:"price" json:"price"`
	Currency       string          `db:"currency" json:"currency"`
	BillingCycle   BillingCycle    `db:"billing_cycle" json:"billing_cycle"`
	MaxUsers       int             `db:"max_users" json:"max_users"`
	MaxStorageMB   int             `db:"max_storage_mb" json:"max_storage_mb"`
	Status         string          `db:"status" json:"status"`
	BusinessLineID *int64          `db:"business_line_id" json:"business_line_id,omitempty"`
	Features       []PlanFeature   `json:"features"`
}

type Feature struct {
	ID            int64          `db:"id" json:"id"`
	Name          string         `db:"name" json:"name"`
	Key           string         `db:"key" json:"key"`
	ApplicationID int64          `db:"application_id" json:"application_id"`
	Description   string         `db:"description" json:"description"`
	Settings      map[string]any `db:"settings" json:"settings"`
}

// PlanFeature is a plan's entitlement to one feature. Settings override Feature.Settings key by key.
type PlanFeature struct {
	Feature  Feature        `json:"feature"`
	Settings map[string]any `json:"settings,omitempty"`
}

type LicenseStatus string

const (
	LicenseActive    LicenseStatus = "active"
	LicenseExpired   LicenseStatus = "expired"
	LicenseSuspended LicenseStatus = "suspended"
	LicenseRevoked   LicenseStatus = "revoked"
	// LicenseInactive marks a license superseded by a plan or business-line change.
	LicenseInactive LicenseStatus = "inactive"
)

// PlanSnapshot is a flat copy of plan scalars taken when a license is issued.
type PlanSnapshot struct {
	PlanID         int64        `json:"plan_id"`
	Name           string       `json:"name"`
	Price          string       `json:"price"`
	Currency       string       `json:"currency"`
	BillingCycle   BillingCycle `json:"billing_cycle"`
	MaxUsers       int          `json:"max_users"`
	MaxStorageMB   int          `json:"max_storage_mb"`
	Status         string       `json:"status"`
	BusinessLineID *int64       `json:"business_line_id,omitempty"`
}

type FeatureSnapshot struct {
	Name          string   `json:"name"`
	Key           string   `json:"key"`
	ApplicationID int64    `json:"application_id"`
	Description   string   `json:"description"`
	Capabilities  []string `json:"capabilities"`
}

// FeaturesSnapshot maps feature id to its frozen description.
type FeaturesSnapshot map[int64]FeatureSnapshot

type TenantSubscriptionLicense struct {
	ID               int64            `db:"id" json:"id"`
	TenantID         int64            `db:"tenant_id" json:"tenant_id"`
	PlanID           int64            `db:"plan_id" json:"plan_id"`
	BusinessLineID   *int64           `db:"business_line_id" json:"business_line_id,omitempty"`
	LicenseKey       string           `db:"license_key" json:"license_key"`
	Status           LicenseStatus    `db:"status" json:"status"`
	ValidFrom        time.Time        `db:"valid_from" json:"valid_from"`
	ValidUntil       *time.Time       `db:"valid_until" json:"valid_until,omitempty"`
	PlanSnapshot     PlanSnapshot     `db:"plan_snapshot" json:"plan_snapshot"`
	FeaturesSnapshot FeaturesSnapshot `db:"features_snapshot" json:"features_snapshot"`
	CreatedAt        time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time        `db:"updated_at" json:"updated_at"`
}

// MarshalSnapshots encodes both snapshots for JSONB columns.
func (l *TenantSubscriptionLicense) MarshalSnapshots() (plan, features []byte, err error) {
	if plan, err = json.Marshal(l.PlanSnapshot); err != nil {
		return nil, nil, err
	}
	if l.FeaturesSnapshot == nil {
		l.FeaturesSnapshot = FeaturesSnapshot{}
	}
	if features, err = json.Marshal(l.FeaturesSnapshot); err != nil {
		return nil, nil, err
	}
	return plan, features, nil
}
