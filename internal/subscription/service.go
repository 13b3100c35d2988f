package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"schema-tenancy/internal/apperr"
	"schema-tenancy/internal/model"
)

// Transition names the branch a renew/change call takes.
type Transition string

const (
	// same plan, same business line: snapshot refreshed in place
	RefreshSnapshot Transition = "refresh_snapshot"
	// same plan, different business line: new license, old one deactivated
	ReissueBusinessLine Transition = "reissue_business_line"
	// different plan, same business line: existing license re-pointed
	UpdatePlan Transition = "update_plan"
	// different plan, different business line: new license, old one deactivated
	ReissuePlanAndBusinessLine Transition = "reissue_plan_and_business_line"
	// no active license yet
	NewLicense Transition = "new_license"
)

// Store is the license persistence the service needs.
type Store interface {
	GetPlan(ctx context.Context, id int64) (*model.SubscriptionPlan, error)
	ActiveLicense(ctx context.Context, tenantID int64) (*model.TenantSubscriptionLicense, error)
	ReplaceActiveLicense(ctx context.Context, l *model.TenantSubscriptionLicense) (*model.TenantSubscriptionLicense, error)
	UpdateLicensePlan(ctx context.Context, l *model.TenantSubscriptionLicense) error
	SetTenantPlan(ctx context.Context, tenantID, planID int64, businessLineID *int64) error
}

type Service struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger, now: time.Now}
}

type ChangeResult struct {
	Transition Transition                       `json:"transition"`
	License    *model.TenantSubscriptionLicense `json:"license"`
	// Superseded is the license deactivated by this change, if any.
	Superseded *model.TenantSubscriptionLicense `json:"superseded,omitempty"`
}

// Classify picks exactly one transition from the current license and the target.
func Classify(current *model.TenantSubscriptionLicense, planID int64, businessLineID *int64) Transition {
	if current == nil {
		return NewLicense
	}
	samePlan := current.PlanID == planID
	sameLine := sameID(current.BusinessLineID, businessLineID)
	switch {
	case samePlan && sameLine:
		return RefreshSnapshot
	case samePlan:
		return ReissueBusinessLine
	case sameLine:
		return UpdatePlan
	default:
		return ReissuePlanAndBusinessLine
	}
}

// Issue creates an active license for the tenant from the plan's current state and
// deactivates any license that was active before.
func (s *Service) Issue(ctx context.Context, tenant *model.Tenant, planID int64, businessLineID *int64) (*model.TenantSubscriptionLicense, error) {
	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	return s.issue(ctx, tenant, plan, lineFor(plan, businessLineID))
}

func (s *Service) issue(ctx context.Context, tenant *model.Tenant, plan *model.SubscriptionPlan, businessLineID *int64) (*model.TenantSubscriptionLicense, error) {
	ps, fs := Snapshot(plan)
	now := s.now().UTC()
	l := &model.TenantSubscriptionLicense{
		TenantID:         tenant.ID,
		PlanID:           plan.ID,
		BusinessLineID:   businessLineID,
		LicenseKey:       uuid.NewString(),
		Status:           model.LicenseActive,
		ValidFrom:        now,
		ValidUntil:       validUntil(now, plan.BillingCycle),
		PlanSnapshot:     ps,
		FeaturesSnapshot: fs,
	}
	issued, err := s.store.ReplaceActiveLicense(ctx, l)
	if err != nil {
		return nil, fmt.Errorf("issue license: %w", err)
	}
	if err := s.store.SetTenantPlan(ctx, tenant.ID, plan.ID, businessLineID); err != nil {
		return nil, err
	}
	s.logger.Info("license issued",
		zap.Int64("tenant_id", tenant.ID), zap.Int64("plan_id", plan.ID), zap.Int64("license_id", issued.ID))
	return issued, nil
}

// RenewOrChange moves the tenant to planID/businessLineID. A nil business line means the
// plan's own business line.
func (s *Service) RenewOrChange(ctx context.Context, tenant *model.Tenant, planID int64, businessLineID *int64) (*ChangeResult, error) {
	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	line := lineFor(plan, businessLineID)

	current, err := s.store.ActiveLicense(ctx, tenant.ID)
	if err != nil && !errors.Is(err, apperr.NotFound) {
		return nil, err
	}

	res := &ChangeResult{Transition: Classify(current, planID, line)}
	switch res.Transition {
	case RefreshSnapshot, UpdatePlan:
		updated := *current
		updated.PlanID = plan.ID
		updated.PlanSnapshot, updated.FeaturesSnapshot = Snapshot(plan)
		if res.Transition == UpdatePlan {
			updated.ValidUntil = validUntil(current.ValidFrom, plan.BillingCycle)
		}
		if err := s.store.UpdateLicensePlan(ctx, &updated); err != nil {
			return nil, err
		}
		if err := s.store.SetTenantPlan(ctx, tenant.ID, plan.ID, line); err != nil {
			return nil, err
		}
		res.License = &updated
	default:
		issued, err := s.issue(ctx, tenant, plan, line)
		if err != nil {
			return nil, err
		}
		res.License = issued
		if current != nil {
			old := *current
			old.Status = model.LicenseInactive
			res.Superseded = &old
		}
	}

	s.logger.Info("subscription changed",
		zap.Int64("tenant_id", tenant.ID),
		zap.Int64("plan_id", planID),
		zap.String("transition", string(res.Transition)))
	return res, nil
}

func lineFor(plan *model.SubscriptionPlan, requested *int64) *int64 {
	if requested != nil {
		return requested
	}
	return plan.BusinessLineID
}

func validUntil(from time.Time, cycle model.BillingCycle) *time.Time {
	p := cycle.Period()
	if p == 0 {
		return nil
	}
	t := from.Add(p)
	return &t
}

func sameID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
