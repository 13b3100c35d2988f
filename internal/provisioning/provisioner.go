// Package provisioning creates tenants as a durable state machine with compensation.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"schema-tenancy/internal/apperr"
	"schema-tenancy/internal/metrics"
	"schema-tenancy/internal/model"
	"schema-tenancy/internal/namespace"
	"schema-tenancy/internal/outbox"
	"schema-tenancy/internal/rbac"
	"schema-tenancy/internal/subscription"
)

type Catalog interface {
	RegisterTenant(ctx context.Context, t *model.Tenant) (*model.Tenant, error)
	GetTenant(ctx context.Context, id int64) (*model.Tenant, error)
	UpdateTenantStatus(ctx context.Context, id int64, status model.TenantStatus) error
	SetAdminPrincipal(ctx context.Context, id, principalID int64) error
	AttachApplications(ctx context.Context, tenantID int64, appIDs []int64) error
	NamespaceExists(ctx context.Context, ns string) (bool, error)
	CreateNamespace(ctx context.Context, ns string) error
	DropNamespace(ctx context.Context, ns string) error
	UnregisterTenant(ctx context.Context, id int64) error
	DeleteTenant(ctx context.Context, id int64) error
}

type Runs interface {
	CreateRun(ctx context.Context, r *model.ProvisioningRun) error
	SaveRun(ctx context.Context, r *model.ProvisioningRun) error
	StalledRuns(ctx context.Context, olderThan time.Duration) ([]model.ProvisioningRun, error)
}

type Outbox interface {
	Enqueue(ctx context.Context, t *model.OutboxTask) error
}

// Scoper runs fn on a connection bound to ns. Implemented by namespace.Manager.
type Scoper interface {
	Within(ctx context.Context, ns string, fn func(ctx context.Context, ex namespace.Executor) error) error
}

type Baseliner interface {
	ApplyBaseline(ctx context.Context, ex namespace.Executor, ns string) error
}

type Licenser interface {
	Issue(ctx context.Context, tenant *model.Tenant, planID int64, businessLineID *int64) (*model.TenantSubscriptionLicense, error)
}

type Seeder interface {
	CreatePrincipal(ctx context.Context, ex namespace.Executor, pr rbac.Principal) (int64, error)
	Seed(ctx context.Context, ex namespace.Executor, tenant *model.Tenant, fs model.FeaturesSnapshot, adminID int64) (rbac.Report, error)
}

// Invalidator drops cached catalog entries. Optional.
type Invalidator interface {
	Invalidate(ctx context.Context, t *model.Tenant) error
}

type Request struct {
	Name           string             `json:"name"`
	Slug           string             `json:"slug,omitempty"`
	Namespace      string             `json:"namespace,omitempty"`
	Environment    string             `json:"environment,omitempty"`
	Status         model.TenantStatus `json:"status,omitempty"`
	CRMClientID    *int64             `json:"crm_client_id,omitempty"`
	PlanID         *int64             `json:"plan_id,omitempty"`
	BusinessLineID *int64             `json:"business_line_id,omitempty"`
	ApplicationIDs []int64            `json:"application_ids,omitempty"`
	Admin          rbac.Principal     `json:"admin"`
}

// Result is what a successful Provision returns. Warnings lists non-fatal step failures;
// the tenant is active even when it is non-empty.
type Result struct {
	Tenant   *model.Tenant                    `json:"tenant"`
	License  *model.TenantSubscriptionLicense `json:"license,omitempty"`
	RunID    uuid.UUID                        `json:"run_id"`
	Warnings []model.StepFailure              `json:"warnings"`
}

func (r *Result) Partial() bool { return len(r.Warnings) > 0 }

// Err reports the warnings as one PartialProvisioningFailure, nil when there are none.
func (r *Result) Err() error {
	if !r.Partial() {
		return nil
	}
	var errs error
	for _, w := range r.Warnings {
		errs = multierr.Append(errs, fmt.Errorf("%s: %s", w.Step, w.Error))
	}
	return &apperr.Error{Kind: apperr.KindPartialProvisioning, Code: "partial_provisioning",
		Msg: fmt.Sprintf("%d provisioning step(s) failed", len(r.Warnings)), Err: errs}
}

type Provisioner struct {
	catalog  Catalog
	runs     Runs
	outbox   Outbox
	scoper   Scoper
	baseline Baseliner
	licenses Licenser
	rbac     Seeder
	cache    Invalidator
	logger   *zap.Logger
}

type Deps struct {
	Catalog  Catalog
	Runs     Runs
	Outbox   Outbox
	Scoper   Scoper
	Baseline Baseliner
	Licenses Licenser
	RBAC     Seeder
	Cache    Invalidator
}

func New(d Deps, logger *zap.Logger) *Provisioner {
	return &Provisioner{
		catalog:  d.Catalog,
		runs:     d.Runs,
		outbox:   d.Outbox,
		scoper:   d.Scoper,
		baseline: d.Baseline,
		licenses: d.Licenses,
		rbac:     d.RBAC,
		cache:    d.Cache,
		logger:   logger,
	}
}

// run carries one Provision call's in-memory progress next to its durable record.
type run struct {
	rec      *model.ProvisioningRun
	tenant   *model.Tenant
	license  *model.TenantSubscriptionLicense
	adminID  int64
	appIDs   []int64
	nsOwned  bool
	warnings []model.StepFailure
}

func (req *Request) normalize() error {
	if req.Name == "" {
		return apperr.Validationf("tenant name is required")
	}
	if req.Slug == "" {
		req.Slug = namespace.Slug(req.Name)
	}
	if req.Namespace == "" {
		req.Namespace = namespace.Name(req.Name)
	}
	if err := namespace.ValidateSlug(req.Slug); err != nil {
		return err
	}
	if err := namespace.ValidateTenantNamespace(req.Namespace); err != nil {
		return err
	}
	if req.Status == "" {
		req.Status = model.TenantTrial
	}
	if !req.Status.Valid() {
		return apperr.Validationf("unknown tenant status %q", req.Status)
	}
	return req.Admin.Validate()
}

// Provision walks requested → namespace_created → baseline_schema_applied →
// admin_principal_created → rbac_seeded → collaborators_notified → active, persisting each
// state before the next step. A fatal failure compensates and returns the step's error.
func (p *Provisioner) Provision(ctx context.Context, req Request) (*Result, error) {
	if err := req.normalize(); err != nil {
		metrics.ProvisioningRuns.WithLabelValues("rejected").Inc()
		return nil, err
	}

	r := &run{rec: &model.ProvisioningRun{Namespace: req.Namespace, State: model.StateRequested}}
	if err := p.runs.CreateRun(ctx, r.rec); err != nil {
		return nil, err
	}
	log := p.logger.With(zap.String("run", r.rec.ID.String()), zap.String("namespace", req.Namespace))

	steps := []struct {
		next model.ProvisioningState
		do   func(ctx context.Context, r *run, req *Request) error
	}{
		{model.StateNamespaceCreated, p.createNamespace},
		{model.StateBaselineSchemaApplied, p.applyBaseline},
		{model.StateAdminPrincipalCreated, p.createAdmin},
		{model.StateRBACSeeded, p.seedEntitlements},
		{model.StateCollaboratorsNotified, p.notifyCollaborators},
		{model.StateActive, p.activate},
	}

	for _, step := range steps {
		if err := step.do(ctx, r, &req); err != nil {
			metrics.ProvisioningStepFailures.WithLabelValues(string(step.next)).Inc()
			log.Error("provisioning step failed", zap.String("state", string(step.next)), zap.Error(err))
			p.fail(ctx, r, err, log)
			result := string(r.rec.State)
			if k := apperr.KindOf(err); r.tenant == nil && (k == apperr.KindDuplicateIdentifier || k == apperr.KindValidation) {
				result = "rejected"
			}
			metrics.ProvisioningRuns.WithLabelValues(result).Inc()
			return nil, err
		}
		if err := p.advance(ctx, r, step.next); err != nil {
			log.Error("persist provisioning state", zap.String("state", string(step.next)), zap.Error(err))
			p.fail(ctx, r, err, log)
			metrics.ProvisioningRuns.WithLabelValues(string(r.rec.State)).Inc()
			return nil, err
		}
	}

	result := "active"
	if len(r.warnings) > 0 {
		result = "partial"
	}
	metrics.ProvisioningRuns.WithLabelValues(result).Inc()
	log.Info("tenant provisioned", zap.Int64("tenant_id", r.tenant.ID), zap.Int("warnings", len(r.warnings)))

	warnings := r.warnings
	if warnings == nil {
		warnings = []model.StepFailure{}
	}
	return &Result{Tenant: r.tenant, License: r.license, RunID: r.rec.ID, Warnings: warnings}, nil
}

func (p *Provisioner) advance(ctx context.Context, r *run, state model.ProvisioningState) error {
	r.rec.State = state
	r.rec.Warnings = r.warnings
	return p.runs.SaveRun(ctx, r.rec)
}

func (p *Provisioner) warn(r *run, state model.ProvisioningState, step string, appID *int64, err error) {
	r.warnings = append(r.warnings, model.StepFailure{State: state, Step: step, ApplicationID: appID, Error: err.Error()})
}

// createNamespace registers the catalog entry, then creates the schema. The tenant stays
// inactive until the last step so the resolver never binds a half-built namespace.
//
// namespace_pending is persisted after the schema was seen to be absent and before it is
// created, so a run that crashes in between is known to own whatever schema exists.
func (p *Provisioner) createNamespace(ctx context.Context, r *run, req *Request) error {
	t, err := p.catalog.RegisterTenant(ctx, &model.Tenant{
		Name:           req.Name,
		Slug:           req.Slug,
		Namespace:      req.Namespace,
		Status:         model.TenantInactive,
		Environment:    req.Environment,
		CRMClientID:    req.CRMClientID,
		PlanID:         req.PlanID,
		BusinessLineID: req.BusinessLineID,
	})
	if err != nil {
		return err
	}
	r.tenant = t
	r.rec.TenantID = &t.ID

	exists, err := p.catalog.NamespaceExists(ctx, t.Namespace)
	if err != nil {
		return err
	}
	if exists {
		return apperr.Duplicate("namespace "+t.Namespace, nil)
	}
	r.rec.State = model.StateNamespacePending
	if err := p.runs.SaveRun(ctx, r.rec); err != nil {
		return err
	}
	r.nsOwned = true

	if err := p.catalog.CreateNamespace(ctx, t.Namespace); err != nil {
		if apperr.KindOf(err) == apperr.KindDuplicateIdentifier {
			// created by someone else since the check
			r.nsOwned = false
		}
		return err
	}
	return nil
}

func (p *Provisioner) applyBaseline(ctx context.Context, r *run, _ *Request) error {
	return p.scoper.Within(ctx, r.tenant.Namespace, func(ctx context.Context, ex namespace.Executor) error {
		return p.baseline.ApplyBaseline(ctx, ex, r.tenant.Namespace)
	})
}

func (p *Provisioner) createAdmin(ctx context.Context, r *run, req *Request) error {
	err := p.scoper.Within(ctx, r.tenant.Namespace, func(ctx context.Context, ex namespace.Executor) error {
		id, err := p.rbac.CreatePrincipal(ctx, ex, req.Admin)
		if err != nil {
			return err
		}
		r.adminID = id
		return nil
	})
	if err != nil {
		return err
	}
	if err := p.catalog.SetAdminPrincipal(ctx, r.tenant.ID, r.adminID); err != nil {
		return err
	}
	r.tenant.AdminPrincipalID = &r.adminID
	return nil
}

// seedEntitlements issues the license (fatal) and seeds RBAC from its features snapshot.
// A failed application is a warning; the others are kept.
func (p *Provisioner) seedEntitlements(ctx context.Context, r *run, req *Request) error {
	r.appIDs = dedupe(req.ApplicationIDs)
	if req.PlanID == nil {
		return nil
	}

	license, err := p.licenses.Issue(ctx, r.tenant, *req.PlanID, req.BusinessLineID)
	if err != nil {
		return err
	}
	r.license = license
	r.tenant.PlanID = &license.PlanID
	r.tenant.BusinessLineID = license.BusinessLineID
	r.appIDs = dedupe(append(r.appIDs, subscription.ApplicationIDs(license.FeaturesSnapshot)...))

	var report rbac.Report
	err = p.scoper.Within(ctx, r.tenant.Namespace, func(ctx context.Context, ex namespace.Executor) error {
		var err error
		report, err = p.rbac.Seed(ctx, ex, r.tenant, license.FeaturesSnapshot, r.adminID)
		return err
	})
	if err != nil {
		p.warn(r, model.StateRBACSeeded, "rbac_seed", nil, err)
		return nil
	}
	for _, res := range report.Failed() {
		appID := res.ApplicationID
		p.warn(r, model.StateRBACSeeded, "rbac_seed", &appID, res.Err)
	}
	return nil
}

// notifyCollaborators records outbound tasks; delivery happens in the outbox relay. Nothing
// here is fatal.
func (p *Provisioner) notifyCollaborators(ctx context.Context, r *run, _ *Request) error {
	if len(r.appIDs) > 0 {
		if err := p.catalog.AttachApplications(ctx, r.tenant.ID, r.appIDs); err != nil {
			p.warn(r, model.StateCollaboratorsNotified, "attach_applications", nil, err)
		}
	}

	queue, err := outbox.NewTask(model.TaskCreateTenantQueue, r.tenant.ID, model.QueuePayload{NamespaceSlug: r.tenant.Slug})
	if err == nil {
		err = p.outbox.Enqueue(ctx, queue)
	}
	if err != nil {
		p.warn(r, model.StateCollaboratorsNotified, "tenant_queue", nil, err)
	}

	for _, appID := range r.appIDs {
		task, err := outbox.NewTask(model.TaskAppMigrate, r.tenant.ID, model.MigratePayload{
			TenantSchema:  r.tenant.Namespace,
			TenantID:      r.tenant.ID,
			ApplicationID: appID,
		})
		if err == nil {
			err = p.outbox.Enqueue(ctx, task)
		}
		if err != nil {
			id := appID
			p.warn(r, model.StateCollaboratorsNotified, "app_migrate", &id, err)
		}
	}
	return nil
}

func (p *Provisioner) activate(ctx context.Context, r *run, req *Request) error {
	if err := p.catalog.UpdateTenantStatus(ctx, r.tenant.ID, req.Status); err != nil {
		return err
	}
	r.tenant.Status = req.Status
	return nil
}

// fail compensates and records the terminal state. Persisting that state is best effort.
func (p *Provisioner) fail(ctx context.Context, r *run, cause error, log *zap.Logger) {
	// compensation must run even when the caller's context is already done
	ctx = context.WithoutCancel(ctx)

	r.rec.LastError = cause.Error()
	r.rec.Warnings = r.warnings
	if err := p.compensate(ctx, r.rec.TenantID, r.rec.Namespace, r.nsOwned); err != nil {
		log.Error("compensation failed", zap.Error(err))
		r.rec.State = model.StateCompensationFailed
		r.rec.LastError = multierr.Combine(cause, err).Error()
	} else {
		r.rec.State = model.StateCompensated
	}
	if err := p.runs.SaveRun(ctx, r.rec); err != nil {
		log.Warn("persist terminal provisioning state", zap.Error(err))
	}
}

// compensate drops the schema (only when this run created it) and then removes the
// catalog entry. Both are attempted; failures are combined.
func (p *Provisioner) compensate(ctx context.Context, tenantID *int64, ns string, nsOwned bool) error {
	var errs error
	if nsOwned {
		if err := p.catalog.DropNamespace(ctx, ns); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if tenantID != nil {
		if err := p.catalog.UnregisterTenant(ctx, *tenantID); err != nil && !errors.Is(err, apperr.NotFound) {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Teardown deletes a tenant, its namespace and its queue, and evicts it from the cache.
// Queue deletion is enqueued; cache and enqueue failures are logged.
func (p *Provisioner) Teardown(ctx context.Context, tenantID int64) error {
	t, err := p.catalog.GetTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	if err := p.catalog.DeleteTenant(ctx, tenantID); err != nil {
		return err
	}

	log := p.logger.With(zap.Int64("tenant_id", t.ID), zap.String("namespace", t.Namespace))
	task, err := outbox.NewTask(model.TaskDeleteTenantQueue, t.ID, model.QueuePayload{NamespaceSlug: t.Slug})
	if err == nil {
		err = p.outbox.Enqueue(ctx, task)
	}
	if err != nil {
		log.Warn("enqueue tenant queue deletion", zap.Error(err))
	}
	if p.cache != nil {
		if err := p.cache.Invalidate(ctx, t); err != nil {
			log.Warn("invalidate cached tenant", zap.Error(err))
		}
	}
	log.Info("tenant torn down")
	return nil
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
