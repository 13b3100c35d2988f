// internal/manager/tenant_manager.go
package manager

import (
	"context"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"schema-tenancy/internal/apperr"
	"schema-tenancy/internal/consumer"
	"schema-tenancy/internal/model"
	"schema-tenancy/internal/namespace"
	"schema-tenancy/internal/outbox"
	"schema-tenancy/internal/provisioning"
	"schema-tenancy/internal/rbac"
	"schema-tenancy/internal/schema"
	"schema-tenancy/internal/subscription"
)

// Store is the shared-namespace persistence the manager reads and enqueues through.
type Store interface {
	GetTenant(ctx context.Context, id int64) (*model.Tenant, error)
	LookupTenant(ctx context.Context, key string) (*model.Tenant, error)
	ListTenants(ctx context.Context) ([]model.Tenant, error)
	GetApplication(ctx context.Context, id int64) (*model.Application, error)
	TenantsForApplication(ctx context.Context, appID int64) ([]model.Tenant, error)
	AddRoute(ctx context.Context, r *model.Route) (*model.Route, error)
	Enqueue(ctx context.Context, t *model.OutboxTask) error
}

type Provisioner interface {
	Provision(ctx context.Context, req provisioning.Request) (*provisioning.Result, error)
	Teardown(ctx context.Context, tenantID int64) error
}

type Subscriptions interface {
	RenewOrChange(ctx context.Context, tenant *model.Tenant, planID int64, businessLineID *int64) (*subscription.ChangeResult, error)
}

type Seeder interface {
	Seed(ctx context.Context, ex namespace.Executor, tenant *model.Tenant, fs model.FeaturesSnapshot, adminID int64) (rbac.Report, error)
}

type Scoper interface {
	Within(ctx context.Context, ns string, fn func(ctx context.Context, ex namespace.Executor) error) error
}

type TokenIssuer interface {
	GenerateToken(namespace string, userID, tenantID int64) (string, error)
}

type Invalidator interface {
	Invalidate(ctx context.Context, t *model.Tenant) error
}

type Deps struct {
	Store         Store
	Provisioner   Provisioner
	Subscriptions Subscriptions
	RBAC          Seeder
	Scoper        Scoper
	Tokens        TokenIssuer
	Cache         Invalidator
	Synthesizer   *schema.Synthesizer
	Entities      *schema.Registry
}

type TenantManager struct {
	store       Store
	provisioner Provisioner
	subs        Subscriptions
	rbac        Seeder
	scoper      Scoper
	tokens      TokenIssuer
	cache       Invalidator
	synth       *schema.Synthesizer
	entities    *schema.Registry
	logger      *zap.Logger

	mu       sync.Mutex
	consumer *consumer.Consumer
}

func NewTenantManager(d Deps, logger *zap.Logger) *TenantManager {
	return &TenantManager{
		store:       d.Store,
		provisioner: d.Provisioner,
		subs:        d.Subscriptions,
		rbac:        d.RBAC,
		scoper:      d.Scoper,
		tokens:      d.Tokens,
		cache:       d.Cache,
		synth:       d.Synthesizer,
		entities:    d.Entities,
		logger:      logger,
	}
}

// CreateTenant provisions a tenant. A non-nil result may still carry warnings.
func (tm *TenantManager) CreateTenant(ctx context.Context, req provisioning.Request) (*provisioning.Result, error) {
	return tm.provisioner.Provision(ctx, req)
}

// DeleteTenant tears the tenant down: catalog rows, namespace and queue.
func (tm *TenantManager) DeleteTenant(ctx context.Context, tenantID int64) error {
	return tm.provisioner.Teardown(ctx, tenantID)
}

func (tm *TenantManager) ListTenants(ctx context.Context) ([]model.Tenant, error) {
	return tm.store.ListTenants(ctx)
}

// PlanChange is a subscription change plus the RBAC re-seed it triggered.
type PlanChange struct {
	*subscription.ChangeResult
	RBAC rbac.Report `json:"rbac"`
}

// ChangePlan renews or changes the tenant's license and merges the new entitlements into
// the tenant's RBAC. A re-seed failure is reported in the result, not returned.
func (tm *TenantManager) ChangePlan(ctx context.Context, tenantID, planID int64, businessLineID *int64) (*PlanChange, error) {
	tenant, err := tm.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	change, err := tm.subs.RenewOrChange(ctx, tenant, planID, businessLineID)
	if err != nil {
		return nil, err
	}
	out := &PlanChange{ChangeResult: change}

	if tenant.AdminPrincipalID == nil {
		tm.logger.Warn("tenant has no admin principal, skipping rbac re-seed", zap.Int64("tenant_id", tenantID))
	} else {
		err = tm.scoper.Within(ctx, tenant.Namespace, func(ctx context.Context, ex namespace.Executor) error {
			var err error
			out.RBAC, err = tm.rbac.Seed(ctx, ex, tenant, change.License.FeaturesSnapshot, *tenant.AdminPrincipalID)
			return err
		})
		if err != nil {
			tm.logger.Error("rbac re-seed after plan change", zap.Int64("tenant_id", tenantID), zap.Error(err))
			out.RBAC.Results = append(out.RBAC.Results, rbac.AppResult{Err: err, Error: err.Error()})
		}
	}

	if tm.cache != nil {
		if err := tm.cache.Invalidate(ctx, tenant); err != nil {
			tm.logger.Warn("invalidate cached tenant", zap.Int64("tenant_id", tenantID), zap.Error(err))
		}
	}
	tm.logger.Info("subscription changed",
		zap.Int64("tenant_id", tenantID),
		zap.Int64("plan_id", planID),
		zap.String("transition", string(change.Transition)))
	return out, nil
}

// MigrateApplication enqueues the application's migration callback for every serving
// tenant that depends on it and returns how many were enqueued.
func (tm *TenantManager) MigrateApplication(ctx context.Context, appID int64) (int, error) {
	app, err := tm.store.GetApplication(ctx, appID)
	if err != nil {
		return 0, err
	}
	tenants, err := tm.store.TenantsForApplication(ctx, appID)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, t := range tenants {
		task, err := outbox.NewTask(model.TaskAppMigrate, t.ID, model.MigratePayload{
			TenantSchema:  t.Namespace,
			TenantID:      t.ID,
			ApplicationID: app.ID,
		})
		if err != nil {
			return n, err
		}
		if err := tm.store.Enqueue(ctx, task); err != nil {
			return n, fmt.Errorf("enqueue migration for tenant %d: %w", t.ID, err)
		}
		n++
	}
	tm.logger.Info("application migration enqueued", zap.String("app", app.Name), zap.Int("tenants", n))
	return n, nil
}

func (tm *TenantManager) AddRoute(ctx context.Context, tenantID int64, hostname, path string) (*model.Route, error) {
	if _, err := tm.store.GetTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	return tm.store.AddRoute(ctx, &model.Route{TenantID: tenantID, Hostname: hostname, Path: path})
}

// IssueToken signs a bearer for an existing, active user of a serving tenant.
func (tm *TenantManager) IssueToken(ctx context.Context, tenantKey string, userID int64) (string, error) {
	tenant, err := tm.store.LookupTenant(ctx, tenantKey)
	if err != nil {
		return "", err
	}
	if !tenant.Status.Serving() {
		return "", apperr.ErrTenantInactive
	}
	err = tm.scoper.Within(ctx, tenant.Namespace, func(ctx context.Context, ex namespace.Executor) error {
		ok, err := rbac.PrincipalExists(ctx, ex, userID)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.NotFoundf("user %d in %s", userID, tenant.Namespace)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return tm.tokens.GenerateToken(tenant.Namespace, userID, tenant.ID)
}

// EnsureEntity creates a registered entity's table (and what it references) in ns on ex.
func (tm *TenantManager) EnsureEntity(ctx context.Context, ex namespace.Executor, ns, name string) ([]string, error) {
	return tm.entities.Ensure(ctx, tm.synth, ex, name, ns)
}

func (tm *TenantManager) Entities() []string { return tm.entities.Names() }

// HandleCommand serves control-queue commands.
func (tm *TenantManager) HandleCommand(ctx context.Context, cmd consumer.MigrateCommand) error {
	_, err := tm.MigrateApplication(ctx, cmd.ApplicationID)
	return err
}

// StartConsumer attaches the control-queue consumer. Calling it twice is a no-op.
func (tm *TenantManager) StartConsumer(conn *amqp.Connection, queue string) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.consumer != nil {
		return nil
	}
	c, err := consumer.StartConsumer(conn, queue, tm.HandleCommand, tm.logger)
	if err != nil {
		return err
	}
	tm.consumer = c
	return nil
}

// Shutdown stops the control consumer.
func (tm *TenantManager) Shutdown() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.consumer != nil {
		tm.consumer.Stop()
		tm.consumer = nil
	}
}
