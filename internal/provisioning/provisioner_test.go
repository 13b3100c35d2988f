package provisioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"schema-tenancy/internal/apperr"
	"schema-tenancy/internal/model"
	"schema-tenancy/internal/namespace"
	"schema-tenancy/internal/rbac"
)

type fakeCatalog struct {
	mu       sync.Mutex
	nextID   int64
	tenants  map[int64]*model.Tenant
	schemas  map[string]bool
	attached map[int64][]int64
	calls    []string

	failCreateNamespace error
	failUnregister      error
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{nextID: 100, tenants: map[int64]*model.Tenant{}, schemas: map[string]bool{}, attached: map[int64][]int64{}}
}

func (c *fakeCatalog) record(format string, args ...any) {
	c.calls = append(c.calls, fmt.Sprintf(format, args...))
}

func (c *fakeCatalog) RegisterTenant(_ context.Context, t *model.Tenant) (*model.Tenant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.tenants {
		if e.Slug == t.Slug || e.Namespace == t.Namespace {
			return nil, apperr.Duplicate("tenant "+t.Slug, nil)
		}
	}
	c.nextID++
	out := *t
	out.ID = c.nextID
	c.tenants[out.ID] = &out
	c.record("register %s", t.Namespace)
	cp := out
	return &cp, nil
}

func (c *fakeCatalog) GetTenant(_ context.Context, id int64) (*model.Tenant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tenants[id]
	if !ok {
		return nil, apperr.NotFoundf("tenant %d", id)
	}
	cp := *t
	return &cp, nil
}

func (c *fakeCatalog) UpdateTenantStatus(_ context.Context, id int64, status model.TenantStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tenants[id]
	if !ok {
		return apperr.NotFoundf("tenant %d", id)
	}
	t.Status = status
	return nil
}

func (c *fakeCatalog) SetAdminPrincipal(_ context.Context, id, principalID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tenants[id].AdminPrincipalID = &principalID
	return nil
}

func (c *fakeCatalog) AttachApplications(_ context.Context, tenantID int64, appIDs []int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attached[tenantID] = appIDs
	return nil
}

func (c *fakeCatalog) NamespaceExists(_ context.Context, ns string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.schemas[ns], nil
}

func (c *fakeCatalog) CreateNamespace(_ context.Context, ns string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failCreateNamespace != nil {
		return c.failCreateNamespace
	}
	if c.schemas[ns] {
		return apperr.Duplicate("namespace "+ns, nil)
	}
	c.schemas[ns] = true
	c.record("create schema %s", ns)
	return nil
}

func (c *fakeCatalog) DropNamespace(_ context.Context, ns string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.schemas, ns)
	c.record("drop schema %s", ns)
	return nil
}

func (c *fakeCatalog) UnregisterTenant(_ context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failUnregister != nil {
		return c.failUnregister
	}
	if _, ok := c.tenants[id]; !ok {
		return apperr.NotFoundf("tenant %d", id)
	}
	delete(c.tenants, id)
	c.record("unregister %d", id)
	return nil
}

func (c *fakeCatalog) DeleteTenant(_ context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tenants[id]
	if !ok {
		return apperr.NotFoundf("tenant %d", id)
	}
	delete(c.tenants, id)
	delete(c.schemas, t.Namespace)
	c.record("delete %d", id)
	return nil
}

type fakeRuns struct {
	mu      sync.Mutex
	states  []model.ProvisioningState
	last    *model.ProvisioningRun
	stalled []model.ProvisioningRun
	saved   map[uuid.UUID]model.ProvisioningRun
}

func newFakeRuns() *fakeRuns { return &fakeRuns{saved: map[uuid.UUID]model.ProvisioningRun{}} }

func (r *fakeRuns) CreateRun(_ context.Context, run *model.ProvisioningRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run.ID = uuid.New()
	r.states = append(r.states, run.State)
	return nil
}

func (r *fakeRuns) SaveRun(_ context.Context, run *model.ProvisioningRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.states); n == 0 || r.states[n-1] != run.State {
		r.states = append(r.states, run.State)
	}
	cp := *run
	r.last = &cp
	r.saved[run.ID] = cp
	return nil
}

func (r *fakeRuns) StalledRuns(context.Context, time.Duration) ([]model.ProvisioningRun, error) {
	return r.stalled, nil
}

type fakeOutbox struct {
	mu    sync.Mutex
	tasks []model.OutboxTask
	err   error
}

func (o *fakeOutbox) Enqueue(_ context.Context, t *model.OutboxTask) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.tasks = append(o.tasks, *t)
	return nil
}

func (o *fakeOutbox) kinds() []model.TaskKind {
	var out []model.TaskKind
	for _, t := range o.tasks {
		out = append(out, t.Kind)
	}
	return out
}

// fakeScoper runs fn without a real connection and records the namespaces it was asked for.
type fakeScoper struct {
	mu    sync.Mutex
	bound []string
}

func (s *fakeScoper) Within(ctx context.Context, ns string, fn func(context.Context, namespace.Executor) error) error {
	s.mu.Lock()
	s.bound = append(s.bound, ns)
	s.mu.Unlock()
	return fn(ctx, nil)
}

type fakeBaseline struct{ err error }

func (b fakeBaseline) ApplyBaseline(context.Context, namespace.Executor, string) error { return b.err }

type fakeLicenser struct {
	snapshot model.FeaturesSnapshot
	err      error
}

func (l fakeLicenser) Issue(_ context.Context, t *model.Tenant, planID int64, line *int64) (*model.TenantSubscriptionLicense, error) {
	if l.err != nil {
		return nil, l.err
	}
	return &model.TenantSubscriptionLicense{ID: 1, TenantID: t.ID, PlanID: planID, BusinessLineID: line,
		Status: model.LicenseActive, FeaturesSnapshot: l.snapshot}, nil
}

type fakeSeeder struct {
	mu           sync.Mutex
	principalErr error
	failApp      int64
	seeded       model.FeaturesSnapshot
}

func (s *fakeSeeder) CreatePrincipal(context.Context, namespace.Executor, rbac.Principal) (int64, error) {
	if s.principalErr != nil {
		return 0, s.principalErr
	}
	return 1, nil
}

func (s *fakeSeeder) Seed(_ context.Context, _ namespace.Executor, _ *model.Tenant, fs model.FeaturesSnapshot, _ int64) (rbac.Report, error) {
	s.mu.Lock()
	s.seeded = fs
	s.mu.Unlock()
	var report rbac.Report
	for _, appID := range []int64{10, 20} {
		res := rbac.AppResult{ApplicationID: appID, RoleID: appID}
		if appID == s.failApp {
			res.Err = errors.New("permission set upsert failed")
		}
		report.Results = append(report.Results, res)
	}
	return report, nil
}

type fakeCache struct{ invalidated []string }

func (c *fakeCache) Invalidate(_ context.Context, t *model.Tenant) error {
	c.invalidated = append(c.invalidated, t.Namespace)
	return nil
}

type harness struct {
	catalog *fakeCatalog
	runs    *fakeRuns
	outbox  *fakeOutbox
	scoper  *fakeScoper
	seeder  *fakeSeeder
	cache   *fakeCache
	p       *Provisioner
}

func snapshotS1() model.FeaturesSnapshot {
	return model.FeaturesSnapshot{
		1: {Name: "Tickets", Key: "tickets", ApplicationID: 10},
		2: {Name: "Invoices", Key: "invoices", ApplicationID: 20},
	}
}

func newHarness(baseline error, licenser fakeLicenser) *harness {
	h := &harness{
		catalog: newFakeCatalog(),
		runs:    newFakeRuns(),
		outbox:  &fakeOutbox{},
		scoper:  &fakeScoper{},
		seeder:  &fakeSeeder{},
		cache:   &fakeCache{},
	}
	h.p = New(Deps{
		Catalog:  h.catalog,
		Runs:     h.runs,
		Outbox:   h.outbox,
		Scoper:   h.scoper,
		Baseline: fakeBaseline{err: baseline},
		Licenses: licenser,
		RBAC:     h.seeder,
		Cache:    h.cache,
	}, zap.NewNop())
	return h
}

func planID(v int64) *int64 { return &v }

func acmeRequest() Request {
	return Request{
		Name:      "Acme",
		Namespace: "acme_co",
		PlanID:    planID(1),
		Status:    model.TenantActive,
		Admin:     rbac.Principal{Email: "admin@acme.test", FullName: "Acme Admin", Password: "correct-horse"},
	}
}

func TestProvision_WalksEveryState(t *testing.T) {
	h := newHarness(nil, fakeLicenser{snapshot: snapshotS1()})

	res, err := h.p.Provision(context.Background(), acmeRequest())
	require.NoError(t, err)
	assert.False(t, res.Partial())
	assert.NoError(t, res.Err())

	assert.Equal(t, []model.ProvisioningState{
		model.StateRequested,
		model.StateNamespacePending,
		model.StateNamespaceCreated,
		model.StateBaselineSchemaApplied,
		model.StateAdminPrincipalCreated,
		model.StateRBACSeeded,
		model.StateCollaboratorsNotified,
		model.StateActive,
	}, h.runs.states)

	assert.Equal(t, "acme", res.Tenant.Slug)
	assert.Equal(t, model.TenantActive, res.Tenant.Status)
	assert.Equal(t, model.TenantActive, h.catalog.tenants[res.Tenant.ID].Status)
	require.NotNil(t, res.Tenant.AdminPrincipalID)
	assert.Equal(t, int64(1), *res.Tenant.AdminPrincipalID)
	assert.Equal(t, snapshotS1(), h.seeder.seeded)
	assert.Equal(t, []int64{10, 20}, h.catalog.attached[res.Tenant.ID])
	assert.Equal(t, []string{"acme_co", "acme_co", "acme_co"}, h.scoper.bound)

	assert.Equal(t, []model.TaskKind{model.TaskCreateTenantQueue, model.TaskAppMigrate, model.TaskAppMigrate}, h.outbox.kinds())
	assert.JSONEq(t, `{"tenant_schema":"acme_co","tenant_id":101,"app_id":10}`, string(h.outbox.tasks[1].Payload))
}

func TestProvision_CleanRunReportsEmptyWarningList(t *testing.T) {
	h := newHarness(nil, fakeLicenser{snapshot: snapshotS1()})

	res, err := h.p.Provision(context.Background(), acmeRequest())
	require.NoError(t, err)
	body, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"warnings":[]`)
}

func TestProvision_WithoutPlanSkipsLicense(t *testing.T) {
	h := newHarness(nil, fakeLicenser{err: errors.New("must not be called")})
	req := acmeRequest()
	req.PlanID = nil
	req.ApplicationIDs = []int64{30, 30}

	res, err := h.p.Provision(context.Background(), req)
	require.NoError(t, err)
	assert.Nil(t, res.License)
	assert.Nil(t, h.seeder.seeded)
	assert.Equal(t, []int64{30}, h.catalog.attached[res.Tenant.ID])
}

func TestProvision_DuplicateIsRejectedWithoutCompensatingTheWinner(t *testing.T) {
	h := newHarness(nil, fakeLicenser{snapshot: snapshotS1()})
	_, err := h.p.Provision(context.Background(), acmeRequest())
	require.NoError(t, err)

	_, err = h.p.Provision(context.Background(), acmeRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.DuplicateIdentifier)
	assert.Len(t, h.catalog.tenants, 1)
	assert.True(t, h.catalog.schemas["acme_co"])
	assert.Equal(t, model.StateCompensated, h.runs.last.State)
}

func TestProvision_ConcurrentSameSlugExactlyOneWins(t *testing.T) {
	h := newHarness(nil, fakeLicenser{snapshot: snapshotS1()})

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := acmeRequest()
			req.Namespace = fmt.Sprintf("acme_%d", i)
			_, errs[i] = h.p.Provision(context.Background(), req)
		}(i)
	}
	wg.Wait()

	var ok, dup int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, apperr.DuplicateIdentifier):
			dup++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, len(errs)-1, dup)
}

func TestProvision_OrphanSchemaIsNotDropped(t *testing.T) {
	h := newHarness(nil, fakeLicenser{})
	h.catalog.schemas["acme_co"] = true

	_, err := h.p.Provision(context.Background(), acmeRequest())
	assert.ErrorIs(t, err, apperr.DuplicateIdentifier)
	assert.True(t, h.catalog.schemas["acme_co"], "a schema this run did not create must survive")
	assert.Empty(t, h.catalog.tenants)
	assert.Equal(t, model.StateCompensated, h.runs.last.State)
}

// The schema may or may not exist when CREATE SCHEMA fails mid-flight; once the name was
// claimed, compensation drops it either way.
func TestProvision_CreateNamespaceFailureDropsClaimedSchema(t *testing.T) {
	h := newHarness(nil, fakeLicenser{})
	h.catalog.failCreateNamespace = errors.New("connection reset")

	_, err := h.p.Provision(context.Background(), acmeRequest())
	require.Error(t, err)
	assert.Equal(t, []string{"register acme_co", "drop schema acme_co", "unregister 101"}, h.catalog.calls)
	assert.Equal(t, model.StateCompensated, h.runs.last.State)
}

func TestProvision_BaselineFailureCompensates(t *testing.T) {
	h := newHarness(apperr.SchemaIntegrityf(errors.New("syntax error"), "baseline"), fakeLicenser{})

	_, err := h.p.Provision(context.Background(), acmeRequest())
	assert.ErrorIs(t, err, apperr.SchemaIntegrity)
	assert.Empty(t, h.catalog.tenants)
	assert.Empty(t, h.catalog.schemas)
	assert.Equal(t, []string{"register acme_co", "create schema acme_co", "drop schema acme_co", "unregister 101"}, h.catalog.calls)
	assert.Equal(t, model.StateCompensated, h.runs.last.State)
	assert.Contains(t, h.runs.last.LastError, "syntax error")
	assert.Empty(t, h.outbox.tasks)
}

func TestProvision_LicenseFailureIsFatal(t *testing.T) {
	h := newHarness(nil, fakeLicenser{err: apperr.NotFoundf("plan 1")})

	_, err := h.p.Provision(context.Background(), acmeRequest())
	assert.ErrorIs(t, err, apperr.NotFound)
	assert.Empty(t, h.catalog.tenants)
	assert.Empty(t, h.catalog.schemas)
}

func TestProvision_CompensationFailureIsRecorded(t *testing.T) {
	h := newHarness(nil, fakeLicenser{})
	h.seeder.principalErr = errors.New("users table missing")
	h.catalog.failUnregister = errors.New("connection reset")

	_, err := h.p.Provision(context.Background(), acmeRequest())
	require.Error(t, err)
	assert.Equal(t, model.StateCompensationFailed, h.runs.last.State)
	assert.Contains(t, h.runs.last.LastError, "users table missing")
	assert.Contains(t, h.runs.last.LastError, "connection reset")
}

func TestProvision_PartialFailuresAreWarnings(t *testing.T) {
	h := newHarness(nil, fakeLicenser{snapshot: snapshotS1()})
	h.seeder.failApp = 20
	h.outbox.err = errors.New("outbox insert failed")

	res, err := h.p.Provision(context.Background(), acmeRequest())
	require.NoError(t, err)
	assert.Equal(t, model.TenantActive, res.Tenant.Status)
	require.True(t, res.Partial())
	assert.ErrorIs(t, res.Err(), apperr.PartialProvisioning)

	steps := map[string]int{}
	for _, w := range res.Warnings {
		steps[w.Step]++
	}
	assert.Equal(t, map[string]int{"rbac_seed": 1, "tenant_queue": 1, "app_migrate": 2}, steps)
	require.NotNil(t, res.Warnings[0].ApplicationID)
	assert.Equal(t, int64(20), *res.Warnings[0].ApplicationID)
	assert.Len(t, h.runs.last.Warnings, 4)
}

func TestProvision_ValidationHappensBeforeAnyWrite(t *testing.T) {
	h := newHarness(nil, fakeLicenser{})
	cases := []Request{
		{Name: ""},
		{Name: "Acme", Namespace: "acme; drop", Admin: acmeRequest().Admin},
		{Name: "Acme", Namespace: "pg_catalog", Admin: acmeRequest().Admin},
		{Name: "Acme", Admin: rbac.Principal{Email: "nope", Password: "correct-horse"}},
		{Name: "Acme", Status: "bogus", Admin: acmeRequest().Admin},
	}
	for _, req := range cases {
		_, err := h.p.Provision(context.Background(), req)
		assert.ErrorIs(t, err, apperr.Validation, "%+v", req)
	}
	assert.Empty(t, h.runs.states)
	assert.Empty(t, h.catalog.calls)
}

func TestTeardown(t *testing.T) {
	h := newHarness(nil, fakeLicenser{snapshot: snapshotS1()})
	res, err := h.p.Provision(context.Background(), acmeRequest())
	require.NoError(t, err)
	h.outbox.tasks = nil

	require.NoError(t, h.p.Teardown(context.Background(), res.Tenant.ID))
	assert.Empty(t, h.catalog.tenants)
	assert.Empty(t, h.catalog.schemas)
	assert.Equal(t, []model.TaskKind{model.TaskDeleteTenantQueue}, h.outbox.kinds())
	assert.Equal(t, []string{"acme_co"}, h.cache.invalidated)

	assert.ErrorIs(t, h.p.Teardown(context.Background(), res.Tenant.ID), apperr.NotFound)
}

func TestRecover(t *testing.T) {
	h := newHarness(nil, fakeLicenser{})
	ctx := context.Background()

	half, err := h.catalog.RegisterTenant(ctx, &model.Tenant{Name: "Half", Slug: "half", Namespace: "half", Status: model.TenantInactive})
	require.NoError(t, err)
	require.NoError(t, h.catalog.CreateNamespace(ctx, "half"))

	almost, err := h.catalog.RegisterTenant(ctx, &model.Tenant{Name: "Almost", Slug: "almost", Namespace: "almost", Status: model.TenantInactive})
	require.NoError(t, err)
	require.NoError(t, h.catalog.CreateNamespace(ctx, "almost"))

	early, err := h.catalog.RegisterTenant(ctx, &model.Tenant{Name: "Early", Slug: "early", Namespace: "early", Status: model.TenantInactive})
	require.NoError(t, err)
	h.catalog.schemas["early"] = true

	// crashed after CREATE SCHEMA but before namespace_created was recorded
	pending, err := h.catalog.RegisterTenant(ctx, &model.Tenant{Name: "Pending", Slug: "pending", Namespace: "pending", Status: model.TenantInactive})
	require.NoError(t, err)
	require.NoError(t, h.catalog.CreateNamespace(ctx, "pending"))

	h.runs.stalled = []model.ProvisioningRun{
		{ID: uuid.New(), TenantID: &half.ID, Namespace: "half", State: model.StateBaselineSchemaApplied},
		{ID: uuid.New(), TenantID: &almost.ID, Namespace: "almost", State: model.StateCollaboratorsNotified},
		{ID: uuid.New(), TenantID: &early.ID, Namespace: "early", State: model.StateRequested},
		{ID: uuid.New(), TenantID: &pending.ID, Namespace: "pending", State: model.StateNamespacePending},
	}

	n, err := h.p.Recover(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	assert.NotContains(t, h.catalog.tenants, half.ID)
	assert.False(t, h.catalog.schemas["half"])
	assert.Equal(t, model.StateCompensated, h.runs.saved[h.runs.stalled[0].ID].State)

	assert.Equal(t, model.TenantTrial, h.catalog.tenants[almost.ID].Status)
	assert.Equal(t, model.StateActive, h.runs.saved[h.runs.stalled[1].ID].State)

	assert.NotContains(t, h.catalog.tenants, early.ID)
	assert.True(t, h.catalog.schemas["early"])

	// the name is free again for the next attempt
	assert.NotContains(t, h.catalog.tenants, pending.ID)
	assert.False(t, h.catalog.schemas["pending"])
	assert.Equal(t, model.StateCompensated, h.runs.saved[h.runs.stalled[3].ID].State)
}
