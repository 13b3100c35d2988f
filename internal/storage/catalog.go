package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"schema-tenancy/internal/apperr"
	"schema-tenancy/internal/model"
	"schema-tenancy/internal/namespace"
)

const tenantColumns = `id, name, slug, namespace, status, environment, crm_client_id, plan_id,
	business_line_id, admin_principal_id, created_at, updated_at`

// cascadeTables reference tenants(id) and are cleared before the tenant row goes.
var cascadeTables = []string{
	"tenant_licenses",
	"tenant_domains",
	"tenant_portal_links",
	"tenant_settings",
	"tenant_applications",
	"tenant_identifiers",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (*model.Tenant, error) {
	var t model.Tenant
	var crm, plan, bl, admin sql.NullInt64
	if err := row.Scan(&t.ID, &t.Name, &t.Slug, &t.Namespace, &t.Status, &t.Environment,
		&crm, &plan, &bl, &admin, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.CRMClientID = nullableID(crm)
	t.PlanID = nullableID(plan)
	t.BusinessLineID = nullableID(bl)
	t.AdminPrincipalID = nullableID(admin)
	return &t, nil
}

func nullableID(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

// LookupTenant finds a tenant by slug or namespace name. Both share one identifier space
// (see RegisterTenant); a slug match wins for rows registered before that was enforced.
func (s *Storage) LookupTenant(ctx context.Context, key string) (*model.Tenant, error) {
	row := s.DB.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE slug = $1 OR namespace = $1
		ORDER BY (slug = $1) DESC, id
		LIMIT 1`, tenantColumns, s.table("tenants")), key)
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("tenant %q", key)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup tenant: %w", err)
	}
	return t, nil
}

// TenantByNamespace is the resolver's lookup: it matches the namespace column only.
func (s *Storage) TenantByNamespace(ctx context.Context, ns string) (*model.Tenant, error) {
	row := s.DB.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE namespace = $1`,
		tenantColumns, s.table("tenants")), ns)
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("namespace %q", ns)
	}
	if err != nil {
		return nil, fmt.Errorf("tenant by namespace: %w", err)
	}
	return t, nil
}

func (s *Storage) GetTenant(ctx context.Context, id int64) (*model.Tenant, error) {
	row := s.DB.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`,
		tenantColumns, s.table("tenants")), id)
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("tenant %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return t, nil
}

func (s *Storage) ListTenants(ctx context.Context) ([]model.Tenant, error) {
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM %s ORDER BY id`,
		tenantColumns, s.table("tenants")))
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []model.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		tenants = append(tenants, *t)
	}
	return tenants, rows.Err()
}

// RegisterTenant inserts the catalog record and claims its slug and namespace in
// tenant_identifiers, so neither can equal another tenant's slug or namespace. The primary
// key there decides concurrent registrations; the loser gets DuplicateIdentifier.
func (s *Storage) RegisterTenant(ctx context.Context, t *model.Tenant) (*model.Tenant, error) {
	if t.Name == "" {
		return nil, apperr.Validationf("tenant name is required")
	}
	if err := namespace.ValidateSlug(t.Slug); err != nil {
		return nil, err
	}
	if err := namespace.ValidateTenantNamespace(t.Namespace); err != nil {
		return nil, err
	}
	if t.Status == "" {
		t.Status = model.TenantTrial
	}
	if !t.Status.Valid() {
		return nil, apperr.Validationf("unknown tenant status %q", t.Status)
	}
	if t.Environment == "" {
		t.Environment = "production"
	}

	identifiers := []string{t.Namespace}
	if t.Slug != t.Namespace {
		identifiers = append(identifiers, t.Slug)
	}

	out := *t
	err := s.InTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (name, slug, namespace, status, environment, crm_client_id, plan_id, business_line_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id, created_at, updated_at`, s.table("tenants")),
			t.Name, t.Slug, t.Namespace, t.Status, t.Environment, t.CRMClientID, t.PlanID, t.BusinessLineID,
		).Scan(&out.ID, &out.CreatedAt, &out.UpdatedAt)
		if err != nil {
			return err
		}
		for _, id := range identifiers {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(
				`INSERT INTO %s (identifier, tenant_id) VALUES ($1, $2)`, s.table("tenant_identifiers")),
				id, out.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if apperr.PgCode(err) == apperr.PgUniqueViolation {
			return nil, apperr.Duplicate(fmt.Sprintf("tenant slug %q or namespace %q", t.Slug, t.Namespace), err)
		}
		return nil, fmt.Errorf("register tenant: %w", err)
	}
	return &out, nil
}

func (s *Storage) UpdateTenantStatus(ctx context.Context, id int64, status model.TenantStatus) error {
	if !status.Valid() {
		return apperr.Validationf("unknown tenant status %q", status)
	}
	return s.updateTenant(ctx, id, `status = $2`, status)
}

func (s *Storage) SetAdminPrincipal(ctx context.Context, id, principalID int64) error {
	return s.updateTenant(ctx, id, `admin_principal_id = $2`, principalID)
}

// SetTenantPlan records the plan and business line of the tenant's active license.
func (s *Storage) SetTenantPlan(ctx context.Context, id, planID int64, businessLineID *int64) error {
	return s.updateTenant(ctx, id, `plan_id = $2, business_line_id = $3`, planID, businessLineID)
}

func (s *Storage) updateTenant(ctx context.Context, id int64, set string, args ...any) error {
	res, err := s.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET %s, updated_at = now() WHERE id = $1`,
		s.table("tenants"), set), append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("update tenant %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFoundf("tenant %d", id)
	}
	return nil
}

// DeleteTenant removes every shared-namespace row referencing the tenant, then the tenant
// row, then the physical namespace. Each cascade statement commits on its own; a failing
// step is collected and the remaining steps still run.
func (s *Storage) DeleteTenant(ctx context.Context, id int64) error {
	return s.deleteTenant(ctx, id, true)
}

// UnregisterTenant is DeleteTenant without dropping the physical namespace.
func (s *Storage) UnregisterTenant(ctx context.Context, id int64) error {
	return s.deleteTenant(ctx, id, false)
}

func (s *Storage) deleteTenant(ctx context.Context, id int64, dropNamespace bool) error {
	t, err := s.GetTenant(ctx, id)
	if err != nil {
		return err
	}

	var errs error
	for _, table := range cascadeTables {
		if _, err := s.DB.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE tenant_id = $1`, s.table(table)), id); err != nil {
			s.logger.Warn("cascade delete failed",
				zap.Int64("tenant_id", id), zap.String("table", table), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("delete %s: %w", table, err))
		}
	}

	if _, err := s.DB.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table("tenants")), id); err != nil {
		// The namespace stays while a catalog row still points at it.
		return multierr.Append(errs, fmt.Errorf("delete tenant row: %w", err))
	}

	if dropNamespace {
		if err := s.DropNamespace(ctx, t.Namespace); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if errs == nil {
		s.logger.Info("tenant deleted", zap.Int64("tenant_id", id), zap.String("namespace", t.Namespace))
	}
	return errs
}

// CreateNamespace creates the physical schema. An existing schema is DuplicateIdentifier.
func (s *Storage) CreateNamespace(ctx context.Context, ns string) error {
	if err := namespace.ValidateTenantNamespace(ns); err != nil {
		return err
	}
	if _, err := s.DB.ExecContext(ctx, `CREATE SCHEMA `+namespace.Quote(ns)); err != nil {
		if apperr.PgCode(err) == apperr.PgDuplicateSchema {
			return apperr.Duplicate("namespace "+ns, err)
		}
		return fmt.Errorf("create namespace %s: %w", ns, err)
	}
	return nil
}

func (s *Storage) DropNamespace(ctx context.Context, ns string) error {
	if err := namespace.ValidateTenantNamespace(ns); err != nil {
		return err
	}
	if _, err := s.DB.ExecContext(ctx, `DROP SCHEMA IF EXISTS `+namespace.Quote(ns)+` CASCADE`); err != nil {
		return fmt.Errorf("drop namespace %s: %w", ns, err)
	}
	return nil
}

// NamespaceExists checks the database's live catalog, not the tenants table.
func (s *Storage) NamespaceExists(ctx context.Context, ns string) (bool, error) {
	exists, err := namespace.Exists(ctx, s.DB, ns)
	if err != nil {
		return false, fmt.Errorf("check namespace %s: %w", ns, err)
	}
	return exists, nil
}
