package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"schema-tenancy/internal/apperr"
	"schema-tenancy/internal/model"
)

// AddRoute maps hostname (and an optional sub-path) to a tenant.
func (s *Storage) AddRoute(ctx context.Context, r *model.Route) (*model.Route, error) {
	r.Hostname = strings.ToLower(strings.TrimSpace(r.Hostname))
	r.Path = normalizePath(r.Path)
	if r.Hostname == "" {
		return nil, apperr.Validationf("route hostname is required")
	}
	out := *r
	err := s.DB.QueryRowContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (tenant_id, hostname, path) VALUES ($1, $2, $3)
		RETURNING id`, s.table("tenant_domains")),
		r.TenantID, r.Hostname, r.Path,
	).Scan(&out.ID)
	if err != nil {
		if apperr.PgCode(err) == apperr.PgUniqueViolation {
			return nil, apperr.Duplicate("route "+r.Hostname+r.Path, err)
		}
		return nil, fmt.Errorf("add route: %w", err)
	}
	return &out, nil
}

// ResolveRoute returns the route for host whose path is the longest prefix of path.
func (s *Storage) ResolveRoute(ctx context.Context, host, path string) (*model.Route, error) {
	host = strings.ToLower(host)
	path = normalizePath(path)
	var r model.Route
	err := s.DB.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, tenant_id, hostname, path FROM %s
		WHERE hostname = $1 AND (path = '' OR $2 = path OR $2 LIKE path || '/%%')
		ORDER BY length(path) DESC
		LIMIT 1`, s.table("tenant_domains")), host, path,
	).Scan(&r.ID, &r.TenantID, &r.Hostname, &r.Path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("route %s%s", host, path)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve route: %w", err)
	}
	return &r, nil
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	p = strings.TrimRight(p, "/")
	if p != "" && !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func (s *Storage) CreateApplication(ctx context.Context, a *model.Application) (*model.Application, error) {
	if a.Name == "" || a.BaseURL == "" {
		return nil, apperr.Validationf("application name and base url are required")
	}
	out := *a
	err := s.DB.QueryRowContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (name, base_url, migrate_endpoint, secret) VALUES ($1, $2, $3, $4)
		RETURNING id`, s.table("applications")),
		a.Name, a.BaseURL, a.MigrateEndpoint, a.Secret,
	).Scan(&out.ID)
	if err != nil {
		if apperr.PgCode(err) == apperr.PgUniqueViolation {
			return nil, apperr.Duplicate("application "+a.Name, err)
		}
		return nil, fmt.Errorf("create application: %w", err)
	}
	return &out, nil
}

func (s *Storage) GetApplication(ctx context.Context, id int64) (*model.Application, error) {
	var a model.Application
	err := s.DB.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, name, base_url, migrate_endpoint, secret FROM %s WHERE id = $1`, s.table("applications")), id,
	).Scan(&a.ID, &a.Name, &a.BaseURL, &a.MigrateEndpoint, &a.Secret)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("application %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get application: %w", err)
	}
	return &a, nil
}

// AttachApplications records that the tenant depends on the given applications.
func (s *Storage) AttachApplications(ctx context.Context, tenantID int64, appIDs []int64) error {
	for _, appID := range appIDs {
		if _, err := s.DB.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (tenant_id, application_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, s.table("tenant_applications")), tenantID, appID); err != nil {
			return fmt.Errorf("attach application %d: %w", appID, err)
		}
	}
	return nil
}

func (s *Storage) TenantApplications(ctx context.Context, tenantID int64) ([]model.Application, error) {
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT a.id, a.name, a.base_url, a.migrate_endpoint, a.secret
		FROM %s a
		JOIN %s ta ON ta.application_id = a.id
		WHERE ta.tenant_id = $1
		ORDER BY a.id`, s.table("applications"), s.table("tenant_applications")), tenantID)
	if err != nil {
		return nil, fmt.Errorf("tenant applications: %w", err)
	}
	defer rows.Close()

	var apps []model.Application
	for rows.Next() {
		var a model.Application
		if err := rows.Scan(&a.ID, &a.Name, &a.BaseURL, &a.MigrateEndpoint, &a.Secret); err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		apps = append(apps, a)
	}
	return apps, rows.Err()
}

// TenantsForApplication lists the serving tenants that depend on an application.
func (s *Storage) TenantsForApplication(ctx context.Context, appID int64) ([]model.Tenant, error) {
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE status IN ('trial', 'active')
		  AND id IN (SELECT tenant_id FROM %s WHERE application_id = $1)
		ORDER BY id`, tenantColumns, s.table("tenants"), s.table("tenant_applications")), appID)
	if err != nil {
		return nil, fmt.Errorf("tenants for application: %w", err)
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
