package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"schema-tenancy/internal/apperr"
	"schema-tenancy/internal/model"
)

func (s *Storage) CreateFeature(ctx context.Context, f *model.Feature) (*model.Feature, error) {
	settings, err := json.Marshal(nonNilMap(f.Settings))
	if err != nil {
		return nil, fmt.Errorf("encode feature settings: %w", err)
	}
	out := *f
	err = s.DB.QueryRowContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (name, key, application_id, description, settings)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`, s.table("features")),
		f.Name, f.Key, f.ApplicationID, f.Description, settings,
	).Scan(&out.ID)
	if err != nil {
		if apperr.PgCode(err) == apperr.PgUniqueViolation {
			return nil, apperr.Duplicate("feature "+f.Key, err)
		}
		return nil, fmt.Errorf("create feature: %w", err)
	}
	return &out, nil
}

// CreatePlan inserts a plan together with its feature entitlements.
func (s *Storage) CreatePlan(ctx context.Context, p *model.SubscriptionPlan) (*model.SubscriptionPlan, error) {
	out := *p
	err := s.InTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (name, price, currency, billing_cycle, max_users, max_storage_mb, status, business_line_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id`, s.table("subscription_plans")),
			p.Name, p.Price, p.Currency, p.BillingCycle, p.MaxUsers, p.MaxStorageMB, p.Status, p.BusinessLineID,
		).Scan(&out.ID)
		if err != nil {
			return fmt.Errorf("insert plan: %w", err)
		}
		for _, pf := range p.Features {
			settings, err := json.Marshal(nonNilMap(pf.Settings))
			if err != nil {
				return fmt.Errorf("encode entitlement settings: %w", err)
			}
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
				INSERT INTO %s (plan_id, feature_id, settings) VALUES ($1, $2, $3)`, s.table("plan_features")),
				out.ID, pf.Feature.ID, settings); err != nil {
				return fmt.Errorf("insert entitlement for feature %d: %w", pf.Feature.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdatePlan edits plan scalars. Issued licenses keep their snapshots.
func (s *Storage) UpdatePlan(ctx context.Context, p *model.SubscriptionPlan) error {
	res, err := s.DB.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET name = $2, price = $3, currency = $4, billing_cycle = $5, max_users = $6,
			max_storage_mb = $7, status = $8, business_line_id = $9
		WHERE id = $1`, s.table("subscription_plans")),
		p.ID, p.Name, p.Price, p.Currency, p.BillingCycle, p.MaxUsers, p.MaxStorageMB, p.Status, p.BusinessLineID)
	if err != nil {
		return fmt.Errorf("update plan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFoundf("plan %d", p.ID)
	}
	return nil
}

// GetPlan loads a plan with its entitled features ordered by feature id.
func (s *Storage) GetPlan(ctx context.Context, id int64) (*model.SubscriptionPlan, error) {
	var p model.SubscriptionPlan
	var bl sql.NullInt64
	err := s.DB.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, name, price, currency, billing_cycle, max_users, max_storage_mb, status, business_line_id
		FROM %s WHERE id = $1`, s.table("subscription_plans")), id,
	).Scan(&p.ID, &p.Name, &p.Price, &p.Currency, &p.BillingCycle, &p.MaxUsers, &p.MaxStorageMB, &p.Status, &bl)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("plan %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	p.BusinessLineID = nullableID(bl)

	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT f.id, f.name, f.key, f.application_id, f.description, f.settings, pf.settings
		FROM %s pf
		JOIN %s f ON f.id = pf.feature_id
		WHERE pf.plan_id = $1
		ORDER BY f.id`, s.table("plan_features"), s.table("features")), id)
	if err != nil {
		return nil, fmt.Errorf("plan features: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var pf model.PlanFeature
		var featureSettings, planSettings []byte
		f := &pf.Feature
		if err := rows.Scan(&f.ID, &f.Name, &f.Key, &f.ApplicationID, &f.Description,
			&featureSettings, &planSettings); err != nil {
			return nil, fmt.Errorf("scan plan feature: %w", err)
		}
		if err := decodeSettings(featureSettings, &f.Settings); err != nil {
			return nil, fmt.Errorf("feature %d settings: %w", f.ID, err)
		}
		if err := decodeSettings(planSettings, &pf.Settings); err != nil {
			return nil, fmt.Errorf("plan %d feature %d settings: %w", id, f.ID, err)
		}
		p.Features = append(p.Features, pf)
	}
	return &p, rows.Err()
}

const licenseColumns = `id, tenant_id, plan_id, business_line_id, license_key, status, valid_from,
	valid_until, plan_snapshot, features_snapshot, created_at, updated_at`

func scanLicense(row rowScanner) (*model.TenantSubscriptionLicense, error) {
	var l model.TenantSubscriptionLicense
	var bl sql.NullInt64
	var until sql.NullTime
	var planSnap, featSnap []byte
	if err := row.Scan(&l.ID, &l.TenantID, &l.PlanID, &bl, &l.LicenseKey, &l.Status, &l.ValidFrom,
		&until, &planSnap, &featSnap, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	l.BusinessLineID = nullableID(bl)
	if until.Valid {
		l.ValidUntil = &until.Time
	}
	if err := json.Unmarshal(planSnap, &l.PlanSnapshot); err != nil {
		return nil, fmt.Errorf("decode plan snapshot: %w", err)
	}
	if err := json.Unmarshal(featSnap, &l.FeaturesSnapshot); err != nil {
		return nil, fmt.Errorf("decode features snapshot: %w", err)
	}
	return &l, nil
}

// ActiveLicense returns the tenant's single active license.
func (s *Storage) ActiveLicense(ctx context.Context, tenantID int64) (*model.TenantSubscriptionLicense, error) {
	row := s.DB.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s WHERE tenant_id = $1 AND status = 'active'`,
		licenseColumns, s.table("tenant_licenses")), tenantID)
	l, err := scanLicense(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("active license for tenant %d", tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("active license: %w", err)
	}
	return l, nil
}

func (s *Storage) ListLicenses(ctx context.Context, tenantID int64) ([]model.TenantSubscriptionLicense, error) {
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s WHERE tenant_id = $1 ORDER BY id`,
		licenseColumns, s.table("tenant_licenses")), tenantID)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	defer rows.Close()

	var out []model.TenantSubscriptionLicense
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// ReplaceActiveLicense deactivates whatever license is active for the tenant and inserts l
// as the new active one, in one transaction.
func (s *Storage) ReplaceActiveLicense(ctx context.Context, l *model.TenantSubscriptionLicense) (*model.TenantSubscriptionLicense, error) {
	planSnap, featSnap, err := l.MarshalSnapshots()
	if err != nil {
		return nil, fmt.Errorf("encode snapshots: %w", err)
	}
	out := *l
	err = s.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s SET status = $2, updated_at = now()
			WHERE tenant_id = $1 AND status = 'active'`, s.table("tenant_licenses")),
			l.TenantID, model.LicenseInactive); err != nil {
			return fmt.Errorf("deactivate licenses: %w", err)
		}
		err := tx.QueryRowContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (tenant_id, plan_id, business_line_id, license_key, status, valid_from,
				valid_until, plan_snapshot, features_snapshot)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id, created_at, updated_at`, s.table("tenant_licenses")),
			l.TenantID, l.PlanID, l.BusinessLineID, l.LicenseKey, l.Status, l.ValidFrom,
			l.ValidUntil, planSnap, featSnap,
		).Scan(&out.ID, &out.CreatedAt, &out.UpdatedAt)
		if err != nil {
			if apperr.PgCode(err) == apperr.PgUniqueViolation {
				return apperr.Duplicate("license", err)
			}
			return fmt.Errorf("insert license: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateLicensePlan is the explicit update call that re-points an existing license at a
// plan and replaces its snapshots.
func (s *Storage) UpdateLicensePlan(ctx context.Context, l *model.TenantSubscriptionLicense) error {
	planSnap, featSnap, err := l.MarshalSnapshots()
	if err != nil {
		return fmt.Errorf("encode snapshots: %w", err)
	}
	res, err := s.DB.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET plan_id = $2, business_line_id = $3, valid_until = $4,
			plan_snapshot = $5, features_snapshot = $6, updated_at = now()
		WHERE id = $1`, s.table("tenant_licenses")),
		l.ID, l.PlanID, l.BusinessLineID, l.ValidUntil, planSnap, featSnap)
	if err != nil {
		return fmt.Errorf("update license: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFoundf("license %d", l.ID)
	}
	return nil
}

func decodeSettings(raw []byte, dst *map[string]any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
