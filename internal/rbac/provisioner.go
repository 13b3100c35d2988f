// Package rbac seeds the bootstrap admin role and permission sets inside a tenant namespace.
package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"schema-tenancy/internal/apperr"
	"schema-tenancy/internal/model"
	"schema-tenancy/internal/namespace"
)

// Statements run unqualified: the Executor is bound to the tenant namespace.
const (
	upsertRoleSQL = `INSERT INTO roles (name, application_id, description)
		VALUES ($1, $2, $3)
		ON CONFLICT (name, application_id) DO UPDATE SET description = EXCLUDED.description
		RETURNING id`

	upsertPermissionSQL = `INSERT INTO module_permissions
		(application_id, feature_id, module, can_create, can_read, can_update, can_delete, field_permissions)
		VALUES ($1, $2, $3, true, true, true, true, $4)
		ON CONFLICT (module, application_id) DO UPDATE SET
			feature_id = EXCLUDED.feature_id,
			can_create = true, can_read = true, can_update = true, can_delete = true,
			field_permissions = EXCLUDED.field_permissions
		RETURNING id`

	linkPermissionSQL = `INSERT INTO role_module_permissions (role_id, module_permission_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`

	assignRoleSQL = `INSERT INTO user_roles (user_id, role_id, application_id)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`
)

type Provisioner struct {
	logger     *zap.Logger
	bcryptCost int
}

func NewProvisioner(logger *zap.Logger) *Provisioner {
	return &Provisioner{logger: logger, bcryptCost: bcrypt.DefaultCost}
}

// AppResult is the outcome of seeding one application id.
type AppResult struct {
	ApplicationID    int64   `json:"application_id"`
	RoleID           int64   `json:"role_id,omitempty"`
	PermissionSetIDs []int64 `json:"permission_set_ids,omitempty"`
	Err              error   `json:"-"`
	Error            string  `json:"error,omitempty"`
}

// Report lists one result per application id, ascending.
type Report struct {
	Results []AppResult `json:"results"`
}

func (r Report) Failed() []AppResult {
	var out []AppResult
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// Err combines every per-application failure, nil when all succeeded.
func (r Report) Err() error {
	var err error
	for _, res := range r.Failed() {
		err = multierr.Append(err, fmt.Errorf("application %d: %w", res.ApplicationID, res.Err))
	}
	return err
}

type featureRef struct {
	id   int64
	snap model.FeatureSnapshot
}

// Seed creates one Admin role per application in the snapshot with a full-CRUD permission
// set per feature, links them and assigns the role to adminID. Re-running merges into the
// existing rows. A failure stops that application only; earlier applications are kept.
func (p *Provisioner) Seed(ctx context.Context, ex namespace.Executor, tenant *model.Tenant, fs model.FeaturesSnapshot, adminID int64) (Report, error) {
	if l, ok := ex.(*namespace.Lease); ok && l.Current() != tenant.Namespace {
		return Report{}, fmt.Errorf("seed %s: lease bound to %q", tenant.Namespace, l.Current())
	}

	groups := map[int64][]featureRef{}
	for id, f := range fs {
		groups[f.ApplicationID] = append(groups[f.ApplicationID], featureRef{id: id, snap: f})
	}
	appIDs := make([]int64, 0, len(groups))
	for appID, refs := range groups {
		appIDs = append(appIDs, appID)
		sort.Slice(refs, func(i, j int) bool { return refs[i].id < refs[j].id })
	}
	sort.Slice(appIDs, func(i, j int) bool { return appIDs[i] < appIDs[j] })

	report := Report{Results: make([]AppResult, 0, len(appIDs))}
	for _, appID := range appIDs {
		res := p.seedApplication(ctx, ex, appID, groups[appID], adminID)
		if res.Err != nil {
			res.Error = res.Err.Error()
			p.logger.Warn("rbac seed failed for application",
				zap.Int64("tenant_id", tenant.ID),
				zap.String("namespace", tenant.Namespace),
				zap.Int64("app_id", appID),
				zap.Error(res.Err))
		}
		report.Results = append(report.Results, res)
	}

	p.logger.Info("rbac seeded",
		zap.Int64("tenant_id", tenant.ID),
		zap.String("namespace", tenant.Namespace),
		zap.Int("applications", len(appIDs)),
		zap.Int("failed", len(report.Failed())))
	return report, nil
}

func (p *Provisioner) seedApplication(ctx context.Context, ex namespace.Executor, appID int64, refs []featureRef, adminID int64) AppResult {
	res := AppResult{ApplicationID: appID}

	if err := ex.QueryRowContext(ctx, upsertRoleSQL,
		model.BootstrapAdminRole, appID, "Bootstrap administrator",
	).Scan(&res.RoleID); err != nil {
		res.Err = fmt.Errorf("role: %w", err)
		return res
	}

	for _, ref := range refs {
		perms, err := json.Marshal(fieldPermissions(ref.snap.Capabilities))
		if err != nil {
			res.Err = fmt.Errorf("encode field permissions for %s: %w", ref.snap.Key, err)
			return res
		}
		var permID int64
		if err := ex.QueryRowContext(ctx, upsertPermissionSQL,
			appID, ref.id, moduleName(ref.snap), perms,
		).Scan(&permID); err != nil {
			res.Err = fmt.Errorf("permission set %s: %w", ref.snap.Key, err)
			return res
		}
		if _, err := ex.ExecContext(ctx, linkPermissionSQL, res.RoleID, permID); err != nil {
			res.Err = fmt.Errorf("link permission set %s: %w", ref.snap.Key, err)
			return res
		}
		res.PermissionSetIDs = append(res.PermissionSetIDs, permID)
	}

	if _, err := ex.ExecContext(ctx, assignRoleSQL, adminID, res.RoleID, appID); err != nil {
		res.Err = fmt.Errorf("assign role: %w", err)
	}
	return res
}

func moduleName(f model.FeatureSnapshot) string {
	if f.Key != "" {
		return f.Key
	}
	return strings.ToLower(f.Name)
}

func fieldPermissions(capabilities []string) map[string]bool {
	out := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		out[c] = true
	}
	return out
}

// Principal is the bootstrap admin to create inside a new namespace.
type Principal struct {
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Password string `json:"password"`
}

func (pr Principal) Validate() error {
	if !strings.Contains(pr.Email, "@") {
		return apperr.Validationf("admin email %q is not valid", pr.Email)
	}
	if len(pr.Password) < 8 {
		return apperr.Validationf("admin password must be at least 8 characters")
	}
	return nil
}

// CreatePrincipal inserts the user row and its profile and returns the user id.
func (p *Provisioner) CreatePrincipal(ctx context.Context, ex namespace.Executor, pr Principal) (int64, error) {
	if err := pr.Validate(); err != nil {
		return 0, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pr.Password), p.bcryptCost)
	if err != nil {
		return 0, fmt.Errorf("hash admin password: %w", err)
	}

	var id int64
	if err := ex.QueryRowContext(ctx,
		`INSERT INTO users (email, full_name, password_hash) VALUES ($1, $2, $3) RETURNING id`,
		strings.ToLower(pr.Email), pr.FullName, string(hash),
	).Scan(&id); err != nil {
		if apperr.PgCode(err) == apperr.PgUniqueViolation {
			return 0, apperr.Duplicate("user "+pr.Email, err)
		}
		return 0, fmt.Errorf("create admin user: %w", err)
	}
	if _, err := ex.ExecContext(ctx,
		`INSERT INTO profiles (user_id, display_name) VALUES ($1, $2)`, id, pr.FullName,
	); err != nil {
		return 0, fmt.Errorf("create admin profile: %w", err)
	}
	return id, nil
}

// PrincipalExists is the minimal active-user check the resolver runs after binding.
func PrincipalExists(ctx context.Context, ex namespace.Executor, userID int64) (bool, error) {
	var exists bool
	err := ex.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1 AND is_active)`, userID,
	).Scan(&exists)
	return exists, err
}

// UserRoles lists the roles assigned to a user across applications.
func UserRoles(ctx context.Context, ex namespace.Executor, userID int64) ([]model.Role, error) {
	rows, err := ex.QueryContext(ctx, `
		SELECT r.id, r.name, r.application_id, COALESCE(r.description, '')
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1
		ORDER BY r.application_id, r.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("user roles: %w", err)
	}
	defer rows.Close()

	var roles []model.Role
	for rows.Next() {
		var r model.Role
		if err := rows.Scan(&r.ID, &r.Name, &r.ApplicationID, &r.Description); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}
