package model

// BootstrapAdminRole is the role name seeded per application at tenant creation.
const BootstrapAdminRole = "Admin"

// Role lives inside a tenant namespace and belongs to exactly one application.
type Role struct {
	ID            int64  `db:"id" json:"id"`
	Name          string `db:"name" json:"name"`
	ApplicationID int64  `db:"application_id" json:"application_id"`
	Description   string `db:"description" json:"description"`
}

// ModulePermissionSet grants CRUD plus field-level permissions for one feature of one application.
type ModulePermissionSet struct {
	ID               int64          `db:"id" json:"id"`
	ApplicationID    int64          `db:"application_id" json:"application_id"`
	FeatureID        int64          `db:"feature_id" json:"feature_id"`
	Module           string         `db:"module" json:"module"`
	CanCreate        bool           `db:"can_create" json:"can_create"`
	CanRead          bool           `db:"can_read" json:"can_read"`
	CanUpdate        bool           `db:"can_update" json:"can_update"`
	CanDelete        bool           `db:"can_delete" json:"can_delete"`
	FieldPermissions map[string]any `db:"field_permissions" json:"field_permissions"`
}

type UserRoleAssignment struct {
	UserID        int64 `db:"user_id" json:"user_id"`
	RoleID        int64 `db:"role_id" json:"role_id"`
	ApplicationID int64 `db:"application_id" json:"application_id"`
}
