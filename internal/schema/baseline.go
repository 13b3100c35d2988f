package schema

// Baseline table names inside every tenant namespace.
const (
	TableUsers                 = "users"
	TableProfiles              = "profiles"
	TableRoles                 = "roles"
	TableModulePermissions     = "module_permissions"
	TableRoleModulePermissions = "role_module_permissions"
	TableUserRoles             = "user_roles"
)

// Baseline returns the baseline descriptors in dependency order.
func Baseline() []EntityDescriptor {
	return []EntityDescriptor{
		{
			Table: TableUsers,
			Fields: []Field{
				{Name: "email", Type: Text},
				{Name: "full_name", Type: Text, Nullable: true},
				{Name: "password_hash", Type: Text},
				{Name: "is_active", Type: Boolean, Default: "true"},
				{Name: "created_at", Type: Timestamp, Default: "now()"},
			},
			Unique: [][]string{{"email"}},
		},
		{
			Table: TableProfiles,
			Fields: []Field{
				{Name: "user_id", Type: ForeignKey, References: TableUsers},
				{Name: "display_name", Type: Text, Nullable: true},
				{Name: "phone", Type: Text, Nullable: true},
				{Name: "created_at", Type: Timestamp, Default: "now()"},
			},
			Unique: [][]string{{"user_id"}},
		},
		{
			Table: TableRoles,
			Fields: []Field{
				{Name: "name", Type: Text},
				{Name: "application_id", Type: Integer},
				{Name: "description", Type: Text, Nullable: true},
				{Name: "created_at", Type: Timestamp, Default: "now()"},
			},
			Unique: [][]string{{"name", "application_id"}},
		},
		{
			Table: TableModulePermissions,
			Fields: []Field{
				{Name: "application_id", Type: Integer},
				{Name: "feature_id", Type: Integer},
				{Name: "module", Type: Text},
				{Name: "can_create", Type: Boolean, Default: "false"},
				{Name: "can_read", Type: Boolean, Default: "false"},
				{Name: "can_update", Type: Boolean, Default: "false"},
				{Name: "can_delete", Type: Boolean, Default: "false"},
				{Name: "field_permissions", Type: JSON, Default: "'{}'::jsonb"},
			},
			Unique: [][]string{{"module", "application_id"}},
		},
		{
			Table: TableRoleModulePermissions,
			Fields: []Field{
				{Name: "role_id", Type: ForeignKey, References: TableRoles},
				{Name: "module_permission_id", Type: ForeignKey, References: TableModulePermissions},
			},
			Unique: [][]string{{"role_id", "module_permission_id"}},
		},
		{
			Table: TableUserRoles,
			Fields: []Field{
				{Name: "user_id", Type: ForeignKey, References: TableUsers},
				{Name: "role_id", Type: ForeignKey, References: TableRoles},
				{Name: "application_id", Type: Integer},
			},
			Unique: [][]string{{"user_id", "role_id", "application_id"}},
		},
	}
}

// FeatureEntities are business tables synthesized lazily the first time a feature touches them.
func FeatureEntities() []EntityDescriptor {
	return []EntityDescriptor{
		{
			Table: "customers",
			Fields: []Field{
				{Name: "name", Type: Text},
				{Name: "email", Type: Text, Nullable: true},
				{Name: "phone", Type: Text, Nullable: true},
				{Name: "created_at", Type: Timestamp, Default: "now()"},
			},
		},
		{
			Table: "documents",
			Fields: []Field{
				{Name: "title", Type: Text},
				{Name: "customer_id", Type: ForeignKey, References: "customers", Nullable: true},
				{Name: "body", Type: Text, Nullable: true},
				{Name: "created_at", Type: Timestamp, Default: "now()"},
			},
		},
		{
			Table: "tickets",
			Fields: []Field{
				{Name: "subject", Type: Text},
				{Name: "status", Type: Text, Default: "'open'"},
				{Name: "customer_id", Type: ForeignKey, References: "customers", Nullable: true},
				{Name: "assignee_id", Type: ForeignKey, References: TableUsers, Nullable: true},
				{Name: "created_at", Type: Timestamp, Default: "now()"},
			},
		},
		{
			Table: "products",
			Fields: []Field{
				{Name: "sku", Type: Text},
				{Name: "name", Type: Text},
				{Name: "price", Type: Decimal, Default: "0"},
				{Name: "active", Type: Boolean, Default: "true"},
			},
			Unique: [][]string{{"sku"}},
		},
	}
}
