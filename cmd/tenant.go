package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"schema-tenancy/internal/model"
	"schema-tenancy/internal/provisioning"
)

func newTenantCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Provision, inspect and remove tenants",
	}
	cmd.AddCommand(
		newTenantCreateCmd(opts),
		newTenantDeleteCmd(opts),
		newTenantListCmd(opts),
		newTenantShowCmd(opts),
		newTenantRouteCmd(opts),
		newTenantTokenCmd(opts),
	)
	return cmd
}

func optionalID(v int64) *int64 {
	if v <= 0 {
		return nil
	}
	return &v
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func newTenantCreateCmd(opts *rootOptions) *cobra.Command {
	var (
		req          provisioning.Request
		status       string
		crmClientID  int64
		planID       int64
		businessLine int64
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Provision a tenant: catalog entry, namespace, baseline, admin, license and RBAC",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Status = model.TenantStatus(status)
			req.CRMClientID = optionalID(crmClientID)
			req.PlanID = optionalID(planID)
			req.BusinessLineID = optionalID(businessLine)

			return opts.with(cmd, func(ctx context.Context, cp *controlPlane) error {
				res, err := cp.tenants.CreateTenant(ctx, req)
				if err != nil {
					return err
				}
				if res.Partial() {
					cp.logger.Warn("tenant created with warnings", zap.Error(res.Err()))
				}
				return writeJSON(res)
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&req.Name, "name", "", "Display name (required)")
	f.StringVar(&req.Slug, "slug", "", "Slug; derived from the name when empty")
	f.StringVar(&req.Namespace, "namespace", "", "Namespace; derived from the name when empty")
	f.StringVar(&req.Environment, "environment", "production", "Environment label")
	f.StringVar(&status, "status", string(model.TenantTrial), "Status once provisioned (trial, active)")
	f.Int64Var(&crmClientID, "crm-client", 0, "CRM client id")
	f.Int64Var(&planID, "plan", 0, "Subscription plan id; no license is issued without one")
	f.Int64Var(&businessLine, "business-line", 0, "Business line id")
	f.Int64SliceVar(&req.ApplicationIDs, "app", nil, "Application id to attach (repeatable)")
	f.StringVar(&req.Admin.Email, "admin-email", "", "Bootstrap admin email (required)")
	f.StringVar(&req.Admin.FullName, "admin-name", "", "Bootstrap admin full name")
	f.StringVar(&req.Admin.Password, "admin-password", "", "Bootstrap admin password (required)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("admin-email")
	_ = cmd.MarkFlagRequired("admin-password")
	return cmd
}

func newTenantDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <tenant-id>",
		Short: "Delete a tenant, its catalog rows and its namespace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return opts.with(cmd, func(ctx context.Context, cp *controlPlane) error {
				return cp.tenants.DeleteTenant(ctx, id)
			})
		},
	}
}

func newTenantListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.with(cmd, func(ctx context.Context, cp *controlPlane) error {
				tenants, err := cp.tenants.ListTenants(ctx)
				if err != nil {
					return err
				}
				return writeJSON(tenants)
			})
		},
	}
}

type tenantDetail struct {
	Tenant          *model.Tenant                     `json:"tenant"`
	NamespaceExists bool                              `json:"namespace_exists"`
	Applications    []model.Application               `json:"applications"`
	Licenses        []model.TenantSubscriptionLicense `json:"licenses"`
}

func newTenantShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <tenant-id|slug|namespace>",
		Short: "Show a tenant with its applications, license history and namespace state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.with(cmd, func(ctx context.Context, cp *controlPlane) error {
				var (
					t   *model.Tenant
					err error
				)
				if id, perr := strconv.ParseInt(args[0], 10, 64); perr == nil {
					t, err = cp.store.GetTenant(ctx, id)
				} else {
					t, err = cp.store.LookupTenant(ctx, args[0])
				}
				if err != nil {
					return err
				}

				out := tenantDetail{Tenant: t}
				if out.NamespaceExists, err = cp.store.NamespaceExists(ctx, t.Namespace); err != nil {
					return err
				}
				if out.Applications, err = cp.store.TenantApplications(ctx, t.ID); err != nil {
					return err
				}
				if out.Licenses, err = cp.store.ListLicenses(ctx, t.ID); err != nil {
					return err
				}
				return writeJSON(out)
			})
		},
	}
}

func newTenantRouteCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Manage hostname routes",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <tenant-id> <hostname> [path]",
		Short: "Map a hostname and optional path prefix to a tenant",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			path := ""
			if len(args) == 3 {
				path = args[2]
			}
			return opts.with(cmd, func(ctx context.Context, cp *controlPlane) error {
				r, err := cp.tenants.AddRoute(ctx, id, args[1], path)
				if err != nil {
					return err
				}
				return writeJSON(r)
			})
		},
	}, &cobra.Command{
		Use:   "resolve <hostname> [path]",
		Short: "Show which route, and so which tenant, serves a hostname and path",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 2 {
				path = args[1]
			}
			return opts.with(cmd, func(ctx context.Context, cp *controlPlane) error {
				r, err := cp.store.ResolveRoute(ctx, args[0], path)
				if err != nil {
					return err
				}
				return writeJSON(r)
			})
		},
	})
	return cmd
}

func newTenantTokenCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "token <slug|namespace> <user-id>",
		Short: "Issue a bearer token for a user of a serving tenant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseID(args[1])
			if err != nil {
				return err
			}
			return opts.with(cmd, func(ctx context.Context, cp *controlPlane) error {
				tok, err := cp.tenants.IssueToken(ctx, args[0], userID)
				if err != nil {
					return err
				}
				return writeJSON(map[string]string{"token": tok})
			})
		},
	}
}
