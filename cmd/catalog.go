package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"schema-tenancy/internal/consumer"
	"schema-tenancy/internal/model"
)

func newBootstrapCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Create the shared catalog tables if they are missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.with(cmd, func(ctx context.Context, cp *controlPlane) error {
				if err := cp.store.Bootstrap(ctx); err != nil {
					return err
				}
				cp.logger.Info("catalog bootstrapped", zap.String("schema", cp.store.SharedSchema()))
				return nil
			})
		},
	}
}

func newSubscriptionCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscription",
		Short: "Tenant subscriptions",
	}

	var planID, businessLine int64
	change := &cobra.Command{
		Use:   "change <tenant-id>",
		Short: "Renew or change a tenant's plan and business line, then re-seed its RBAC",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return opts.with(cmd, func(ctx context.Context, cp *controlPlane) error {
				res, err := cp.tenants.ChangePlan(ctx, id, planID, optionalID(businessLine))
				if err != nil {
					return err
				}
				return writeJSON(res)
			})
		},
	}
	change.Flags().Int64Var(&planID, "plan", 0, "Target plan id (required)")
	change.Flags().Int64Var(&businessLine, "business-line", 0, "Target business line id")
	_ = change.MarkFlagRequired("plan")

	cmd.AddCommand(change)
	return cmd
}

func newAppCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "app",
		Short: "Sibling applications that keep tables in tenant namespaces",
	}

	var app model.Application
	register := &cobra.Command{
		Use:   "register",
		Short: "Register an application and its migration callback",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.with(cmd, func(ctx context.Context, cp *controlPlane) error {
				out, err := cp.store.CreateApplication(ctx, &app)
				if err != nil {
					return err
				}
				return writeJSON(out)
			})
		},
	}
	register.Flags().StringVar(&app.Name, "name", "", "Application name (required)")
	register.Flags().StringVar(&app.BaseURL, "base-url", "", "Base URL (required)")
	register.Flags().StringVar(&app.MigrateEndpoint, "migrate-endpoint", "migrate", "Migration callback path")
	register.Flags().StringVar(&app.Secret, "secret", "", "Shared secret sent with callbacks")
	_ = register.MarkFlagRequired("name")
	_ = register.MarkFlagRequired("base-url")

	var async bool
	migrate := &cobra.Command{
		Use:   "migrate <app-id>",
		Short: "Enqueue the application's migration callback for every tenant using it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return opts.with(cmd, func(ctx context.Context, cp *controlPlane) error {
				if !async {
					n, err := cp.tenants.MigrateApplication(ctx, id)
					if err != nil {
						return err
					}
					return writeJSON(map[string]int{"enqueued": n})
				}
				return publishMigrate(cp, id)
			})
		},
	}
	migrate.Flags().BoolVar(&async, "async", false, "Publish the command to the control queue instead of enqueuing directly")

	cmd.AddCommand(register, migrate)
	return cmd
}

func publishMigrate(cp *controlPlane, appID int64) error {
	connected, err := cp.connectRabbit()
	if err != nil {
		return err
	}
	if !connected {
		return fmt.Errorf("--async needs rabbitmq.url")
	}
	body, err := json.Marshal(consumer.MigrateCommand{ApplicationID: appID})
	if err != nil {
		return err
	}
	if err := cp.rabbit.Publish(cp.cfg.RabbitMQ.ControlQueue, body); err != nil {
		return err
	}
	cp.logger.Info("migrate command published",
		zap.Int64("app_id", appID), zap.String("queue", cp.cfg.RabbitMQ.ControlQueue))
	return nil
}

// planFile is the YAML form of a plan. Features without an id are created first.
type planFile struct {
	ID             int64  `yaml:"id"`
	Name           string `yaml:"name"`
	Price          string `yaml:"price"`
	Currency       string `yaml:"currency"`
	BillingCycle   string `yaml:"billing_cycle"`
	MaxUsers       int    `yaml:"max_users"`
	MaxStorageMB   int    `yaml:"max_storage_mb"`
	Status         string `yaml:"status"`
	BusinessLineID int64  `yaml:"business_line_id"`
	Features       []struct {
		ID            int64          `yaml:"id"`
		Name          string         `yaml:"name"`
		Key           string         `yaml:"key"`
		ApplicationID int64          `yaml:"application_id"`
		Description   string         `yaml:"description"`
		Defaults      map[string]any `yaml:"defaults"`
		Settings      map[string]any `yaml:"settings"`
	} `yaml:"features"`
}

func loadPlanFile(path string) (*planFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	var pf planFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse plan file: %w", err)
	}
	return &pf, nil
}

// toModel converts the file into a plan. New features are returned with a zero ID.
func (pf *planFile) toModel() (*model.SubscriptionPlan, error) {
	if pf.Name == "" {
		return nil, fmt.Errorf("plan name is required")
	}
	price := decimal.Zero
	if pf.Price != "" {
		var err error
		if price, err = decimal.NewFromString(pf.Price); err != nil {
			return nil, fmt.Errorf("plan price %q: %w", pf.Price, err)
		}
	}
	cycle := model.BillingCycle(pf.BillingCycle)
	switch cycle {
	case model.BillingMonthly, model.BillingYearly, model.BillingLifetime:
	case "":
		cycle = model.BillingMonthly
	default:
		return nil, fmt.Errorf("unknown billing cycle %q", pf.BillingCycle)
	}
	status := pf.Status
	if status == "" {
		status = "active"
	}

	p := &model.SubscriptionPlan{
		ID:             pf.ID,
		Name:           pf.Name,
		Price:          price,
		Currency:       pf.Currency,
		BillingCycle:   cycle,
		MaxUsers:       pf.MaxUsers,
		MaxStorageMB:   pf.MaxStorageMB,
		Status:         status,
		BusinessLineID: optionalID(pf.BusinessLineID),
	}
	for i, f := range pf.Features {
		if f.ID == 0 && (f.Key == "" || f.ApplicationID <= 0) {
			return nil, fmt.Errorf("feature %d: new features need a key and an application_id", i)
		}
		p.Features = append(p.Features, model.PlanFeature{
			Feature: model.Feature{
				ID:            f.ID,
				Name:          f.Name,
				Key:           f.Key,
				ApplicationID: f.ApplicationID,
				Description:   f.Description,
				Settings:      f.Defaults,
			},
			Settings: f.Settings,
		})
	}
	return p, nil
}

func newPlanCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Subscription plans and their feature entitlements",
	}

	var file string
	apply := &cobra.Command{
		Use:   "apply",
		Short: "Create a plan from a YAML file, or update its scalars when the file carries an id",
		RunE: func(cmd *cobra.Command, args []string) error {
			pf, err := loadPlanFile(file)
			if err != nil {
				return err
			}
			plan, err := pf.toModel()
			if err != nil {
				return err
			}
			return opts.with(cmd, func(ctx context.Context, cp *controlPlane) error {
				if plan.ID != 0 {
					// Issued licenses keep their snapshots; entitlements are not edited in place.
					if err := cp.store.UpdatePlan(ctx, plan); err != nil {
						return err
					}
					updated, err := cp.store.GetPlan(ctx, plan.ID)
					if err != nil {
						return err
					}
					return writeJSON(updated)
				}

				for i := range plan.Features {
					f := &plan.Features[i].Feature
					if f.ID != 0 {
						continue
					}
					created, err := cp.store.CreateFeature(ctx, f)
					if err != nil {
						return err
					}
					*f = *created
				}
				created, err := cp.store.CreatePlan(ctx, plan)
				if err != nil {
					return err
				}
				return writeJSON(created)
			})
		},
	}
	apply.Flags().StringVarP(&file, "file", "f", "", "Plan YAML file (required)")
	_ = apply.MarkFlagRequired("file")

	cmd.AddCommand(apply)
	return cmd
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Provisioning runs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a provisioning run with its state, error and warnings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id: %w", err)
			}
			return opts.with(cmd, func(ctx context.Context, cp *controlPlane) error {
				r, err := cp.store.GetRun(ctx, id)
				if err != nil {
					return err
				}
				return writeJSON(r)
			})
		},
	})

	var olderThan time.Duration
	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Settle runs stuck in a non-terminal state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.with(cmd, func(ctx context.Context, cp *controlPlane) error {
				n, err := cp.prov.Recover(ctx, olderThan)
				if err != nil {
					return err
				}
				return writeJSON(map[string]int{"settled": n})
			})
		},
	}
	recoverCmd.Flags().DurationVar(&olderThan, "older-than", 5*time.Minute, "Only runs that have not moved for this long")
	cmd.AddCommand(recoverCmd)
	return cmd
}

func newOutboxCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Outbound task relay",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Count tasks neither delivered nor dead",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.with(cmd, func(ctx context.Context, cp *controlPlane) error {
				n, err := cp.store.Pending(ctx)
				if err != nil {
					return err
				}
				return writeJSON(map[string]int64{"pending": n})
			})
		},
	})
	return cmd
}
