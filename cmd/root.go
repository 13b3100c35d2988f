package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"schema-tenancy/internal/config"
	"schema-tenancy/internal/logger"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "tenancy",
		Short:        "Schema-per-tenant control plane",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "config.yaml", "Path to the YAML config file")

	cmd.AddCommand(
		newServeCmd(opts),
		newBootstrapCmd(opts),
		newTenantCmd(opts),
		newSubscriptionCmd(opts),
		newAppCmd(opts),
		newPlanCmd(opts),
		newRunCmd(opts),
		newOutboxCmd(opts),
	)
	return cmd
}

// open loads the config and wires the control plane against it.
func (o *rootOptions) open(ctx context.Context) (*controlPlane, error) {
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, "schema-tenancy")
	if err != nil {
		return nil, err
	}
	return newControlPlane(ctx, cfg, log)
}

// with runs fn against a freshly opened control plane and closes it afterwards.
func (o *rootOptions) with(cmd *cobra.Command, fn func(ctx context.Context, cp *controlPlane) error) error {
	cp, err := o.open(cmd.Context())
	if err != nil {
		return err
	}
	defer cp.Close()
	return fn(cmd.Context(), cp)
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
