package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	_ "schema-tenancy/docs"
	"schema-tenancy/internal/api"
	"schema-tenancy/internal/appclient"
	"schema-tenancy/internal/metrics"
	"schema-tenancy/internal/outbox"
	"schema-tenancy/internal/resolver"
	"schema-tenancy/internal/worker"
)

const gaugeInterval = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var recoverAfter time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the outbox workers and the control-queue consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.with(cmd, func(ctx context.Context, cp *controlPlane) error {
				return serve(ctx, cp, recoverAfter)
			})
		},
	}
	cmd.Flags().DurationVar(&recoverAfter, "recover-after", 5*time.Minute,
		"Settle provisioning runs that have not moved for this long at startup")
	return cmd
}

func serve(ctx context.Context, cp *controlPlane, recoverAfter time.Duration) error {
	cfg, log := cp.cfg, cp.logger

	metrics.Init()

	if err := cp.store.Bootstrap(ctx); err != nil {
		return err
	}
	log.Info("catalog ready", zap.String("schema", cfg.Database.SharedSchema))

	// Without a broker, queue tasks fail dispatch and back off like any other delivery error.
	var queues outbox.QueueManager
	connected, err := cp.connectRabbit()
	if err != nil {
		return err
	}
	if connected {
		queues = cp.rabbit
		if err := cp.tenants.StartConsumer(cp.rabbit.GetConnection(), cfg.RabbitMQ.ControlQueue); err != nil {
			return err
		}
		log.Info("RabbitMQ connected", zap.String("control_queue", cfg.RabbitMQ.ControlQueue))
	} else {
		log.Warn("no rabbitmq url configured, tenant queue tasks cannot be delivered")
	}

	callbacks := appclient.New(cfg.Applications.CallbackTimeout, cfg.Applications.RetryCount, log)
	relay := outbox.NewRelay(cp.store, outbox.NewRouter(queues, callbacks, cp.store), outbox.Options{
		PollInterval:    cfg.Outbox.PollInterval,
		BatchSize:       cfg.Outbox.BatchSize,
		LockTTL:         cfg.Outbox.LockTTL,
		MaxAttempts:     cfg.Outbox.MaxAttempts,
		MaxBackoff:      cfg.Outbox.MaxBackoff,
		DispatchTimeout: cfg.Outbox.DispatchTimeout,
	}, log)
	pool := worker.NewWorkerPool("outbox", relay, relay.PollInterval(), cfg.Workers, log)
	pool.Start(ctx)
	defer pool.Stop()

	// Recover runs interrupted by a previous crash
	if n, err := cp.prov.Recover(ctx, recoverAfter); err != nil {
		log.Error("provisioning recovery incomplete", zap.Int("settled", n), zap.Error(err))
	} else if n > 0 {
		log.Info("recovered provisioning runs", zap.Int("settled", n))
	}

	go updateGauges(ctx, cp)

	res := resolver.New(cp.signer, cp.catalog(), cfg.Resolver.Timeout, log)
	handler := api.NewAPI(cp.tenants, res, cp.leases, cfg.Server.AdminKey, log)
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting API server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown initiated")
	case err := <-errCh:
		log.Error("server error", zap.Error(err))
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown error", zap.Error(err))
	}

	cp.tenants.Shutdown()
	log.Info("graceful shutdown complete")
	return nil
}

// updateGauges refreshes per-tenant queue depth and the outbox backlog until ctx ends.
func updateGauges(ctx context.Context, cp *controlPlane) {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if n, err := cp.store.Pending(ctx); err == nil {
			metrics.OutboxPending.Set(float64(n))
		} else if ctx.Err() == nil {
			cp.logger.Warn("outbox backlog", zap.Error(err))
		}

		if cp.rabbit == nil {
			continue
		}
		tenants, err := cp.store.ListTenants(ctx)
		if err != nil {
			if ctx.Err() == nil {
				cp.logger.Warn("list tenants for queue depth", zap.Error(err))
			}
			continue
		}
		for _, t := range tenants {
			cp.rabbit.UpdateQueueDepth(t.Slug)
		}
	}
}
