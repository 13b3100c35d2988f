package main

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"schema-tenancy/internal/auth"
	"schema-tenancy/internal/cache"
	"schema-tenancy/internal/config"
	"schema-tenancy/internal/manager"
	"schema-tenancy/internal/messaging"
	"schema-tenancy/internal/namespace"
	"schema-tenancy/internal/provisioning"
	"schema-tenancy/internal/rbac"
	"schema-tenancy/internal/resolver"
	"schema-tenancy/internal/schema"
	"schema-tenancy/internal/storage"
	"schema-tenancy/internal/subscription"
)

// controlPlane holds the wired components shared by the server and the CLI.
type controlPlane struct {
	cfg    *config.Config
	logger *zap.Logger

	store   *storage.Storage
	leases  *namespace.Manager
	signer  *auth.Signer
	subs    *subscription.Service
	prov    *provisioning.Provisioner
	tenants *manager.TenantManager

	redis  *redis.Client
	cache  *cache.NamespaceCache
	rabbit *messaging.RabbitClient
}

func newControlPlane(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*controlPlane, error) {
	store, err := storage.NewStorage(cfg.Database.URL, storage.Options{
		SharedSchema: cfg.Database.SharedSchema,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	}, logger)
	if err != nil {
		return nil, err
	}
	signer, err := auth.NewSigner(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		store.Close()
		return nil, err
	}

	cp := &controlPlane{
		cfg:    cfg,
		logger: logger,
		store:  store,
		leases: namespace.NewManager(store.DB, cfg.Database.SharedSchema),
		signer: signer,
		subs:   subscription.NewService(store, logger),
	}

	// The cache is optional; the interfaces below stay nil without it.
	var inval provisioning.Invalidator
	if cfg.Redis.Addr != "" {
		cp.redis = cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err := cp.redis.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, catalog lookups go to postgres", zap.Error(err))
		}
		cp.cache = cache.NewNamespaceCache(cp.redis, store, cfg.Redis.CacheTTL, logger)
		inval = cp.cache
	}

	seeder := rbac.NewProvisioner(logger)
	synth := schema.NewSynthesizer(logger)

	cp.prov = provisioning.New(provisioning.Deps{
		Catalog:  store,
		Runs:     store,
		Outbox:   store,
		Scoper:   cp.leases,
		Baseline: synth,
		Licenses: cp.subs,
		RBAC:     seeder,
		Cache:    inval,
	}, logger)

	cp.tenants = manager.NewTenantManager(manager.Deps{
		Store:         store,
		Provisioner:   cp.prov,
		Subscriptions: cp.subs,
		RBAC:          seeder,
		Scoper:        cp.leases,
		Tokens:        signer,
		Cache:         inval,
		Synthesizer:   synth,
		Entities:      schema.DefaultRegistry(),
	}, logger)

	return cp, nil
}

// catalog is what the resolver reads tenants through: the cache when configured.
func (cp *controlPlane) catalog() resolver.Catalog {
	if cp.cache != nil {
		return cp.cache
	}
	return cp.store
}

// connectRabbit dials RabbitMQ when a URL is configured. It returns false without one.
func (cp *controlPlane) connectRabbit() (bool, error) {
	if cp.cfg.RabbitMQ.URL == "" {
		return false, nil
	}
	rc, err := messaging.NewRabbitClient(cp.cfg.RabbitMQ.URL, cp.logger)
	if err != nil {
		return false, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	if err := rc.DeclareControlQueue(cp.cfg.RabbitMQ.ControlQueue); err != nil {
		rc.Close()
		return false, err
	}
	cp.rabbit = rc
	return true, nil
}

func (cp *controlPlane) Close() error {
	var errs error
	cp.tenants.Shutdown()
	if cp.rabbit != nil {
		errs = multierr.Append(errs, cp.rabbit.Close())
	}
	if cp.redis != nil {
		errs = multierr.Append(errs, cp.redis.Close())
	}
	errs = multierr.Append(errs, cp.store.Close())
	_ = cp.logger.Sync()
	return errs
}
