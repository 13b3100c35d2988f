package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// @title Schema Tenancy Control Plane API
// @version 1.0
// @description Schema-per-tenant provisioning, subscriptions and request scoping.
// @host localhost:8080
// @BasePath /
// @schemes http

// @securityDefinitions.apikey AdminKey
// @in header
// @name X-Admin-Key

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
