package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"schema-tenancy/internal/model"
)

// QueueManager is the messaging collaborator.
type QueueManager interface {
	CreateTenantQueue(slug string) error
	DeleteTenantQueue(slug string) error
}

// Migrator calls a sibling application's migration callback.
type Migrator interface {
	Migrate(ctx context.Context, app *model.Application, payload model.MigratePayload) error
}

type Applications interface {
	GetApplication(ctx context.Context, id int64) (*model.Application, error)
}

// Router dispatches tasks to the collaborator their kind names.
type Router struct {
	queues   QueueManager
	migrator Migrator
	apps     Applications
}

func NewRouter(queues QueueManager, migrator Migrator, apps Applications) *Router {
	return &Router{queues: queues, migrator: migrator, apps: apps}
}

func (r *Router) Dispatch(ctx context.Context, task model.OutboxTask) error {
	switch task.Kind {
	case model.TaskCreateTenantQueue, model.TaskDeleteTenantQueue:
		var p model.QueuePayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return fmt.Errorf("decode queue payload: %w", err)
		}
		if r.queues == nil {
			return fmt.Errorf("no messaging collaborator configured")
		}
		if task.Kind == model.TaskCreateTenantQueue {
			return r.queues.CreateTenantQueue(p.NamespaceSlug)
		}
		return r.queues.DeleteTenantQueue(p.NamespaceSlug)

	case model.TaskAppMigrate:
		var p model.MigratePayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return fmt.Errorf("decode migrate payload: %w", err)
		}
		app, err := r.apps.GetApplication(ctx, p.ApplicationID)
		if err != nil {
			return err
		}
		return r.migrator.Migrate(ctx, app, p)
	}
	return fmt.Errorf("unknown outbox task kind %q", task.Kind)
}
