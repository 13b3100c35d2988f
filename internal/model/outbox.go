package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type TaskKind string

const (
	TaskCreateTenantQueue TaskKind = "tenant.queue.create"
	TaskDeleteTenantQueue TaskKind = "tenant.queue.delete"
	TaskAppMigrate        TaskKind = "app.migrate"
)

// OutboxTask is an outbound side effect persisted for independent, retried delivery.
type OutboxTask struct {
	ID          uuid.UUID       `db:"id"`
	Kind        TaskKind        `db:"kind"`
	TenantID    int64           `db:"tenant_id"`
	Payload     json.RawMessage `db:"payload"`
	Attempts    int             `db:"attempts"`
	AvailableAt time.Time       `db:"available_at"`
	LastError   string          `db:"last_error"`
	CreatedAt   time.Time       `db:"created_at"`
}

type QueuePayload struct {
	NamespaceSlug string `json:"namespace_slug"`
}

type MigratePayload struct {
	TenantSchema  string `json:"tenant_schema"`
	TenantID      int64  `json:"tenant_id"`
	ApplicationID int64  `json:"app_id"`
}
