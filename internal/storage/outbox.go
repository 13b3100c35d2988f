package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"schema-tenancy/internal/model"
)

// Enqueue persists an outbound task, available immediately.
func (s *Storage) Enqueue(ctx context.Context, t *model.OutboxTask) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	err := s.DB.QueryRowContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, kind, tenant_id, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING available_at, created_at`, s.table("outbox_tasks")),
		t.ID, t.Kind, t.TenantID, []byte(t.Payload),
	).Scan(&t.AvailableAt, &t.CreatedAt)
	if err != nil {
		return fmt.Errorf("outbox enqueue %s: %w", t.Kind, err)
	}
	return nil
}

// abandonedMsg is recorded on a task whose final attempt never reported back.
const abandonedMsg = "abandoned during final attempt"

// Claim locks up to limit due tasks for this relay. Rows locked by another relay are
// skipped; a lock older than lockCutoff is considered abandoned. Attempts is incremented
// on claim, so a task abandoned on its final attempt can never be claimed again: those
// are parked as dead first.
func (s *Storage) Claim(ctx context.Context, now, lockCutoff time.Time, maxAttempts, limit int) ([]model.OutboxTask, error) {
	var items []model.OutboxTask
	err := s.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s
			   SET dead_at = $1, locked_at = NULL,
			       last_error = CASE WHEN last_error = '' THEN $4 ELSE last_error END
			 WHERE done_at IS NULL
			   AND dead_at IS NULL
			   AND attempts >= $2
			   AND (locked_at IS NULL OR locked_at < $3)`, s.table("outbox_tasks")),
			now, maxAttempts, lockCutoff, abandonedMsg)
		if err != nil {
			return fmt.Errorf("outbox park exhausted: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			s.logger.Warn("outbox tasks exhausted without a result parked as dead", zap.Int64("tasks", n))
		}

		rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
			SELECT id, kind, tenant_id, payload, attempts, available_at, last_error, created_at
			  FROM %s
			 WHERE done_at IS NULL
			   AND dead_at IS NULL
			   AND available_at <= $1
			   AND attempts < $2
			   AND (locked_at IS NULL OR locked_at < $3)
			 ORDER BY available_at
			 LIMIT $4
			 FOR UPDATE SKIP LOCKED`, s.table("outbox_tasks")),
			now, maxAttempts, lockCutoff, limit)
		if err != nil {
			return fmt.Errorf("outbox claim select: %w", err)
		}
		defer rows.Close()

		var ids []string
		for rows.Next() {
			var t model.OutboxTask
			var payload []byte
			if err := rows.Scan(&t.ID, &t.Kind, &t.TenantID, &payload, &t.Attempts,
				&t.AvailableAt, &t.LastError, &t.CreatedAt); err != nil {
				return fmt.Errorf("outbox claim scan: %w", err)
			}
			t.Payload = payload
			t.Attempts++
			items = append(items, t)
			ids = append(ids, t.ID.String())
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("outbox claim rows: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s SET locked_at = $1, attempts = attempts + 1
			 WHERE id = ANY($2::uuid[])`, s.table("outbox_tasks")),
			now, pq.Array(ids)); err != nil {
			return fmt.Errorf("outbox claim update: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Storage) Ack(ctx context.Context, id uuid.UUID) error {
	_, err := s.DB.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET done_at = now(), locked_at = NULL, last_error = ''
		 WHERE id = $1 AND done_at IS NULL`, s.table("outbox_tasks")), id)
	if err != nil {
		return fmt.Errorf("outbox ack: %w", err)
	}
	return nil
}

// Nack releases the task and schedules the next attempt.
func (s *Storage) Nack(ctx context.Context, id uuid.UUID, lastError string, next time.Time) error {
	_, err := s.DB.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET locked_at = NULL, last_error = $2, available_at = $3
		 WHERE id = $1 AND done_at IS NULL`, s.table("outbox_tasks")), id, lastError, next)
	if err != nil {
		return fmt.Errorf("outbox nack: %w", err)
	}
	return nil
}

// Dead parks a task that exhausted its attempts.
func (s *Storage) Dead(ctx context.Context, id uuid.UUID, lastError string) error {
	_, err := s.DB.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET locked_at = NULL, dead_at = now(), last_error = $2
		 WHERE id = $1 AND done_at IS NULL`, s.table("outbox_tasks")), id, lastError)
	if err != nil {
		return fmt.Errorf("outbox dead: %w", err)
	}
	return nil
}

// Pending counts tasks not yet delivered or parked.
func (s *Storage) Pending(ctx context.Context) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT count(*) FROM %s WHERE done_at IS NULL AND dead_at IS NULL`, s.table("outbox_tasks")),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("outbox pending count: %w", err)
	}
	return n, nil
}
