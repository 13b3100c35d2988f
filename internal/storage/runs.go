package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"schema-tenancy/internal/apperr"
	"schema-tenancy/internal/model"
)

const runColumns = `id, tenant_id, namespace, state, last_error, warnings, created_at, updated_at`

func scanRun(row rowScanner) (*model.ProvisioningRun, error) {
	var r model.ProvisioningRun
	var tenantID sql.NullInt64
	var warnings []byte
	if err := row.Scan(&r.ID, &tenantID, &r.Namespace, &r.State, &r.LastError, &warnings,
		&r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.TenantID = nullableID(tenantID)
	if len(warnings) > 0 {
		if err := json.Unmarshal(warnings, &r.Warnings); err != nil {
			return nil, fmt.Errorf("decode run warnings: %w", err)
		}
	}
	return &r, nil
}

// CreateRun persists a new provisioning run in its initial state.
func (s *Storage) CreateRun(ctx context.Context, r *model.ProvisioningRun) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	warnings, err := encodeWarnings(r.Warnings)
	if err != nil {
		return err
	}
	err = s.DB.QueryRowContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, tenant_id, namespace, state, last_error, warnings)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`, s.table("provisioning_runs")),
		r.ID, r.TenantID, r.Namespace, r.State, r.LastError, warnings,
	).Scan(&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create provisioning run: %w", err)
	}
	return nil
}

// SaveRun records the run's current state before the next step starts.
func (s *Storage) SaveRun(ctx context.Context, r *model.ProvisioningRun) error {
	warnings, err := encodeWarnings(r.Warnings)
	if err != nil {
		return err
	}
	err = s.DB.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE %s SET tenant_id = $2, state = $3, last_error = $4, warnings = $5, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`, s.table("provisioning_runs")),
		r.ID, r.TenantID, r.State, r.LastError, warnings,
	).Scan(&r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFoundf("provisioning run %s", r.ID)
	}
	if err != nil {
		return fmt.Errorf("save provisioning run: %w", err)
	}
	return nil
}

func (s *Storage) GetRun(ctx context.Context, id uuid.UUID) (*model.ProvisioningRun, error) {
	row := s.DB.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`,
		runColumns, s.table("provisioning_runs")), id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("provisioning run %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get provisioning run: %w", err)
	}
	return r, nil
}

// StalledRuns lists runs in a non-terminal state that have not moved for at least olderThan.
func (s *Storage) StalledRuns(ctx context.Context, olderThan time.Duration) ([]model.ProvisioningRun, error) {
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE state NOT IN ($1, $2, $3) AND updated_at < $4
		ORDER BY created_at`, runColumns, s.table("provisioning_runs")),
		model.StateActive, model.StateCompensated, model.StateCompensationFailed,
		time.Now().Add(-olderThan))
	if err != nil {
		return nil, fmt.Errorf("stalled runs: %w", err)
	}
	defer rows.Close()

	var runs []model.ProvisioningRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func encodeWarnings(w []model.StepFailure) ([]byte, error) {
	if w == nil {
		w = []model.StepFailure{}
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode run warnings: %w", err)
	}
	return b, nil
}
