package schema

import (
	"context"
	"fmt"
	"hash/fnv"

	"go.uber.org/zap"

	"schema-tenancy/internal/apperr"
	"schema-tenancy/internal/metrics"
	"schema-tenancy/internal/namespace"
)

// Synthesizer creates entity tables on first use. The Executor it is given must be pinned
// to one connection (a *namespace.Lease or *sql.Tx): the advisory lock is session-scoped.
type Synthesizer struct {
	logger *zap.Logger
}

func NewSynthesizer(logger *zap.Logger) *Synthesizer {
	return &Synthesizer{logger: logger}
}

// EnsureTable creates d in ns if it is absent. It reports whether this call created it.
// Concurrent callers serialize on an advisory lock keyed by (ns, table); a duplicate_table
// error from a racing creator outside the lock is treated as success.
func (s *Synthesizer) EnsureTable(ctx context.Context, ex namespace.Executor, d EntityDescriptor, ns string) (bool, error) {
	if err := namespace.Validate(ns); err != nil {
		return false, err
	}
	if err := d.Validate(); err != nil {
		return false, err
	}

	key := lockKey(ns, d.Table)
	if _, err := ex.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		return false, apperr.SchemaIntegrityf(err, "lock %s.%s", ns, d.Table)
	}
	defer func() {
		if _, err := ex.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, key); err != nil {
			s.logger.Warn("advisory unlock failed",
				zap.String("namespace", ns), zap.String("table", d.Table), zap.Error(err))
		}
	}()

	exists, err := TableExists(ctx, ex, ns, d.Table)
	if err != nil {
		return false, apperr.SchemaIntegrityf(err, "inspect %s.%s", ns, d.Table)
	}
	if exists {
		return false, nil
	}

	if _, err := ex.ExecContext(ctx, CreateTableSQL(ns, d)); err != nil {
		if apperr.PgCode(err) == apperr.PgDuplicateTable {
			return false, nil
		}
		return false, apperr.SchemaIntegrityf(err, "create %s.%s", ns, d.Table)
	}

	// Constraint ordering across fresh tables is not guaranteed; a missing FK is tolerated.
	for _, stmt := range ForeignKeySQL(ns, d) {
		if _, err := ex.ExecContext(ctx, stmt); err != nil {
			s.logger.Warn("foreign key not created",
				zap.String("namespace", ns), zap.String("table", d.Table), zap.Error(err))
		}
	}

	metrics.TablesSynthesized.WithLabelValues(d.Table).Inc()
	s.logger.Info("table synthesized", zap.String("namespace", ns), zap.String("table", d.Table))
	return true, nil
}

// ApplyBaseline creates every table a tenant namespace needs regardless of entitlements.
func (s *Synthesizer) ApplyBaseline(ctx context.Context, ex namespace.Executor, ns string) error {
	for _, d := range Baseline() {
		if _, err := s.EnsureTable(ctx, ex, d, ns); err != nil {
			return fmt.Errorf("baseline %s: %w", d.Table, err)
		}
	}
	return nil
}

// TableExists checks the live catalog for ns.table.
func TableExists(ctx context.Context, ex namespace.Executor, ns, table string) (bool, error) {
	var exists bool
	err := ex.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2)`,
		ns, table,
	).Scan(&exists)
	return exists, err
}

func lockKey(ns, table string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("synth:" + ns + "." + table))
	return int64(h.Sum64())
}
