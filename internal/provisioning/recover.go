package provisioning

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"schema-tenancy/internal/metrics"
	"schema-tenancy/internal/model"
)

const recoverConcurrency = 4

// Recover settles runs a crashed process left mid-flight. A run that already reached
// collaborators_notified only lacked activation and is finished; every other stalled run is
// compensated. It returns how many runs it settled.
func (p *Provisioner) Recover(ctx context.Context, olderThan time.Duration) (int, error) {
	stalled, err := p.runs.StalledRuns(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	if len(stalled) == 0 {
		return 0, nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(recoverConcurrency)
	for i := range stalled {
		rec := &stalled[i]
		g.Go(func() error {
			p.settle(ctx, rec)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	p.logger.Info("stalled provisioning runs settled", zap.Int("runs", len(stalled)))
	return len(stalled), nil
}

func (p *Provisioner) settle(ctx context.Context, rec *model.ProvisioningRun) {
	log := p.logger.With(zap.String("run", rec.ID.String()), zap.String("namespace", rec.Namespace),
		zap.String("state", string(rec.State)))

	if rec.State == model.StateCollaboratorsNotified && rec.TenantID != nil {
		// the requested status is not persisted; trial is the registration default
		err := p.catalog.UpdateTenantStatus(ctx, *rec.TenantID, model.TenantTrial)
		if err == nil {
			rec.State = model.StateActive
			if err := p.runs.SaveRun(ctx, rec); err != nil {
				log.Warn("persist recovered run", zap.Error(err))
			}
			metrics.ProvisioningRuns.WithLabelValues(string(model.StateActive)).Inc()
			log.Info("stalled run activated")
			return
		}
		log.Warn("activate stalled run, compensating instead", zap.Error(err))
	}

	// From namespace_pending on, any schema under this name is ours: it was absent when the
	// run claimed the name. A requested run never got that far.
	owned := rec.State != model.StateRequested
	if !owned {
		log.Warn("stalled run never claimed its schema; any schema of that name is left in place")
	}
	if err := p.compensate(ctx, rec.TenantID, rec.Namespace, owned); err != nil {
		log.Error("compensate stalled run", zap.Error(err))
		rec.State = model.StateCompensationFailed
		rec.LastError = err.Error()
	} else {
		rec.State = model.StateCompensated
		if rec.LastError == "" {
			rec.LastError = "abandoned run compensated during recovery"
		}
	}
	metrics.ProvisioningRuns.WithLabelValues(string(rec.State)).Inc()
	if err := p.runs.SaveRun(ctx, rec); err != nil {
		log.Warn("persist recovered run", zap.Error(err))
	}
}
