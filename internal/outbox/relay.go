// Package outbox delivers persisted side effects of tenant lifecycle operations with
// independent retry.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"schema-tenancy/internal/metrics"
	"schema-tenancy/internal/model"
)

type Store interface {
	Claim(ctx context.Context, now, lockCutoff time.Time, maxAttempts, limit int) ([]model.OutboxTask, error)
	Ack(ctx context.Context, id uuid.UUID) error
	Nack(ctx context.Context, id uuid.UUID, lastError string, next time.Time) error
	Dead(ctx context.Context, id uuid.UUID, lastError string) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, task model.OutboxTask) error
}

type Options struct {
	PollInterval    time.Duration
	BatchSize       int
	LockTTL         time.Duration
	MaxAttempts     int
	MaxBackoff      time.Duration
	JitterMax       time.Duration
	DispatchTimeout time.Duration
	LastErrorMaxLen int
}

func (o *Options) setDefaults() {
	if o.PollInterval == 0 {
		o.PollInterval = time.Second
	}
	if o.BatchSize == 0 {
		o.BatchSize = 20
	}
	if o.LockTTL == 0 {
		o.LockTTL = time.Minute
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 12
	}
	if o.MaxBackoff == 0 {
		o.MaxBackoff = 5 * time.Minute
	}
	if o.JitterMax == 0 {
		o.JitterMax = 250 * time.Millisecond
	}
	if o.DispatchTimeout == 0 {
		o.DispatchTimeout = 30 * time.Second
	}
	if o.LastErrorMaxLen == 0 {
		o.LastErrorMaxLen = 1024
	}
}

type Relay struct {
	store      Store
	dispatcher Dispatcher
	opts       Options
	logger     *zap.Logger
	now        func() time.Time

	mu   sync.Mutex
	rand *rand.Rand
}

func NewRelay(store Store, dispatcher Dispatcher, opts Options, logger *zap.Logger) *Relay {
	opts.setDefaults()
	return &Relay{
		store:      store,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger,
		now:        time.Now,
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec
	}
}

func (r *Relay) PollInterval() time.Duration { return r.opts.PollInterval }

// ProcessOnce claims one batch and dispatches it. It returns how many tasks it claimed.
func (r *Relay) ProcessOnce(ctx context.Context) (int, error) {
	now := r.now()
	tasks, err := r.store.Claim(ctx, now, now.Add(-r.opts.LockTTL), r.opts.MaxAttempts, r.opts.BatchSize)
	if err != nil {
		return 0, err
	}

	for _, task := range tasks {
		dctx, cancel := context.WithTimeout(ctx, r.opts.DispatchTimeout)
		err := r.dispatcher.Dispatch(dctx, task)
		cancel()

		log := r.logger.With(
			zap.String("task", task.ID.String()),
			zap.String("kind", string(task.Kind)),
			zap.Int64("tenant_id", task.TenantID),
			zap.Int("attempt", task.Attempts))

		if err == nil {
			metrics.OutboxDispatch.WithLabelValues(string(task.Kind), "success").Inc()
			if ackErr := r.store.Ack(ctx, task.ID); ackErr != nil {
				log.Warn("outbox ack failed", zap.Error(ackErr))
			}
			continue
		}

		lastErr := truncate(err.Error(), r.opts.LastErrorMaxLen)
		if task.Attempts >= r.opts.MaxAttempts {
			metrics.OutboxDispatch.WithLabelValues(string(task.Kind), "dead").Inc()
			log.Error("outbox task exhausted its attempts", zap.Error(err))
			if deadErr := r.store.Dead(ctx, task.ID, lastErr); deadErr != nil {
				log.Warn("outbox dead update failed", zap.Error(deadErr))
			}
			continue
		}

		metrics.OutboxDispatch.WithLabelValues(string(task.Kind), "failure").Inc()
		next := r.now().Add(backoff(task.Attempts, r.opts.MaxBackoff) + r.jitter())
		log.Warn("outbox dispatch failed, will retry", zap.Time("next", next), zap.Error(err))
		if nackErr := r.store.Nack(ctx, task.ID, lastErr, next); nackErr != nil {
			log.Warn("outbox nack failed", zap.Error(nackErr))
		}
	}
	return len(tasks), nil
}

func (r *Relay) jitter() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return jitter(r.rand, r.opts.JitterMax)
}

// NewTask builds a task with a JSON payload.
func NewTask(kind model.TaskKind, tenantID int64, payload any) (*model.OutboxTask, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return &model.OutboxTask{ID: uuid.New(), Kind: kind, TenantID: tenantID, Payload: b}, nil
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}
