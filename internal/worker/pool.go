package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"schema-tenancy/internal/metrics"
)

// Processor is one unit of polled work, typically outbox.Relay.
type Processor interface {
	ProcessOnce(ctx context.Context) (int, error)
}

type WorkerPool struct {
	name     string
	proc     Processor
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	workers int
	running bool
}

func NewWorkerPool(name string, proc Processor, interval time.Duration, workerCount int, logger *zap.Logger) *WorkerPool {
	if interval <= 0 {
		interval = time.Second
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	return &WorkerPool{
		name:     name,
		proc:     proc,
		interval: interval,
		logger:   logger.With(zap.String("pool", name)),
		workers:  workerCount,
	}
}

// Start launches the workers. Calling Start on a running pool is a no-op.
func (wp *WorkerPool) Start(ctx context.Context) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.running {
		return
	}
	wp.start(ctx)
}

func (wp *WorkerPool) start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	wp.cancel = cancel
	wp.running = true
	wp.logger.Info("starting worker pool", zap.Int("workers", wp.workers))

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.run(ctx, i)
	}
}

func (wp *WorkerPool) run(ctx context.Context, id int) {
	defer wp.wg.Done()
	metrics.WorkerActive.WithLabelValues(wp.name).Inc()
	defer metrics.WorkerActive.WithLabelValues(wp.name).Dec()

	ticker := time.NewTicker(wp.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// drain while there is work, then wait for the next tick
		for {
			n, err := wp.proc.ProcessOnce(ctx)
			if err != nil {
				if ctx.Err() == nil {
					wp.logger.Warn("worker tick failed", zap.Int("worker", id), zap.Error(err))
				}
				break
			}
			if n == 0 {
				break
			}
			metrics.WorkerProcessed.WithLabelValues(wp.name).Add(float64(n))
		}
	}
}

// Stop cancels the workers and waits for in-flight batches to finish.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	wp.stop()
}

func (wp *WorkerPool) stop() {
	if !wp.running {
		return
	}
	wp.cancel()
	wp.wg.Wait()
	wp.running = false
	wp.logger.Info("stopped worker pool")
}

func (wp *WorkerPool) Workers() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.workers
}

// SetWorkerCount updates the worker pool to use a new concurrency level
func (wp *WorkerPool) SetWorkerCount(ctx context.Context, n int) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if n <= 0 || n == wp.workers {
		return
	}

	wp.logger.Info("rescaling worker pool", zap.Int("from", wp.workers), zap.Int("to", n))
	wasRunning := wp.running
	wp.stop()
	wp.workers = n
	if wasRunning {
		wp.start(ctx)
	}
}
