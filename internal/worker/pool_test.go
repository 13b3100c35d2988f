package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type countingProcessor struct {
	calls   atomic.Int64
	backlog atomic.Int64
	fail    bool
}

func (p *countingProcessor) ProcessOnce(context.Context) (int, error) {
	p.calls.Add(1)
	if p.fail {
		return 0, errors.New("db down")
	}
	if p.backlog.Add(-1) >= 0 {
		return 1, nil
	}
	p.backlog.Store(0)
	return 0, nil
}

func TestPool_DrainsBacklog(t *testing.T) {
	proc := &countingProcessor{}
	proc.backlog.Store(5)
	wp := NewWorkerPool("test", proc, 5*time.Millisecond, 2, zap.NewNop())

	wp.Start(context.Background())
	assert.Eventually(t, func() bool { return proc.backlog.Load() == 0 }, time.Second, 5*time.Millisecond)
	wp.Stop()
}

func TestPool_StopIsIdempotent(t *testing.T) {
	wp := NewWorkerPool("test", &countingProcessor{}, time.Millisecond, 1, zap.NewNop())
	wp.Start(context.Background())
	wp.Start(context.Background())
	wp.Stop()
	wp.Stop()

	proc := wp.proc.(*countingProcessor)
	calls := proc.calls.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, calls, proc.calls.Load())
}

func TestPool_SurvivesProcessorErrors(t *testing.T) {
	proc := &countingProcessor{fail: true}
	wp := NewWorkerPool("test", proc, time.Millisecond, 1, zap.NewNop())
	wp.Start(context.Background())
	assert.Eventually(t, func() bool { return proc.calls.Load() >= 3 }, time.Second, time.Millisecond)
	wp.Stop()
}

func TestPool_SetWorkerCount(t *testing.T) {
	wp := NewWorkerPool("test", &countingProcessor{}, time.Millisecond, 2, zap.NewNop())
	wp.Start(context.Background())

	wp.SetWorkerCount(context.Background(), 4)
	assert.Equal(t, 4, wp.Workers())
	wp.SetWorkerCount(context.Background(), 0)
	assert.Equal(t, 4, wp.Workers())
	wp.Stop()

	wp.SetWorkerCount(context.Background(), 1)
	assert.Equal(t, 1, wp.Workers())
}
