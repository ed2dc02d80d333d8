package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
)

// PoolMetrics counts work handled by a sweepPool.
type PoolMetrics struct {
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// sweepPool runs work with bounded concurrency. Submit blocks while the pool
// is full and gives up when ctx is done.
type sweepPool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
}

func newSweepPool(size int) *sweepPool {
	if size <= 0 {
		size = 1
	}
	return &sweepPool{sem: make(chan struct{}, size)}
}

func (p *sweepPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.wg.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
			}
			<-p.sem
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
			return
		}
		atomic.AddInt64(&p.metrics.Completed, 1)
	}()
	return nil
}

// Wait blocks until all submitted work completes and returns the totals.
func (p *sweepPool) Wait() PoolMetrics {
	p.wg.Wait()
	return PoolMetrics{
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}
