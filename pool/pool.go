// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package pool provides a bounded [stageq.Executor].
//
// Bounded caps the number of goroutines running pipeline workers and
// dispatch tasks at once. Pipeline workers start through TrySpawn and stay
// idle while the pool is saturated. Spawn waits for a free permit using the
// submission context; a task whose context ends first is dropped and logged.
package pool

import (
	"context"
	"runtime/pprof"
	"sync"

	"code.hybscloud.com/atomix"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"code.hybscloud.com/stageq"
)

var _ stageq.BoundedExecutor = (*Bounded)(nil)

// Bounded runs each task on its own goroutine, at most n at a time.
type Bounded struct {
	size   int
	sem    *semaphore.Weighted
	logger *zap.Logger
	wg     sync.WaitGroup

	running atomix.Int64
	started atomix.Uint64
	dropped atomix.Uint64
}

// Stats is a snapshot of a [Bounded] executor.
type Stats struct {
	Running int64
	Started uint64
	Dropped uint64
}

// New returns an executor that runs at most n tasks concurrently.
// A nil logger disables logging. Panics if n < 1.
func New(n int, logger *zap.Logger) *Bounded {
	if n < 1 {
		panic("pool: size must be >= 1")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bounded{
		size:   n,
		sem:    semaphore.NewWeighted(int64(n)),
		logger: logger.With(zap.String("component", "pool")),
	}
}

// Spawn waits for a permit, then starts task on a new goroutine labelled
// "stageq.worker"=name. If ctx is done before a permit frees up, the task is
// dropped.
//
// Spawn blocks the caller while the pool is saturated. Pipeline workers
// never call it; they use TrySpawn.
func (b *Bounded) Spawn(ctx context.Context, name string, task func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := b.sem.Acquire(ctx, 1); err != nil {
		b.dropped.AddAcqRel(1)
		b.logger.Warn("task dropped", zap.String("task", name), zap.Error(err))
		return
	}
	b.start(ctx, name, task)
}

// TrySpawn starts task only if a permit is free right now.
// It reports whether the task was started.
func (b *Bounded) TrySpawn(ctx context.Context, name string, task func(ctx context.Context)) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	if !b.sem.TryAcquire(1) {
		return false
	}
	b.start(ctx, name, task)
	return true
}

// start runs task on a new goroutine holding one permit.
func (b *Bounded) start(ctx context.Context, name string, task func(ctx context.Context)) {
	b.started.AddAcqRel(1)
	b.running.Add(1)
	b.wg.Add(1)
	go func() {
		defer func() {
			b.running.Add(-1)
			b.sem.Release(1)
			b.wg.Done()
		}()
		pprof.Do(ctx, pprof.Labels("stageq.worker", name), task)
	}()
}

// Size returns the number of permits.
func (b *Bounded) Size() int {
	return b.size
}

// Wait blocks until every started task has returned.
func (b *Bounded) Wait() {
	b.wg.Wait()
}

// Stats returns a snapshot of the executor counters.
func (b *Bounded) Stats() Stats {
	return Stats{
		Running: b.running.Load(),
		Started: b.started.LoadAcquire(),
		Dropped: b.dropped.LoadAcquire(),
	}
}
