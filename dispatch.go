// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stageq

import (
	"context"
	"runtime/debug"
	"runtime/pprof"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"go.uber.org/zap"
)

// Task is a unit of work run by a [Dispatcher].
type Task func(ctx context.Context)

type pendingTask struct {
	ctx  context.Context
	name string
	fn   Task
}

// Dispatcher runs tasks on a small set of reusable dispatch goroutines
// layered over a backing [Executor].
//
// Schedule places the task in a bounded ring of pending work. A new dispatch
// goroutine is requested from the executor only when the number of queued
// tasks exceeds the number of idle dispatch goroutines, and never beyond
// MaxThreads. When the ring is full the task bypasses it and goes straight
// to the executor (the overflow path). Dispatch goroutines that find no work
// for the idle window exit.
//
// Under bursty load this bounds goroutine creation to MaxThreads while an
// idle dispatch goroutine still picks up a new task without a spawn.
type Dispatcher struct {
	_       pad
	idle    atomix.Int64 // dispatch goroutines waiting for work
	_       pad
	threads atomix.Int64 // live dispatch goroutines
	_       pad
	closed  atomix.Bool
	_       pad

	ring        *pendingRing
	name        string
	executor    Executor
	diagnostics Diagnostics
	logger      *zap.Logger
	maxThreads  int64
	idleTimeout time.Duration
	signal      chan struct{}
	done        chan struct{}
	closeOnce   sync.Once

	scheduled atomix.Uint64
	overflow  atomix.Uint64
	launched  atomix.Uint64
	completed atomix.Uint64
	failures  atomix.Uint64
}

// DispatchStats is a snapshot of a [Dispatcher].
type DispatchStats struct {
	Name      string
	Capacity  int
	Scheduled uint64
	Overflow  uint64
	Launched  uint64
	Completed uint64
	Failures  uint64
	Queued    int64
	Idle      int64
	Threads   int64
}

// NewDispatcher creates a dispatcher with a pending ring of the given
// capacity over executor. A nil executor means [GoExecutor].
func NewDispatcher(capacity int, executor Executor) *Dispatcher {
	return BuildDispatcher(New(capacity).Executor(executor))
}

// BuildDispatcher creates a dispatcher from a builder. It uses the builder's
// executor, diagnostics, logger, idle timeout and MaxThreads.
func BuildDispatcher(b *Builder) *Dispatcher {
	o := b.resolved("dispatch")
	return &Dispatcher{
		ring:        newPendingRing(o.capacity),
		name:        o.name,
		executor:    o.executor,
		diagnostics: o.diagnostics,
		logger:      o.logger.With(zap.String("dispatcher", o.name)),
		maxThreads:  int64(o.maxThreads),
		idleTimeout: o.idleTimeout,
		signal:      make(chan struct{}, o.maxThreads),
		done:        make(chan struct{}),
	}
}

// Schedule submits task for execution under the given name.
//
// ctx is the ambient context the task runs with; it is captured now and
// bound only while the task runs. A full ring sends the task to the
// executor directly. The executor sees ctx without its cancellation, so a
// [BoundedExecutor] waits for a permit rather than dropping the task, and
// every scheduled task is eventually counted as completed. Schedule blocks
// only while a [BoundedExecutor] has no permit for a dispatch goroutine or
// an overflowed task. Returns ErrClosed after Close.
func (d *Dispatcher) Schedule(ctx context.Context, name string, task Task) error {
	if task == nil {
		panic("stageq: nil task")
	}
	if d.closed.LoadAcquire() {
		return ErrClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}
	d.scheduled.AddAcqRel(1)

	t := pendingTask{ctx: ctx, name: name, fn: task}
	if !d.ring.push(t) {
		d.overflow.AddAcqRel(1)
		d.executor.Spawn(context.WithoutCancel(ctx), name, func(context.Context) {
			d.run(t)
		})
		return nil
	}

	queued := d.ring.queued()
	idle := d.idle.Load()
	if idle > 0 {
		select {
		case d.signal <- struct{}{}:
		default:
		}
	}
	if queued > idle {
		d.launch()
	}
	return nil
}

// Close stops accepting tasks. Dispatch goroutines finish the tasks already
// in the ring and exit.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.closed.StoreRelease(true)
		close(d.done)
	})
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() DispatchStats {
	return DispatchStats{
		Name:      d.name,
		Capacity:  d.ring.size(),
		Scheduled: d.scheduled.LoadAcquire(),
		Overflow:  d.overflow.LoadAcquire(),
		Launched:  d.launched.LoadAcquire(),
		Completed: d.completed.LoadAcquire(),
		Failures:  d.failures.LoadAcquire(),
		Queued:    d.ring.queued(),
		Idle:      d.idle.Load(),
		Threads:   d.threads.Load(),
	}
}

// launch starts a dispatch goroutine unless MaxThreads are already live.
func (d *Dispatcher) launch() {
	if d.threads.Add(1) > d.maxThreads {
		d.threads.Add(-1)
		return
	}
	d.launched.AddAcqRel(1)
	d.executor.Spawn(context.Background(), d.name, d.loop)
}

func (d *Dispatcher) loop(context.Context) {
	for {
		if t, ok := d.ring.take(); ok {
			d.run(t)
			continue
		}
		if d.closed.LoadAcquire() || !d.await() {
			break
		}
	}
	d.threads.Add(-1)
	// A task queued after the last pop may have found MaxThreads live.
	if d.ring.queued() > 0 {
		d.launch()
	}
}

// await waits in the idle set for a signal. It reports whether the
// goroutine should look for work again.
func (d *Dispatcher) await() bool {
	d.idle.Add(1)
	defer d.idle.Add(-1)
	if d.ring.queued() > 0 {
		return true
	}
	var expired <-chan time.Time
	if d.idleTimeout > 0 {
		t := time.NewTimer(d.idleTimeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-d.signal:
		return true
	case <-d.done:
		return true
	case <-expired:
		if d.ring.queued() > 0 {
			return true
		}
		d.logger.Debug("dispatch goroutine idle timeout")
		return false
	}
}

func (d *Dispatcher) run(t pendingTask) {
	defer func() {
		if r := recover(); r != nil {
			d.failures.AddAcqRel(1)
			d.diagnostics.Report(t.name, &PanicError{Value: r, Stack: debug.Stack()})
		}
		d.completed.AddAcqRel(1)
	}()
	pprof.Do(t.ctx, pprof.Labels("stageq.task", t.name), func(ctx context.Context) {
		t.fn(ctx)
	})
}
