// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stageq

import (
	"context"
	"runtime/pprof"

	"go.uber.org/zap"
)

// Processor is the per-stage processing logic supplied by the caller.
//
// Process is called once per item, in publish order, by the single goroutine
// that currently runs the stage. The item may be mutated in place; the next
// stage observes the mutation. An error or a panic is logged and counted, and
// the stage moves on to the next item.
//
// OnDrainComplete is called once every time the stage observes that no more
// items are visible to it. Journal-style stages batch an fsync or a network
// flush here.
type Processor[T any] interface {
	Process(item *T) error
	OnDrainComplete()
}

// ProcessorFunc adapts a plain function to [Processor].
// OnDrainComplete is a no-op.
type ProcessorFunc[T any] func(item *T) error

// Process calls f(item).
func (f ProcessorFunc[T]) Process(item *T) error { return f(item) }

// OnDrainComplete does nothing.
func (f ProcessorFunc[T]) OnDrainComplete() {}

// Factory creates the pre-allocated value held by the slot at index.
// It is called exactly once per slot at construction time.
type Factory[T any] func(index int) T

// PointerFactory returns a [Factory] for pointer payloads that panics at
// construction when newFn returns nil, so an empty slot can never be
// observed at runtime.
func PointerFactory[T any](newFn func(index int) *T) Factory[*T] {
	return func(index int) *T {
		v := newFn(index)
		if v == nil {
			panic("stageq: factory returned nil slot value")
		}
		return v
	}
}

// Executor runs a named unit of work on a goroutine it owns.
//
// ctx is the ambient context captured when the task was submitted; an
// implementation binds it for the duration of task and nothing longer.
// name identifies the goroutine in profiles and diagnostics.
type Executor interface {
	Spawn(ctx context.Context, name string, task func(ctx context.Context))
}

// BoundedExecutor is an [Executor] with a fixed number of goroutine permits.
//
// Workers start on it with TrySpawn. When no permit is free the worker
// stays idle and the next Wake tries again, so neither a producer's Publish
// nor an upstream stage ever waits for a permit. A pipeline needs one
// permit per stage; construction panics if Size is smaller.
type BoundedExecutor interface {
	Executor
	TrySpawn(ctx context.Context, name string, task func(ctx context.Context)) bool
	Size() int
}

// ExecutorFunc adapts a function to [Executor].
type ExecutorFunc func(ctx context.Context, name string, task func(ctx context.Context))

// Spawn calls f(ctx, name, task).
func (f ExecutorFunc) Spawn(ctx context.Context, name string, task func(ctx context.Context)) {
	f(ctx, name, task)
}

// GoExecutor starts one goroutine per task. The goroutine carries the
// pprof label "stageq.worker" set to the task name for as long as the task
// runs; pprof.Do restores the previous label set on return.
type GoExecutor struct{}

// Spawn starts task on a new goroutine.
func (GoExecutor) Spawn(ctx context.Context, name string, task func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	go pprof.Do(ctx, pprof.Labels("stageq.worker", name), task)
}

// Diagnostics receives errors that escaped a worker's run loop.
type Diagnostics interface {
	Report(source string, err error)
}

// DiagnosticsFunc adapts a function to [Diagnostics].
type DiagnosticsFunc func(source string, err error)

// Report calls f(source, err).
func (f DiagnosticsFunc) Report(source string, err error) { f(source, err) }

// ZapDiagnostics logs reported errors at error level.
type ZapDiagnostics struct {
	Logger *zap.Logger
}

// Report logs err with the reporting source.
func (d ZapDiagnostics) Report(source string, err error) {
	if d.Logger == nil {
		return
	}
	d.Logger.Error("worker terminated", zap.String("source", source), zap.Error(err))
}

// Stats is a point-in-time snapshot of a pipeline.
// Counters are read independently and may be mutually inconsistent by a few
// items under load.
type Stats struct {
	Name      string
	Capacity  int
	Allocated uint64
	Published uint64
	Live      int
	Stages    []StageStats
}

// StageStats describes one stage of a pipeline.
type StageStats struct {
	Name      string
	Tail      uint64
	Processed uint64
	Failed    uint64
	Drains    uint64
	Worker    WorkerStats
}

// WorkerStats describes the goroutine lifecycle of a stage.
type WorkerStats struct {
	State    WorkerState
	Spawns   uint64
	Rejects  uint64
	Parks    uint64
	IdleOuts uint64
	Failures uint64
}
