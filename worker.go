// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stageq

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"code.hybscloud.com/atomix"
	"go.uber.org/zap"
)

// WorkerState is the goroutine lifecycle state of a [Worker].
//
// State machine:
//
//	WorkerIdle   → WorkerActive   [Wake(): CAS, goroutine spawned]
//	WorkerActive → WorkerParked   [run loop drained everything]
//	WorkerParked → WorkerActive   [Unpark or idle window elapsed]
//	WorkerActive → WorkerIdle     [idle window elapsed without work, fatal error,
//	                               or no executor permit]
//	any          → WorkerClosed   [Close(), terminal]
//
// Temporary states change only by CompareAndSwap so a Close racing with any
// transition always wins.
type WorkerState uint64

const (
	// WorkerIdle means no goroutine is running for the worker.
	WorkerIdle WorkerState = iota
	// WorkerActive means the goroutine is running the work function or
	// deciding whether to park.
	WorkerActive
	// WorkerParked means the goroutine is blocked in its idle window.
	WorkerParked
	// WorkerClosed is terminal.
	WorkerClosed
)

func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerActive:
		return "active"
	case WorkerParked:
		return "parked"
	case WorkerClosed:
		return "closed"
	default:
		return fmt.Sprintf("WorkerState(%d)", uint64(s))
	}
}

// Pending-work flag. Wake sets ready; the run loop consumes it with a
// ready → sleeping CAS before every call of the work function.
const (
	taskSleeping uint64 = iota
	taskReady
)

// Worker is the run loop shared by every pipeline stage.
//
// A Worker owns at most one goroutine at a time. Wake starts it lazily
// through the configured [Executor]; after draining, the goroutine parks for
// the idle window and exits if nothing arrives. The next Wake starts a fresh
// goroutine. A panic escaping the work function is reported to
// [Diagnostics] and ends the goroutine; it is restarted by the next Wake.
type Worker struct {
	_     pad
	task  atomix.Uint64
	_     pad
	state atomix.Uint64
	_     pad

	name        string
	work        func() error
	parker      *Parker
	executor    Executor
	diagnostics Diagnostics
	logger      *zap.Logger
	idleTimeout time.Duration
	permanent   bool

	running  atomix.Int64 // spawned goroutines that have not returned
	spawns   atomix.Uint64
	rejects  atomix.Uint64
	parks    atomix.Uint64
	idleOuts atomix.Uint64
	failures atomix.Uint64
}

// NewWorker creates a worker that calls work each time it is woken.
// The builder supplies the executor, diagnostics, logger, idle timeout
// and the permanent flag.
func NewWorker(b *Builder, name string, work func() error) *Worker {
	if work == nil {
		panic("stageq: nil work function")
	}
	o := b.resolved(name)
	return newWorker(o, name, work)
}

func newWorker(o Options, name string, work func() error) *Worker {
	return &Worker{
		name:        name,
		work:        work,
		parker:      NewParker(),
		executor:    o.executor,
		diagnostics: o.diagnostics,
		logger:      o.logger.With(zap.String("worker", name)),
		idleTimeout: o.idleTimeout,
		permanent:   o.permanent,
	}
}

// Name returns the worker name.
func (w *Worker) Name() string { return w.name }

// State returns the current lifecycle state.
func (w *Worker) State() WorkerState {
	return WorkerState(w.state.LoadAcquire())
}

// Wake records pending work and makes sure a goroutine will observe it:
// an idle worker is spawned, a parked worker is unparked, an active worker
// re-checks the flag before parking. If a [BoundedExecutor] has no free
// permit the worker stays idle with the flag set, and the next Wake retries.
func (w *Worker) Wake() {
	if w.task.LoadAcquire() != taskReady {
		w.task.CompareAndSwapAcqRel(taskSleeping, taskReady)
	}
	for {
		switch s := w.state.LoadAcquire(); WorkerState(s) {
		case WorkerClosed, WorkerActive:
			return
		case WorkerParked:
			w.parker.Unpark()
			return
		case WorkerIdle:
			w.running.AddAcqRel(1)
			if !w.state.CompareAndSwapAcqRel(s, uint64(WorkerActive)) {
				w.running.AddAcqRel(-1)
				continue
			}
			if w.spawn() {
				w.spawns.AddAcqRel(1)
				return
			}
			// No permit: back to idle. A Close in between keeps WorkerClosed.
			w.running.AddAcqRel(-1)
			w.rejects.AddAcqRel(1)
			w.state.CompareAndSwapAcqRel(uint64(WorkerActive), uint64(WorkerIdle))
			return
		}
	}
}

// spawn starts the run loop. A [BoundedExecutor] may refuse.
func (w *Worker) spawn() bool {
	if be, ok := w.executor.(BoundedExecutor); ok {
		return be.TrySpawn(context.Background(), w.name, w.run)
	}
	w.executor.Spawn(context.Background(), w.name, w.run)
	return true
}

// Close moves the worker to WorkerClosed. A running goroutine finishes its
// current call of the work function and exits; a parked one is unparked so
// it observes the state.
func (w *Worker) Close() {
	for {
		s := w.state.LoadAcquire()
		if WorkerState(s) == WorkerClosed {
			return
		}
		if w.state.CompareAndSwapAcqRel(s, uint64(WorkerClosed)) {
			if WorkerState(s) == WorkerParked {
				w.parker.Unpark()
			}
			return
		}
	}
}

// Stats returns a snapshot of the lifecycle counters.
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		State:    w.State(),
		Spawns:   w.spawns.LoadAcquire(),
		Rejects:  w.rejects.LoadAcquire(),
		Parks:    w.parks.LoadAcquire(),
		IdleOuts: w.idleOuts.LoadAcquire(),
		Failures: w.failures.LoadAcquire(),
	}
}

// Stopped reports whether the worker is closed and its goroutine has
// returned.
func (w *Worker) Stopped() bool {
	return w.State() == WorkerClosed && w.running.LoadAcquire() == 0
}

func (w *Worker) run(ctx context.Context) {
	defer w.running.AddAcqRel(-1)
	for {
		if w.State() == WorkerClosed {
			return
		}
		if w.task.CompareAndSwapAcqRel(taskReady, taskSleeping) {
			if err := w.invoke(); err != nil {
				w.failures.AddAcqRel(1)
				w.diagnostics.Report(w.name, err)
				w.state.CompareAndSwapAcqRel(uint64(WorkerActive), uint64(WorkerIdle))
				return
			}
			continue
		}
		if !w.park() {
			w.exit()
			return
		}
	}
}

// park blocks through one idle window. It reports whether the run loop
// should continue.
func (w *Worker) park() bool {
	if !w.state.CompareAndSwapAcqRel(uint64(WorkerActive), uint64(WorkerParked)) {
		return false
	}
	// Wake may have set the flag while it still saw WorkerActive.
	if w.task.LoadAcquire() == taskReady {
		return w.state.CompareAndSwapAcqRel(uint64(WorkerParked), uint64(WorkerActive))
	}
	w.parks.AddAcqRel(1)
	woken := w.parker.Park(w.idleTimeout)
	if !w.state.CompareAndSwapAcqRel(uint64(WorkerParked), uint64(WorkerActive)) {
		return false
	}
	if woken || w.permanent || w.task.LoadAcquire() == taskReady {
		return true
	}
	w.idleOuts.AddAcqRel(1)
	w.logger.Debug("worker idle timeout", zap.Duration("idle", w.idleTimeout))
	return false
}

// exit releases the goroutine slot. Work that arrived between the last
// check and the transition to WorkerIdle is picked up by a new goroutine.
func (w *Worker) exit() {
	if !w.state.CompareAndSwapAcqRel(uint64(WorkerActive), uint64(WorkerIdle)) {
		return
	}
	if w.task.LoadAcquire() == taskReady {
		w.Wake()
	}
}

func (w *Worker) invoke() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return w.work()
}
