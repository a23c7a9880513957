// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package stageq provides bounded, lock-free, multi-stage ring-buffer
// pipelines.
//
// A pipeline owns one fixed-capacity [Ring] of pre-allocated slots and one or
// more ordered stages. Producers claim a slot, fill it and publish it; stage 0
// processes published slots, stage 1 processes what stage 0 has finished, and
// so on. Every stage observes items in exactly the order they were published.
// Each stage runs on its own goroutine, started lazily on the first wake and
// parked when drained.
//
// The package offers:
//
//   - Queue:      one stage; a bounded MPSC queue with blocking or
//     non-blocking offer
//   - Chain:      N stages, per-item tail progress
//   - Batched:    N stages, chunk-aligned tail progress for hot loops
//   - Values:     a Batched pipeline bound to one value type, blocking offer
//   - Dispatcher: a bounded ring of pending tasks over an [Executor] that
//     reuses idle dispatch goroutines instead of spawning one per task
//
// # Quick Start
//
// Direct constructors:
//
//	q := stageq.NewQueue(1024, func(ev *Event) error { return handle(ev) })
//	c := stageq.NewChain[Record](4096, decode, write)
//
// Builder API:
//
//	c := stageq.BuildChain[Record](
//	    stageq.New(4096).Name("journal").Logger(log).IdleTimeout(time.Minute),
//	    func(i int) Record { return Record{Buf: make([]byte, 0, 512)} },
//	    decode, write,
//	)
//
// # Producing
//
// All pipelines share the same producer operations:
//
//	err := c.TryOffer(rec)           // non-blocking; ErrWouldBlock when full
//	err := c.Offer(rec)              // blocks while full
//	err := c.OfferContext(ctx, rec)  // blocks while full, bounded by ctx
//
// Factory-built payloads are filled in place without copying:
//
//	err := c.OfferFunc(ctx, func(r *Record) {
//	    r.Buf = append(r.Buf[:0], payload...)
//	})
//
// or with the two-step slot API:
//
//	slot, err := c.TryAcquire()
//	if err == nil {
//	    slot.Value.Seq = n
//	    c.Publish(slot)
//	}
//
// # Ring Arithmetic
//
// Capacity rounds up to the next power of 2, minimum 8:
//
//	stageq.NewQueue[int](3, fn)     // 8 slots, Cap() == 7
//	stageq.NewQueue[int](1000, fn)  // 1024 slots, Cap() == 1023
//
// Cursors are 64-bit sequences mapped to slots with a bitmask. One slot is
// permanently reserved between the allocation cursor and the last stage's
// tail, so a ring never holds more than size-1 live items and full is
// distinguishable from empty without a counter.
//
// # Stage Processing
//
// A [Processor] handles one item at a time and is told when its stage has
// drained everything visible:
//
//	type journal struct{ f *os.File }
//
//	func (j *journal) Process(r *Record) error { _, err := j.f.Write(r.Buf); return err }
//	func (j *journal) OnDrainComplete()        { j.f.Sync() }
//
// An error or panic from Process is logged, counted in [StageStats] and
// passed to the OnError hook; the stage moves on to the next item. A panic
// escaping the drain loop itself (for example from OnDrainComplete) is
// reported to [Diagnostics] and ends the worker goroutine; the next wake
// starts a new one.
//
// # Worker Lifecycle
//
// Every stage is driven by a [Worker]. Wake marks work pending and spawns,
// unparks or leaves alone the worker's goroutine depending on its state. A
// drained worker parks for IdleTimeout (default 30s) and then exits; a
// Permanent worker parks again instead. Close sets the closed state and
// unparks; the goroutine finishes its current drain and exits.
//
// # Error Handling
//
// Producer operations return [ErrWouldBlock] when the ring is full. This
// error is sourced from [code.hybscloud.com/iox] for ecosystem consistency.
//
//	stageq.IsWouldBlock(err)  // ring full
//	stageq.IsSemantic(err)    // control flow signal
//	stageq.IsNonFailure(err)  // nil or ErrWouldBlock
//
// After Close or Shutdown producer operations return [ErrClosed].
//
// # Race Detection
//
// Slot payloads are plain fields protected by acquire-release orderings on
// the ring cursors. Go's race detector cannot observe those happens-before
// edges, so concurrent tests for payload-carrying pipelines are skipped when
// [RaceEnabled] is true.
//
// # Dependencies
//
// This package uses [code.hybscloud.com/atomix] for atomic primitives with
// explicit memory ordering, [code.hybscloud.com/spin] for CPU pause
// instructions, [code.hybscloud.com/iox] for semantic errors and
// [go.uber.org/zap] for structured logging.
package stageq
