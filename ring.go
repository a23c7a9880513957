// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stageq

import (
	"context"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
)

// Slot is a reusable storage cell of a [Ring].
//
// Slots are created once from the pipeline's [Factory] and never
// reallocated. Between TryAcquire/Acquire and Publish the slot belongs to the
// producer that claimed it; afterwards it belongs to whichever stage is
// currently processing it, and it becomes free again once the last stage has
// moved past it.
type Slot[T any] struct {
	published atomix.Uint64 // seq+1 once the producer's writes are visible
	seq       uint64
	index     int
	Value     T
	_         padShort
}

// Seq returns the absolute ring position the slot was claimed at.
func (s *Slot[T]) Seq() uint64 { return s.seq }

// Index returns the slot's fixed position in the ring.
func (s *Slot[T]) Index() int { return s.index }

// Ring is a fixed-capacity circular array of slots shared by every stage of
// a pipeline.
//
// Cursors are monotonically increasing 64-bit sequences; a sequence maps to
// its slot through seq & mask. The invariant is
//
//	tail(last stage) ≤ … ≤ tail(first stage) ≤ publish ≤ alloc
//
// and the ring is full when alloc - tail(last stage) == size - 1. The one
// permanently reserved slot keeps full and empty distinguishable without a
// separate count.
type Ring[T any] struct {
	_       pad
	alloc   atomix.Uint64 // Producers CAS here
	_       pad
	publish atomix.Uint64 // Advanced by the helper sweep
	_       pad
	closed  atomix.Bool
	_       pad

	slots []Slot[T]
	mask  uint64
	size  uint64

	gating        *atomix.Uint64 // tail of the last stage
	notify        func()         // wakes the first stage
	unstall       func()         // wakes every stage with visible work
	sweepSpins    int
	retryInterval time.Duration
	gate          waitGate
}

func newRing[T any](o Options, factory Factory[T]) *Ring[T] {
	n := uint64(roundToPow2(o.capacity))
	r := &Ring[T]{
		slots:         make([]Slot[T], n),
		mask:          n - 1,
		size:          n,
		sweepSpins:    o.sweepSpins,
		retryInterval: o.retryInterval,
		notify:        func() {},
		unstall:       func() {},
	}
	for i := range r.slots {
		r.slots[i].index = i
		if factory != nil {
			r.slots[i].Value = factory(i)
		}
	}
	return r
}

// TryAcquire claims the next slot without blocking.
// Returns ErrWouldBlock if the ring is full and ErrClosed after Close.
func (r *Ring[T]) TryAcquire() (*Slot[T], error) {
	sw := spin.Wait{}
	for {
		if r.closed.LoadAcquire() {
			return nil, ErrClosed
		}
		alloc := r.alloc.LoadAcquire()
		tail := r.gating.LoadAcquire()
		if int64(alloc-tail) < 0 {
			// stale alloc: the last stage has already passed it
			sw.Once()
			continue
		}
		if alloc-tail >= r.mask {
			return nil, ErrWouldBlock
		}
		if r.alloc.CompareAndSwapAcqRel(alloc, alloc+1) {
			s := &r.slots[alloc&r.mask]
			s.seq = alloc
			return s, nil
		}
		sw.Once()
	}
}

// Acquire claims the next slot, blocking while the ring is full.
//
// A blocked producer wakes every stage that still has visible work, which
// restarts a stage whose worker died, then waits on the ring's wait flag. The last stage releases the flag after advancing its tail; the wait
// is also bounded by the retry interval so the producer re-checks capacity
// on its own. Returns ctx.Err() if ctx is done first and ErrClosed after Close.
func (r *Ring[T]) Acquire(ctx context.Context) (*Slot[T], error) {
	for {
		s, err := r.TryAcquire()
		if !IsWouldBlock(err) {
			return s, err
		}
		ch := r.gate.arm()
		r.unstall()
		if !r.full() {
			continue
		}
		if err := r.gate.wait(ctx, ch, r.retryInterval); err != nil {
			return nil, err
		}
	}
}

// Publish makes the slot visible to the first stage and wakes it.
//
// Producers may finish in any order. Publish marks the slot, then runs the
// helper sweep so the publish cursor advances through every slot already
// marked, including slots of producers that finished earlier but lost the
// race to advance it. If an earlier producer is still writing, Publish spins
// for at most SweepSpins iterations before leaving the rest to that producer
// and to the first stage, which sweeps before every drain.
func (r *Ring[T]) Publish(s *Slot[T]) {
	seq := s.seq
	s.published.StoreRelease(seq + 1)
	sw := spin.Wait{}
	for i := 0; r.sweep() <= seq && i < r.sweepSpins; i++ {
		sw.Once()
	}
	r.notify()
}

// sweep advances the publish cursor across every contiguous published slot
// and returns the resulting cursor. Any goroutine may call it; a CAS lost to
// another sweeper is harmless because both move the cursor the same way.
func (r *Ring[T]) sweep() uint64 {
	for {
		p := r.publish.LoadAcquire()
		if r.slots[p&r.mask].published.LoadAcquire() != p+1 {
			return p
		}
		r.publish.CompareAndSwapAcqRel(p, p+1)
	}
}

// full reports whether no slot can currently be claimed.
func (r *Ring[T]) full() bool {
	return r.alloc.LoadAcquire()-r.gating.LoadAcquire() >= r.mask
}

// release wakes producers blocked in Acquire. Called by the last stage.
func (r *Ring[T]) release() {
	r.gate.release()
}

func (r *Ring[T]) close() {
	r.closed.StoreRelease(true)
	r.gate.release()
}

// Len returns the number of live items: claimed but not yet passed by the
// last stage. Never exceeds Cap.
func (r *Ring[T]) Len() int {
	n := int64(r.alloc.LoadAcquire() - r.gating.LoadAcquire())
	if n < 0 {
		return 0
	}
	return int(n)
}

// Cap returns the usable capacity (physical size - 1).
func (r *Ring[T]) Cap() int {
	return int(r.mask)
}

// Size returns the number of physical slots.
func (r *Ring[T]) Size() int {
	return int(r.size)
}

// Allocated returns the allocation cursor.
func (r *Ring[T]) Allocated() uint64 {
	return r.alloc.LoadAcquire()
}

// Published returns the publish cursor.
func (r *Ring[T]) Published() uint64 {
	return r.publish.LoadAcquire()
}

// waitGate is the wait flag producers block on when the ring is full.
//
// A blocked producer arms the gate and waits on the returned channel. The
// last stage checks the flag after advancing its tail and, if set, closes
// the channel, which releases every waiter at once.
type waitGate struct {
	waiting atomix.Bool
	mu      sync.Mutex
	ch      chan struct{}
}

func (g *waitGate) arm() <-chan struct{} {
	g.mu.Lock()
	if g.ch == nil {
		g.ch = make(chan struct{})
	}
	ch := g.ch
	g.waiting.StoreRelease(true)
	g.mu.Unlock()
	return ch
}

func (g *waitGate) release() {
	if !g.waiting.LoadAcquire() {
		return
	}
	g.mu.Lock()
	g.waiting.StoreRelease(false)
	if g.ch != nil {
		close(g.ch)
		g.ch = nil
	}
	g.mu.Unlock()
}

func (g *waitGate) wait(ctx context.Context, ch <-chan struct{}, retry time.Duration) error {
	t := time.NewTimer(retry)
	defer t.Stop()
	select {
	case <-ch:
		return nil
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
