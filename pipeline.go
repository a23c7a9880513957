// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stageq

import (
	"context"
	"strconv"

	"code.hybscloud.com/iox"
	"go.uber.org/zap"
)

// core is the ring plus stage chain shared by Queue, Chain and Batched.
type core[T any] struct {
	*Ring[T]
	name   string
	stages []*stage[T]
	logger *zap.Logger
}

func newCore[T any](o Options, factory Factory[T], mode drainMode, processors []Processor[T]) *core[T] {
	if len(processors) == 0 {
		panic("stageq: at least one stage is required")
	}
	if be, ok := o.executor.(BoundedExecutor); ok && be.Size() < len(processors) {
		panic("stageq: executor has " + strconv.Itoa(be.Size()) + " permits for " +
			strconv.Itoa(len(processors)) + " stages")
	}
	r := newRing(o, factory)
	c := &core[T]{
		Ring:   r,
		name:   o.name,
		stages: make([]*stage[T], len(processors)),
		logger: o.logger.With(zap.String("pipeline", o.name)),
	}
	chunk := chunkFor(r.size, o.maxChunk)
	for i, p := range processors {
		if p == nil {
			panic("stageq: nil processor for stage " + strconv.Itoa(i))
		}
		name := o.name + "/" + strconv.Itoa(i)
		st := &stage[T]{
			name:    name,
			ring:    r,
			proc:    p,
			first:   i == 0,
			last:    i == len(processors)-1,
			chunk:   chunk,
			mode:    mode,
			logger:  c.logger.With(zap.String("stage", name)),
			onError: o.onError,
		}
		if i == 0 {
			st.head = &r.publish
		} else {
			st.head = &c.stages[i-1].tail
			c.stages[i-1].next = st
		}
		st.worker = newWorker(o, name, st.drain)
		c.stages[i] = st
	}
	r.gating = &c.stages[len(c.stages)-1].tail
	first := c.stages[0].worker
	r.notify = first.Wake
	r.unstall = c.Wake
	return c
}

// Wake signals the first stage and every later stage whose head is ahead
// of its tail. Publish already wakes the first stage; Wake restarts stages
// whose worker went idle with items still visible to it.
func (c *core[T]) Wake() {
	for _, s := range c.stages {
		if s.first || s.head.LoadAcquire() != s.tail.LoadAcquire() {
			s.worker.Wake()
		}
	}
}

// Close stops accepting new items, releases blocked producers and closes
// every stage worker. Running workers finish their current drain first.
// Items published but not yet processed are abandoned; use Shutdown to
// drain them.
func (c *core[T]) Close() {
	c.close()
	c.closeWorkers()
}

// Shutdown stops accepting new items and waits until the last stage has
// passed every claimed slot, then closes the workers and waits for their
// goroutines to return, so the final OnDrainComplete calls have completed.
// If ctx is done first the workers are closed anyway and ctx.Err() is
// returned.
//
// A producer still holding an unpublished slot keeps Shutdown waiting; it
// may still Publish after Shutdown has begun.
func (c *core[T]) Shutdown(ctx context.Context) error {
	c.close()
	backoff := iox.Backoff{}
	for c.gating.LoadAcquire() != c.alloc.LoadAcquire() {
		if err := ctx.Err(); err != nil {
			c.closeWorkers()
			return err
		}
		c.Wake()
		backoff.Wait()
	}
	c.closeWorkers()

	backoff.Reset()
	for _, s := range c.stages {
		for !s.worker.Stopped() {
			if err := ctx.Err(); err != nil {
				return err
			}
			backoff.Wait()
		}
	}
	c.logger.Debug("pipeline drained", zap.Uint64("published", c.Published()))
	return nil
}

func (c *core[T]) closeWorkers() {
	for _, s := range c.stages {
		s.worker.Close()
	}
}

// Stages returns the number of stages.
func (c *core[T]) Stages() int {
	return len(c.stages)
}

// Stats returns a snapshot of the ring cursors and per-stage counters.
func (c *core[T]) Stats() Stats {
	st := Stats{
		Name:      c.name,
		Capacity:  c.Cap(),
		Allocated: c.Allocated(),
		Published: c.Published(),
		Live:      c.Len(),
		Stages:    make([]StageStats, len(c.stages)),
	}
	for i, s := range c.stages {
		st.Stages[i] = s.stats()
	}
	return st
}

// TryOffer stores v in the next slot and publishes it without blocking.
// Returns ErrWouldBlock if the ring is full.
func (c *core[T]) TryOffer(v T) error {
	s, err := c.TryAcquire()
	if err != nil {
		return err
	}
	s.Value = v
	c.Publish(s)
	return nil
}

// Offer stores v in the next slot and publishes it, blocking while the ring
// is full. Returns ErrClosed after Close.
func (c *core[T]) Offer(v T) error {
	return c.OfferContext(context.Background(), v)
}

// OfferContext is Offer bounded by ctx.
func (c *core[T]) OfferContext(ctx context.Context, v T) error {
	s, err := c.Acquire(ctx)
	if err != nil {
		return err
	}
	s.Value = v
	c.Publish(s)
	return nil
}

// OfferFunc claims the next slot, lets fill update the pre-allocated value
// in place and publishes it, blocking while the ring is full. This is the
// allocation-free path for factory-built payloads.
func (c *core[T]) OfferFunc(ctx context.Context, fill func(v *T)) error {
	s, err := c.Acquire(ctx)
	if err != nil {
		return err
	}
	fill(&s.Value)
	c.Publish(s)
	return nil
}

// Worker returns the worker driving stage i.
func (c *core[T]) Worker(i int) *Worker {
	return c.stages[i].worker
}
