// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stageq

import "context"

// Values binds one value type to a [Batched] pipeline.
//
// Offer is the only producer operation and it blocks while the ring is full;
// there is no non-blocking variant at this layer. Handlers receive each value
// in publish order, one handler per stage. After the last handler the slot is
// reset to the zero value so the ring does not retain references.
type Values[T any] struct {
	p *Batched[T]
}

// NewValues creates a value pipeline with one stage per handler.
func NewValues[T any](capacity int, handlers ...func(v T) error) *Values[T] {
	return BuildValues(New(capacity), handlers...)
}

// BuildValues creates a value pipeline from a builder.
func BuildValues[T any](b *Builder, handlers ...func(v T) error) *Values[T] {
	if len(handlers) == 0 {
		panic("stageq: at least one stage is required")
	}
	procs := make([]Processor[T], len(handlers))
	for i, h := range handlers {
		if h == nil {
			panic("stageq: nil handler")
		}
		procs[i] = valueStage[T]{fn: h, clear: i == len(handlers)-1}
	}
	o := b.resolved("values")
	return &Values[T]{p: &Batched[T]{core: newCore[T](o, nil, drainAligned, procs)}}
}

// Offer publishes v, blocking while the ring is full.
// Returns ErrClosed after Close.
func (v *Values[T]) Offer(value T) error {
	return v.p.OfferContext(context.Background(), value)
}

// OfferContext is Offer bounded by ctx.
func (v *Values[T]) OfferContext(ctx context.Context, value T) error {
	return v.p.OfferContext(ctx, value)
}

// Close closes the underlying pipeline.
func (v *Values[T]) Close() { v.p.Close() }

// Shutdown drains and closes the underlying pipeline.
func (v *Values[T]) Shutdown(ctx context.Context) error { return v.p.Shutdown(ctx) }

// Stats returns the underlying pipeline snapshot.
func (v *Values[T]) Stats() Stats { return v.p.Stats() }

// Cap returns the usable capacity.
func (v *Values[T]) Cap() int { return v.p.Cap() }

// Len returns the number of live values.
func (v *Values[T]) Len() int { return v.p.Len() }

type valueStage[T any] struct {
	fn    func(v T) error
	clear bool
}

func (s valueStage[T]) Process(item *T) error {
	if s.clear {
		defer func() {
			var zero T
			*item = zero
		}()
	}
	return s.fn(*item)
}

func (s valueStage[T]) OnDrainComplete() {}
