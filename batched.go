// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stageq

// Batched is a chained-stage pipeline tuned for one hot consumer loop.
//
// It has the same ordering, back-pressure and failure semantics as [Chain].
// The difference is the cursor bookkeeping: a stage rounds the head it
// observes down to the nearest chunk boundary and walks whole chunks, storing
// its tail and waking downstream once per chunk instead of once per item. The
// head is re-read only at chunk boundaries; a partial chunk is taken only
// when no boundary lies ahead of the tail. Downstream stages and blocked
// producers see progress in chunk-sized steps.
type Batched[T any] struct {
	*core[T]
}

// NewBatched creates a batched pipeline with one stage per processor.
// Capacity rounds up to the next power of 2, minimum 8.
func NewBatched[T any](capacity int, processors ...Processor[T]) *Batched[T] {
	return BuildBatched[T](New(capacity), nil, processors...)
}

// BuildBatched creates a batched pipeline from a builder. factory may be nil.
func BuildBatched[T any](b *Builder, factory Factory[T], processors ...Processor[T]) *Batched[T] {
	o := b.resolved("batched")
	return &Batched[T]{core: newCore(o, factory, drainAligned, processors)}
}

// Chunk returns the batch size stages align to.
func (p *Batched[T]) Chunk() int {
	return int(p.stages[0].chunk)
}
