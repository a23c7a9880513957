// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stageq

// Queue is a bounded multi-producer single-consumer pipeline: one [Ring] and
// one stage driven by one [Worker].
//
// Any number of goroutines may call Offer, TryOffer, OfferContext or
// OfferFunc. The consumer goroutine is started on the first publish, drains
// in chunks of min(published - tail, chunk), advances its tail, re-checks,
// and calls OnDrainComplete once it finds nothing left. It then parks for
// the idle window and exits if no work arrives.
//
// Example:
//
//	q := stageq.NewQueue(1024, func(j *Job) error {
//	    return j.Run()
//	})
//	defer q.Close()
//
//	if err := q.TryOffer(job); stageq.IsWouldBlock(err) {
//	    // ring full - shed or fall back to q.Offer(job)
//	}
type Queue[T any] struct {
	*core[T]
}

// NewQueue creates a queue whose consumer calls fn for every item.
// Capacity rounds up to the next power of 2, minimum 8.
func NewQueue[T any](capacity int, fn func(item *T) error) *Queue[T] {
	if fn == nil {
		panic("stageq: nil processor for stage 0")
	}
	return BuildQueue[T](New(capacity), nil, ProcessorFunc[T](fn))
}

// BuildQueue creates a queue from a builder. factory may be nil, in which
// case slots start with the zero value.
func BuildQueue[T any](b *Builder, factory Factory[T], p Processor[T]) *Queue[T] {
	o := b.resolved("queue")
	return &Queue[T]{core: newCore(o, factory, drainStepped, []Processor[T]{p})}
}

// Consumer returns the consumer's worker.
func (q *Queue[T]) Consumer() *Worker {
	return q.stages[0].worker
}
