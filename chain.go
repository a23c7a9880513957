// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stageq

// Chain is a pipeline of N ordered stages sharing one [Ring].
//
// Stage 0 reads up to the publish cursor; stage k reads up to the tail of
// stage k-1. Every stage therefore sees the items in exactly the order they
// were published, each at its own pace. A stage drains in chunks (size
// min(ring size/4, MaxChunk)), advancing its tail after every item and
// waking the next stage after every chunk. The last stage releases producers
// blocked on a full ring.
//
// A slow stage back-pressures the stages before it only through ring
// capacity: the ring fills, producers block or get ErrWouldBlock, and the
// faster stages go idle.
//
// Example:
//
//	c := stageq.NewChain[Record](4096,
//	    stageq.ProcessorFunc[Record](decode),
//	    stageq.ProcessorFunc[Record](validate),
//	    journal, // implements OnDrainComplete to fsync once per drain
//	)
//	defer c.Close()
type Chain[T any] struct {
	*core[T]
}

// NewChain creates a chain with one stage per processor, in order.
// Capacity rounds up to the next power of 2, minimum 8.
// Panics if processors is empty or contains nil.
func NewChain[T any](capacity int, processors ...Processor[T]) *Chain[T] {
	return BuildChain[T](New(capacity), nil, processors...)
}

// BuildChain creates a chain from a builder. factory may be nil.
func BuildChain[T any](b *Builder, factory Factory[T], processors ...Processor[T]) *Chain[T] {
	o := b.resolved("chain")
	return &Chain[T]{core: newCore(o, factory, drainStepped, processors)}
}
