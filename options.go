// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stageq

import (
	"time"

	"go.uber.org/zap"
)

const (
	// MinSize is the smallest physical ring size.
	MinSize = 8

	// DefaultMaxChunk caps the number of items a stage processes between
	// cursor re-reads and downstream wakes.
	DefaultMaxChunk = 64

	// DefaultIdleTimeout is how long a drained worker stays parked before
	// its goroutine exits.
	DefaultIdleTimeout = 30 * time.Second

	// DefaultRetryInterval bounds how long a blocked producer waits before
	// re-checking ring capacity on its own.
	DefaultRetryInterval = 10 * time.Millisecond

	// DefaultSweepSpins is the number of pause iterations a publisher spends
	// helping the publish cursor past an earlier in-flight producer before it
	// leaves the remainder to that producer and the first stage.
	DefaultSweepSpins = 32

	// DefaultDispatchThreads caps the dispatch goroutines of a Dispatcher.
	DefaultDispatchThreads = 16
)

// Options configures pipeline creation.
type Options struct {
	capacity int

	// Stage pacing
	maxChunk  int
	permanent bool

	// Timing
	idleTimeout   time.Duration
	retryInterval time.Duration
	sweepSpins    int

	// Dispatch
	maxThreads int

	// Collaborators
	name        string
	executor    Executor
	diagnostics Diagnostics
	logger      *zap.Logger
	onError     func(*ProcessorError)
}

// Builder creates pipelines with fluent configuration.
//
// Example:
//
//	// Two-stage chain, 4096 slots, workers never idle out
//	c := stageq.BuildChain[Event](stageq.New(4096).Permanent().Name("journal"), nil, decode, write)
//
//	// Single consumer queue with a custom executor and logger
//	q := stageq.BuildQueue[Job](stageq.New(1024).Executor(pool).Logger(log), nil, run)
type Builder struct {
	opts Options
}

// New creates a pipeline builder with the given capacity.
//
// Capacity rounds up to the next power of 2, minimum 8. One slot is always
// reserved to tell a full ring from an empty one, so a ring of size n holds
// at most n-1 live items.
//
// Panics if capacity < 1.
func New(capacity int) *Builder {
	if capacity < 1 {
		panic("stageq: capacity must be >= 1")
	}
	return &Builder{opts: Options{
		capacity:      capacity,
		maxChunk:      DefaultMaxChunk,
		idleTimeout:   DefaultIdleTimeout,
		retryInterval: DefaultRetryInterval,
		sweepSpins:    DefaultSweepSpins,
		maxThreads:    DefaultDispatchThreads,
	}}
}

// Name sets the pipeline name used for worker goroutine labels and logs.
func (b *Builder) Name(name string) *Builder {
	b.opts.name = name
	return b
}

// MaxChunk caps the stage batch size. Rounded down to a power of 2.
// The effective chunk is min(size/4, MaxChunk).
func (b *Builder) MaxChunk(n int) *Builder {
	if n < 1 {
		panic("stageq: chunk must be >= 1")
	}
	b.opts.maxChunk = n
	return b
}

// IdleTimeout sets how long a drained worker parks before its goroutine
// exits. Zero or negative parks until woken.
func (b *Builder) IdleTimeout(d time.Duration) *Builder {
	b.opts.idleTimeout = d
	return b
}

// RetryInterval sets the re-check period of a producer blocked on a full ring.
func (b *Builder) RetryInterval(d time.Duration) *Builder {
	if d <= 0 {
		panic("stageq: retry interval must be > 0")
	}
	b.opts.retryInterval = d
	return b
}

// SweepSpins sets the publish helper spin budget. It trades publisher CPU
// for first-stage latency and has no effect on correctness.
func (b *Builder) SweepSpins(n int) *Builder {
	if n < 0 {
		panic("stageq: sweep spins must be >= 0")
	}
	b.opts.sweepSpins = n
	return b
}

// Permanent keeps stage workers alive across idle windows. Their goroutines
// only exit on Close.
func (b *Builder) Permanent() *Builder {
	b.opts.permanent = true
	return b
}

// MaxThreads caps the dispatch goroutines of a Dispatcher.
func (b *Builder) MaxThreads(n int) *Builder {
	if n < 1 {
		panic("stageq: max threads must be >= 1")
	}
	b.opts.maxThreads = n
	return b
}

// Executor sets the executor worker goroutines are spawned on.
// Defaults to [GoExecutor]. A [BoundedExecutor] needs at least one permit
// per stage.
func (b *Builder) Executor(e Executor) *Builder {
	b.opts.executor = e
	return b
}

// Diagnostics sets the sink for errors that escape a worker's run loop.
// Defaults to [ZapDiagnostics] over the builder's logger.
func (b *Builder) Diagnostics(d Diagnostics) *Builder {
	b.opts.diagnostics = d
	return b
}

// Logger sets the structured logger. Defaults to zap.NewNop().
func (b *Builder) Logger(l *zap.Logger) *Builder {
	b.opts.logger = l
	return b
}

// OnError registers a callback for per-item processor failures. It runs on
// the stage goroutine after the failure is logged; the stage continues with
// the next item once it returns.
func (b *Builder) OnError(fn func(*ProcessorError)) *Builder {
	b.opts.onError = fn
	return b
}

// resolved returns a copy of the options with collaborators defaulted.
func (b *Builder) resolved(kind string) Options {
	o := b.opts
	if o.name == "" {
		o.name = kind
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.executor == nil {
		o.executor = GoExecutor{}
	}
	if o.diagnostics == nil {
		o.diagnostics = ZapDiagnostics{Logger: o.logger}
	}
	return o
}

// chunkFor returns the stage batch size for a ring of the given size:
// a power of 2, at least 1, at most min(size/4, maxChunk).
func chunkFor(size uint64, maxChunk int) uint64 {
	c := size >> 2
	m := uint64(roundDownPow2(maxChunk))
	if c > m {
		c = m
	}
	if c < 1 {
		c = 1
	}
	return c
}

// roundToPow2 rounds n up to the next power of 2, minimum MinSize.
func roundToPow2(n int) int {
	if n < MinSize {
		return MinSize
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

// roundDownPow2 rounds n down to a power of 2, minimum 1.
func roundDownPow2(n int) int {
	if n < 2 {
		return 1
	}
	p := 1
	for p<<1 <= n {
		p <<= 1
	}
	return p
}

// pad is cache line padding to prevent false sharing.
type pad [64]byte

// padShort is padding to fill cache line after 8-byte field.
type padShort [64 - 8]byte
