// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stageq

import (
	"runtime/debug"

	"code.hybscloud.com/atomix"
	"go.uber.org/zap"
)

// drainMode selects how a stage walks its visible window.
type drainMode uint8

const (
	// drainStepped reads the head every chunk and stores the tail per item.
	drainStepped drainMode = iota
	// drainAligned stops at chunk boundaries of the head and stores the
	// tail once per chunk.
	drainAligned
)

// stage is one consumer in a chain. Only the stage's worker goroutine ever
// writes tail; head is the publish cursor for the first stage and the
// previous stage's tail for the others.
type stage[T any] struct {
	_    pad
	tail atomix.Uint64
	_    pad

	name    string
	ring    *Ring[T]
	proc    Processor[T]
	head    *atomix.Uint64
	first   bool
	last    bool
	next    *stage[T]
	worker  *Worker
	chunk   uint64
	mode    drainMode
	logger  *zap.Logger
	onError func(*ProcessorError)

	processed atomix.Uint64
	failed    atomix.Uint64
	drains    atomix.Uint64
}

// drain processes everything visible to the stage, reports the empty
// observation to the processor and wakes a lagging downstream stage.
func (s *stage[T]) drain() error {
	if s.mode == drainAligned {
		s.drainAligned()
	} else {
		s.drainStepped()
	}
	s.drains.AddAcqRel(1)
	s.proc.OnDrainComplete()
	// A downstream worker that died on a fatal error stays behind until
	// something wakes it; nothing new may flow through this stage again.
	if s.next != nil && s.next.tail.LoadAcquire() < s.tail.LoadRelaxed() {
		s.next.worker.Wake()
	}
	return nil
}

// visible returns the stage's head, running the publish sweep first when the
// stage reads directly behind producers.
func (s *stage[T]) visible() uint64 {
	if s.first {
		return s.ring.sweep()
	}
	return s.head.LoadAcquire()
}

func (s *stage[T]) drainStepped() {
	tail := s.tail.LoadRelaxed()
	for {
		head := s.visible()
		if head == tail {
			return
		}
		end := tail + min(head-tail, s.chunk)
		for ; tail < end; tail++ {
			s.process(tail)
			s.tail.StoreRelease(tail + 1)
		}
		s.handoff()
	}
}

func (s *stage[T]) drainAligned() {
	tail := s.tail.LoadRelaxed()
	for {
		head := s.visible()
		if head == tail {
			return
		}
		// Nearest chunk boundary not past the head; fall back to the head
		// itself when no boundary lies ahead of the tail.
		end := head &^ (s.chunk - 1)
		if end <= tail {
			end = head
		}
		for tail < end {
			stop := min((tail|(s.chunk-1))+1, end)
			for ; tail < stop; tail++ {
				s.process(tail)
			}
			s.tail.StoreRelease(tail)
			s.handoff()
		}
	}
}

// handoff wakes the stage downstream, or releases blocked producers when
// this is the last stage.
func (s *stage[T]) handoff() {
	if s.next != nil {
		s.next.worker.Wake()
	}
	if s.last {
		s.ring.release()
	}
}

func (s *stage[T]) process(seq uint64) {
	slot := &s.ring.slots[seq&s.ring.mask]
	if err := s.invoke(&slot.Value); err != nil {
		s.failed.AddAcqRel(1)
		perr := &ProcessorError{Stage: s.name, Seq: seq, Err: err}
		s.logger.Warn("process failed", zap.Uint64("seq", seq), zap.Error(err))
		if s.onError != nil {
			s.onError(perr)
		}
	}
	s.processed.AddAcqRel(1)
}

func (s *stage[T]) invoke(item *T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return s.proc.Process(item)
}

func (s *stage[T]) stats() StageStats {
	return StageStats{
		Name:      s.name,
		Tail:      s.tail.LoadAcquire(),
		Processed: s.processed.LoadAcquire(),
		Failed:    s.failed.LoadAcquire(),
		Drains:    s.drains.LoadAcquire(),
		Worker:    s.worker.Stats(),
	}
}
