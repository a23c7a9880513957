// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stageq

import (
	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
)

// pendingRing holds the tasks a [Dispatcher] has accepted but no dispatch
// goroutine has taken yet.
//
// Schedule calls push from any goroutine; dispatch goroutines call take.
// Each cell carries a turn counter that tells whose move it is at ring
// position pos: turn == pos means the cell is free for the scheduler
// claiming pos, turn == pos+1 means it holds the task for the dispatcher
// taking pos. Taking the task hands the cell to the scheduler one lap later.
type pendingRing struct {
	_     pad
	next  atomix.Uint64 // next position a scheduler claims
	_     pad
	taken atomix.Uint64 // next position a dispatch goroutine takes
	_     pad
	cells []pendingCell
	mask  uint64
}

type pendingCell struct {
	turn atomix.Uint64
	task pendingTask
}

func newPendingRing(capacity int) *pendingRing {
	n := uint64(roundToPow2(capacity))
	r := &pendingRing{
		cells: make([]pendingCell, n),
		mask:  n - 1,
	}
	for pos := range r.cells {
		r.cells[pos].turn.StoreRelaxed(uint64(pos))
	}
	return r
}

// push stores t and reports whether there was room.
func (r *pendingRing) push(t pendingTask) bool {
	sw := spin.Wait{}
	for {
		pos := r.next.LoadAcquire()
		c := &r.cells[pos&r.mask]
		turn := c.turn.LoadAcquire()
		switch {
		case turn < pos:
			// still holds the task claimed one lap ago
			return false
		case turn == pos && r.next.CompareAndSwapAcqRel(pos, pos+1):
			c.task = t
			c.turn.StoreRelease(pos + 1)
			return true
		}
		sw.Once()
	}
}

// take removes the oldest task. It reports false when no task is ready,
// including a claimed cell whose scheduler has not finished storing.
func (r *pendingRing) take() (pendingTask, bool) {
	sw := spin.Wait{}
	for {
		pos := r.taken.LoadAcquire()
		c := &r.cells[pos&r.mask]
		turn := c.turn.LoadAcquire()
		switch {
		case turn <= pos:
			return pendingTask{}, false
		case turn == pos+1 && r.taken.CompareAndSwapAcqRel(pos, pos+1):
			t := c.task
			c.task = pendingTask{}
			c.turn.StoreRelease(pos + r.mask + 1)
			return t, true
		}
		sw.Once()
	}
}

// queued returns the number of claimed positions not yet taken. Reading
// taken before next keeps the result non-negative.
func (r *pendingRing) queued() int64 {
	taken := r.taken.LoadAcquire()
	return int64(r.next.LoadAcquire() - taken)
}

func (r *pendingRing) size() int {
	return len(r.cells)
}
